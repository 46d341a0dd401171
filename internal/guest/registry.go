package guest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// CustomizerRegistry maps OS families and their aliases to customizers.
type CustomizerRegistry struct {
	customizers map[string]Customizer
	aliases     map[string]string
	mu          sync.RWMutex
}

// NewCustomizerRegistry creates an empty registry.
func NewCustomizerRegistry() *CustomizerRegistry {
	return &CustomizerRegistry{
		customizers: make(map[string]Customizer),
		aliases:     make(map[string]string),
	}
}

// Register adds a customizer under its family and aliases.
func (r *CustomizerRegistry) Register(c Customizer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	family := strings.ToLower(c.Family())
	if _, exists := r.customizers[family]; exists {
		return fmt.Errorf("customizer for %s already registered", family)
	}
	r.customizers[family] = c
	for _, a := range c.Aliases() {
		r.aliases[strings.ToLower(a)] = family
	}
	return nil
}

// Get resolves a family name or os-release ID.
func (r *CustomizerRegistry) Get(name string) (Customizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := strings.ToLower(strings.TrimSpace(name))
	if c, ok := r.customizers[key]; ok {
		return c, nil
	}
	if family, ok := r.aliases[key]; ok {
		return r.customizers[family], nil
	}
	return nil, fmt.Errorf("no customizer registered for OS family %q", name)
}

// Families lists the registered family keys, sorted.
func (r *CustomizerRegistry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.customizers))
	for f := range r.customizers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry holds the built-in customizers.
var DefaultRegistry = NewCustomizerRegistry()

func init() {
	for _, c := range []Customizer{
		&packageCustomizer{
			name:    "Debian family",
			family:  "debian",
			aliases: []string{"ubuntu", "linuxmint"},
			refresh: "apt-get update -q",
			install: "DEBIAN_FRONTEND=noninteractive apt-get install -y -q",
		},
		&packageCustomizer{
			name:    "Red Hat family",
			family:  "rhel",
			aliases: []string{"centos", "rocky", "almalinux", "ol", "fedora", "amzn"},
			install: "yum install -y",
		},
		&packageCustomizer{
			name:    "SUSE family",
			family:  "suse",
			aliases: []string{"sles", "opensuse", "opensuse-leap"},
			refresh: "zypper --non-interactive refresh",
			install: "zypper --non-interactive install",
		},
	} {
		if err := DefaultRegistry.Register(c); err != nil {
			panic(err)
		}
	}
}
