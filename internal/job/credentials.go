package job

import "strings"

const redacted = "******"

// Secret is a string that never prints its value.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// Value returns the cleartext secret.
func (s Secret) Value() string { return string(s) }

// MarshalYAML keeps secrets out of serialized job dumps.
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// Credentials are the provider credentials supplied once per job.
type Credentials struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey Secret `yaml:"secret_access_key"`
	SessionToken    Secret `yaml:"session_token"`

	TenancyID      string `yaml:"tenancy_id"`
	UserID         string `yaml:"user_id"`
	Fingerprint    string `yaml:"fingerprint"`
	PrivateKeyPath string `yaml:"private_key_path"`
	Passphrase     Secret `yaml:"passphrase"`
}

func (c Credentials) String() string {
	var b strings.Builder
	b.WriteString("credentials{")
	if c.AccessKeyID != "" {
		b.WriteString("access_key_id=" + maskKey(c.AccessKeyID))
	}
	if c.TenancyID != "" {
		b.WriteString(" tenancy=" + c.TenancyID)
	}
	b.WriteString("}")
	return b.String()
}

// Secrets lists every secret value so log redaction can mask them.
func (c Credentials) Secrets() []string {
	var out []string
	for _, s := range []Secret{c.SecretAccessKey, c.SessionToken, c.Passphrase} {
		if s != "" {
			out = append(out, s.Value())
		}
	}
	return out
}

func maskKey(k string) string {
	if len(k) <= 4 {
		return redacted
	}
	return k[:4] + redacted
}
