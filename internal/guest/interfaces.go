// Package guest replays a source host's configuration on a replatformed
// instance over SSH.
package guest

import (
	"context"

	"github.com/codebypatrickleung/rehost/internal/job"
)

// Customizer applies a guest profile for one OS family.
type Customizer interface {
	// Name returns the name of this customizer (e.g., "Debian family")
	Name() string

	// Family returns the OS family key (e.g., "debian", "rhel")
	Family() string

	// Aliases returns os-release IDs handled by this family (e.g., "ubuntu")
	Aliases() []string

	// Customize renders, uploads and runs the customization script.
	Customize(ctx context.Context, s *Session, profile job.GuestProfile) error
}
