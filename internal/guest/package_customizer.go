package guest

import (
	"context"

	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/template"
)

// packageCustomizer differs between families only by package manager.
type packageCustomizer struct {
	name    string
	family  string
	aliases []string
	refresh string
	install string
}

func (c *packageCustomizer) Name() string      { return c.name }
func (c *packageCustomizer) Family() string    { return c.family }
func (c *packageCustomizer) Aliases() []string { return c.aliases }

func (c *packageCustomizer) Customize(ctx context.Context, s *Session, profile job.GuestProfile) error {
	if profile.Empty() {
		s.Log.Info("Guest profile is empty, nothing to customize")
		return nil
	}
	s.Log.Infof("Applying %s customizations...", c.name)
	script, err := s.Scripts.Customize(template.CustomizeData{
		GuestProfile:   profile,
		RefreshCommand: c.refresh,
		InstallCommand: c.install,
	})
	if err != nil {
		return err
	}
	if err := s.RunScript(ctx, script); err != nil {
		return err
	}
	s.Log.Successf("%s customizations completed", c.name)
	return nil
}
