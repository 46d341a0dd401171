package workflow

import (
	"context"

	"github.com/codebypatrickleung/rehost/internal/capture"
	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/cloud/aws"
	"github.com/codebypatrickleung/rehost/internal/cloud/azure"
	"github.com/codebypatrickleung/rehost/internal/cloud/oci"
	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

// ProviderFactory builds the cloud adapter of a job.
type ProviderFactory func(ctx context.Context, cfg *config.Config, j *job.MigrationJob, log *logger.Logger) (cloud.Provider, error)

// CapturerFactory builds the raw-file capture of a job.
type CapturerFactory func(ctx context.Context, cfg *config.Config, j *job.MigrationJob, log *logger.Logger) (capture.Capturer, error)

// NewProvider selects the adapter named by the job's provider field.
func NewProvider(ctx context.Context, cfg *config.Config, j *job.MigrationJob, log *logger.Logger) (cloud.Provider, error) {
	switch j.Provider {
	case aws.ProviderName:
		p, err := aws.NewProvider(ctx, cfg, j, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	case oci.ProviderName:
		p, err := oci.NewProvider(cfg, j, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, job.Invalid("provider", "unsupported provider %q", j.Provider)
}

// NewCapturer selects the capture matching the job's source type.
func NewCapturer(ctx context.Context, cfg *config.Config, j *job.MigrationJob, log *logger.Logger) (capture.Capturer, error) {
	switch j.Source.Type {
	case job.SourceSSH:
		return capture.NewSSHCapturer(cfg.WorkRoot, log), nil
	case job.SourceAzure:
		source, err := azure.NewSource(j.Source.AzureSubscriptionID, log)
		if err != nil {
			return nil, err
		}
		return capture.NewAzureCapturer(source, cfg.WorkRoot, log), nil
	}
	return nil, job.Invalid("source.type", "unsupported source type %q", j.Source.Type)
}
