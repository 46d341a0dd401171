// Package workflow defines interfaces for workflow abstraction.
package workflow

import (
	"context"

	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

// Handler defines the interface for a workflow handler that orchestrates migration.
// Each workflow handler implements one migration strategy.
type Handler interface {
	// Name returns the name of the workflow (e.g., "Rehost Migration")
	Name() string

	// Strategy returns the job strategy this handler drives
	Strategy() job.Strategy

	// Initialize prepares the workflow handler with configuration and logger
	Initialize(cfg *config.Config, log *logger.Logger) error

	// Validate rejects a job before any provider resource is touched
	Validate(ctx context.Context, r *Run) error

	// Execute runs the complete migration pipeline of one job
	Execute(ctx context.Context, r *Run) error
}
