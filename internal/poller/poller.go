// Package poller waits on provider-side long-running operations by
// interval polling. Every sleep doubles as a cancellation checkpoint.
package poller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

// Config holds the poll cadences.
type Config struct {
	ConversionInterval time.Duration
	StateInterval      time.Duration
	Heartbeat          time.Duration
}

// Poller polls one job's provider operations.
type Poller struct {
	provider cloud.Provider
	cfg      Config
	log      *logger.Logger

	mu     sync.Mutex
	cancel <-chan struct{}

	convertingOnce sync.Once
	onConverting   func(ctx context.Context) error
	convertingErr  error
}

// New creates a Poller. cancel is the job's cancellation channel;
// onConverting runs once per job the first time byte progress is seen.
func New(p cloud.Provider, cfg Config, log *logger.Logger, cancel <-chan struct{}, onConverting func(ctx context.Context) error) *Poller {
	return &Poller{provider: p, cfg: cfg, log: log, cancel: cancel, onConverting: onConverting}
}

// IgnoreCancellation stops honouring the job cancellation channel. Used once
// the run has passed the point of no return.
func (p *Poller) IgnoreCancellation() {
	p.mu.Lock()
	p.cancel = nil
	p.mu.Unlock()
}

func (p *Poller) cancelCh() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel
}

func (p *Poller) checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.cancelCh():
		return job.ErrCancelled
	default:
		return nil
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.cancelCh():
		return job.ErrCancelled
	case <-t.C:
		return nil
	}
}

func (p *Poller) markConverting(ctx context.Context) error {
	p.convertingOnce.Do(func() {
		if p.onConverting != nil {
			p.convertingErr = p.onConverting(ctx)
		}
	})
	return p.convertingErr
}

// WaitForConversions polls every task until all complete. It returns on the
// first task that ends in any other terminal state.
func (p *Poller) WaitForConversions(ctx context.Context, taskIDs []string) (map[string]*cloud.ConversionStatus, error) {
	results := make(map[string]*cloud.ConversionStatus, len(taskIDs))
	pending := append([]string(nil), taskIDs...)
	heartbeat := rate.Sometimes{Interval: p.cfg.Heartbeat}

	for {
		if err := p.checkpoint(ctx); err != nil {
			return results, err
		}
		var still, progress []string
		for _, id := range pending {
			st, err := p.provider.DescribeConversionTask(ctx, id)
			if err != nil {
				return results, fmt.Errorf("failed to describe conversion task %s: %w", id, err)
			}
			switch st.State {
			case cloud.ConversionCompleted:
				p.log.Successf("✓ Conversion task %s completed", id)
				results[id] = st
				continue
			case cloud.ConversionDeleted, cloud.ConversionCancelled:
				return results, fmt.Errorf("conversion task %s was %s by the provider: %w", id, st.State, job.ErrCancelled)
			case cloud.ConversionFailed:
				return results, fmt.Errorf("conversion task %s failed: %s", id, st.StatusMessage)
			}
			if st.BytesConverted > 0 {
				if err := p.markConverting(ctx); err != nil {
					return results, err
				}
			}
			still = append(still, id)
			progress = append(progress, describeProgress(id, st))
		}
		if len(still) == 0 {
			return results, nil
		}
		heartbeat.Do(func() {
			p.log.Infof("Waiting for %d conversion task(s): %s", len(still), strings.Join(progress, "; "))
		})
		pending = still
		if err := p.sleep(ctx, p.cfg.ConversionInterval); err != nil {
			return results, err
		}
	}
}

// WaitForState polls fetch until it reports one of want. A state listed in
// fail ends the wait with an error.
func (p *Poller) WaitForState(ctx context.Context, what string, fetch func(ctx context.Context) (string, error), want []string, fail []string) (string, error) {
	heartbeat := rate.Sometimes{Interval: p.cfg.Heartbeat}
	for {
		if err := p.checkpoint(ctx); err != nil {
			return "", err
		}
		state, err := fetch(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to get state of %s: %w", what, err)
		}
		if contains(want, state) {
			return state, nil
		}
		if contains(fail, state) {
			return state, fmt.Errorf("%s entered state %s", what, state)
		}
		heartbeat.Do(func() {
			p.log.Infof("Waiting for %s: current state %s", what, state)
		})
		if err := p.sleep(ctx, p.cfg.StateInterval); err != nil {
			return "", err
		}
	}
}

// WaitForInstance waits until the instance reaches one of the wanted states.
func (p *Poller) WaitForInstance(ctx context.Context, instanceID string, want ...string) (string, error) {
	fail := []string{cloud.StateTerminated, cloud.StateFailed}
	if contains(want, cloud.StateTerminated) {
		fail = []string{cloud.StateFailed}
	}
	return p.WaitForState(ctx, "instance "+instanceID, func(ctx context.Context) (string, error) {
		return p.provider.GetInstanceState(ctx, instanceID)
	}, want, fail)
}

// WaitForImage waits until the image is available.
func (p *Poller) WaitForImage(ctx context.Context, imageID string) error {
	_, err := p.WaitForState(ctx, "image "+imageID, func(ctx context.Context) (string, error) {
		return p.provider.GetImageState(ctx, imageID)
	}, []string{cloud.StateAvailable}, []string{cloud.StateFailed, "deregistered", "invalid", "error"})
	return err
}

// WaitForVolume waits until the volume reaches the wanted state.
func (p *Poller) WaitForVolume(ctx context.Context, volumeID, want string) error {
	_, err := p.WaitForState(ctx, "volume "+volumeID, func(ctx context.Context) (string, error) {
		return p.provider.GetVolumeState(ctx, volumeID)
	}, []string{want}, []string{"error", cloud.StateFailed})
	return err
}

// WaitForStatusChecks waits until the provider reports the instance healthy.
func (p *Poller) WaitForStatusChecks(ctx context.Context, instanceID string) error {
	_, err := p.WaitForState(ctx, "status checks of "+instanceID, func(ctx context.Context) (string, error) {
		ok, err := p.provider.IsStatusCheckPassed(ctx, instanceID)
		if err != nil || !ok {
			return "initializing", err
		}
		return "ok", nil
	}, []string{"ok"}, nil)
	return err
}

func describeProgress(id string, st *cloud.ConversionStatus) string {
	s := fmt.Sprintf("%s %s, %d bytes converted", id, st.State, st.BytesConverted)
	if st.StatusMessage != "" {
		s += " (" + st.StatusMessage + ")"
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
