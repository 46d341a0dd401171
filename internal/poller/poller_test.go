package poller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/cloud/cloudtest"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

func testConfig() Config {
	return Config{ConversionInterval: time.Millisecond, StateInterval: time.Millisecond, Heartbeat: time.Hour}
}

func quietLogger() *logger.Logger {
	return logger.NewWithWriter(false, io.Discard)
}

func TestWaitForConversionsCompletes(t *testing.T) {
	f := cloudtest.NewFake()
	f.Conversions["t-1"] = []cloud.ConversionStatus{
		{State: cloud.ConversionActive},
		{State: cloud.ConversionActive, BytesConverted: 10},
		{State: cloud.ConversionActive, BytesConverted: 20},
		{State: cloud.ConversionCompleted, VolumeID: "vol-1"},
	}
	f.Conversions["t-2"] = []cloud.ConversionStatus{
		{State: cloud.ConversionActive, BytesConverted: 5},
		{State: cloud.ConversionCompleted, VolumeID: "vol-2", InstanceID: "i-1"},
	}

	var converting int32
	p := New(f, testConfig(), quietLogger(), nil, func(ctx context.Context) error {
		atomic.AddInt32(&converting, 1)
		return nil
	})

	res, err := p.WaitForConversions(context.Background(), []string{"t-1", "t-2"})
	require.NoError(t, err)
	assert.Equal(t, "vol-1", res["t-1"].VolumeID)
	assert.Equal(t, "i-1", res["t-2"].InstanceID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&converting), "CONVERTING must be emitted once per job")
}

func TestConversionHeartbeatCoversEveryPendingTask(t *testing.T) {
	f := cloudtest.NewFake()
	f.Conversions["t-1"] = []cloud.ConversionStatus{
		{State: cloud.ConversionActive, BytesConverted: 10, StatusMessage: "Progress: 12%"},
		{State: cloud.ConversionCompleted, VolumeID: "vol-1"},
	}
	f.Conversions["t-2"] = []cloud.ConversionStatus{
		{State: cloud.ConversionActive, BytesConverted: 40},
		{State: cloud.ConversionCompleted, VolumeID: "vol-2"},
	}

	var buf bytes.Buffer
	p := New(f, testConfig(), logger.NewWithWriter(false, &buf), nil, nil)
	_, err := p.WaitForConversions(context.Background(), []string{"t-1", "t-2"})
	require.NoError(t, err)

	var summary string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "Waiting for 2 conversion task(s)") {
			summary = line
		}
	}
	require.NotEmpty(t, summary, buf.String())
	assert.Contains(t, summary, "t-1 active, 10 bytes converted (Progress: 12%)")
	assert.Contains(t, summary, "t-2 active, 40 bytes converted")
}

func TestWaitForConversionsTerminalStates(t *testing.T) {
	tests := []struct {
		name      string
		status    cloud.ConversionStatus
		cancelled bool
		message   string
	}{
		{"deleted", cloud.ConversionStatus{State: cloud.ConversionDeleted}, true, ""},
		{"cancelled", cloud.ConversionStatus{State: cloud.ConversionCancelled}, true, ""},
		{"failed", cloud.ConversionStatus{State: cloud.ConversionFailed, StatusMessage: "ClientError: unsupported kernel"}, false, "unsupported kernel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := cloudtest.NewFake()
			f.Conversions["t-1"] = []cloud.ConversionStatus{{State: cloud.ConversionActive}, tt.status}
			p := New(f, testConfig(), quietLogger(), nil, nil)

			_, err := p.WaitForConversions(context.Background(), []string{"t-1"})
			require.Error(t, err)
			assert.Equal(t, tt.cancelled, job.IsCancelled(err))
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestWaitForConversionsDescribeError(t *testing.T) {
	f := cloudtest.NewFake()
	f.DescribeErr = errors.New("throttled")
	p := New(f, testConfig(), quietLogger(), nil, nil)

	_, err := p.WaitForConversions(context.Background(), []string{"t-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestCancellationInterruptsSleep(t *testing.T) {
	f := cloudtest.NewFake()
	f.Conversions["t-1"] = []cloud.ConversionStatus{{State: cloud.ConversionActive}}
	cancel := make(chan struct{})
	cfg := testConfig()
	cfg.ConversionInterval = time.Hour
	p := New(f, cfg, quietLogger(), cancel, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(cancel)
	}()

	start := time.Now()
	_, err := p.WaitForConversions(context.Background(), []string{"t-1"})
	require.Error(t, err)
	assert.True(t, job.IsCancelled(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestIgnoreCancellation(t *testing.T) {
	f := cloudtest.NewFake()
	f.InstanceStates["i-1"] = []string{cloud.StatePending, cloud.StatePending, cloud.StateRunning}
	cancel := make(chan struct{})
	close(cancel)
	p := New(f, testConfig(), quietLogger(), cancel, nil)

	_, err := p.WaitForInstance(context.Background(), "i-1", cloud.StateRunning)
	require.True(t, job.IsCancelled(err))

	p.IgnoreCancellation()
	state, err := p.WaitForInstance(context.Background(), "i-1", cloud.StateRunning)
	require.NoError(t, err)
	assert.Equal(t, cloud.StateRunning, state)
}

func TestWaitForInstanceFailsOnTermination(t *testing.T) {
	f := cloudtest.NewFake()
	f.InstanceStates["i-1"] = []string{cloud.StatePending, cloud.StateTerminated}
	p := New(f, testConfig(), quietLogger(), nil, nil)

	_, err := p.WaitForInstance(context.Background(), "i-1", cloud.StateRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminated")

	f.InstanceStates["i-2"] = []string{"shutting-down", cloud.StateTerminated}
	state, err := p.WaitForInstance(context.Background(), "i-2", cloud.StateTerminated)
	require.NoError(t, err)
	assert.Equal(t, cloud.StateTerminated, state)
}

func TestWaitForImage(t *testing.T) {
	f := cloudtest.NewFake()
	f.ImageStates = []string{cloud.StatePending, cloud.StatePending, cloud.StateAvailable}
	p := New(f, testConfig(), quietLogger(), nil, nil)
	require.NoError(t, p.WaitForImage(context.Background(), "ami-1"))

	f.ImageStates = []string{cloud.StatePending, cloud.StateFailed}
	assert.Error(t, p.WaitForImage(context.Background(), "ami-2"))
}

func TestWaitForStatusChecks(t *testing.T) {
	f := cloudtest.NewFake()
	f.StatusChecks = 3
	p := New(f, testConfig(), quietLogger(), nil, nil)
	require.NoError(t, p.WaitForStatusChecks(context.Background(), "i-1"))
	assert.Equal(t, 4, f.Count("IsStatusCheckPassed"))
}

func TestContextCancellation(t *testing.T) {
	f := cloudtest.NewFake()
	f.InstanceStates["i-1"] = []string{cloud.StatePending}
	p := New(f, testConfig(), quietLogger(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.WaitForInstance(ctx, "i-1", cloud.StateRunning)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
