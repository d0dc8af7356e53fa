package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/threadrelay/pkg/relay"
)

// stuckPlatform opens tabs that never finish loading.
type stuckPlatform struct {
	statusErr error
}

func (p *stuckPlatform) CreateTab(ctx context.Context, url string) (Tab, error) {
	return Tab{ID: "1", URL: url, Status: StatusLoading}, nil
}

func (p *stuckPlatform) Tabs(ctx context.Context) ([]Tab, error) { return nil, nil }

func (p *stuckPlatform) SubscribeTabUpdates(fn func(TabUpdate)) func() { return func() {} }

func (p *stuckPlatform) TabStatus(ctx context.Context, id TabID) (TabStatus, error) {
	if p.statusErr != nil {
		return "", p.statusErr
	}
	return StatusLoading, nil
}

func (p *stuckPlatform) InjectScript(ctx context.Context, id TabID, script string) error {
	return errors.New("unexpected injection")
}

func newStuckOrchestrator(t *testing.T, p Platform, loadTimeout time.Duration) *Orchestrator {
	t.Helper()
	r := relay.NewMemoryRelay()
	t.Cleanup(func() { _ = r.Close() })

	o, err := New(p, r, Config{Script: "content/automation", LoadTimeout: loadTimeout})
	require.NoError(t, err)
	return o
}

func TestLoadOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("tab 1: %w within 1s", ErrLoadTimeout), "load_timeout"},
		{context.Canceled, "canceled"},
		{fmt.Errorf("wait: %w", context.DeadlineExceeded), "canceled"},
		{errors.New("no tab with id: 1"), "status_error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, loadOutcome(tt.err))
		})
	}
}

func TestOpenAndAutomate_LoadFailureOutcomes(t *testing.T) {
	t.Run("status error", func(t *testing.T) {
		before := testutil.ToFloat64(metricRequests.WithLabelValues("status_error"))
		o := newStuckOrchestrator(t, &stuckPlatform{statusErr: errors.New("tab vanished")}, time.Second)

		res := o.OpenAndAutomate(context.Background(), "Hello")
		assert.False(t, res.OK())
		assert.Contains(t, res.Reason, "tab vanished")
		assert.Equal(t, before+1, testutil.ToFloat64(metricRequests.WithLabelValues("status_error")))
	})

	t.Run("canceled", func(t *testing.T) {
		before := testutil.ToFloat64(metricRequests.WithLabelValues("canceled"))
		timeouts := testutil.ToFloat64(metricRequests.WithLabelValues("load_timeout"))
		o := newStuckOrchestrator(t, &stuckPlatform{}, time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		res := o.OpenAndAutomate(ctx, "Hello")
		assert.False(t, res.OK())
		assert.Equal(t, before+1, testutil.ToFloat64(metricRequests.WithLabelValues("canceled")))
		assert.Equal(t, timeouts, testutil.ToFloat64(metricRequests.WithLabelValues("load_timeout")))
	})

	t.Run("timeout", func(t *testing.T) {
		before := testutil.ToFloat64(metricRequests.WithLabelValues("load_timeout"))
		o := newStuckOrchestrator(t, &stuckPlatform{}, 10*time.Millisecond)

		res := o.OpenAndAutomate(context.Background(), "Hello")
		assert.Contains(t, res.Reason, ErrLoadTimeout.Error())
		assert.Equal(t, before+1, testutil.ToFloat64(metricRequests.WithLabelValues("load_timeout")))
	})
}
