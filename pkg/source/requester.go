package source

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/threadrelay/pkg/relay"
)

// DefaultRequestTimeout bounds a request when the caller's context has no
// deadline. It covers tab creation, page load and the automation itself.
const DefaultRequestTimeout = 2 * time.Minute

// Requester sends summaries to the orchestrator.
type Requester struct {
	relay   relay.Relay
	timeout time.Duration
}

// NewRequester creates a requester on r. A zero timeout uses
// DefaultRequestTimeout.
func NewRequester(r relay.Relay, timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Requester{relay: r, timeout: timeout}
}

// Relay asks the orchestrator to open the destination and submit summary,
// and returns the automation's result.
func (q *Requester) Relay(ctx context.Context, summary string) (relay.Result, error) {
	if summary == "" {
		return relay.Result{}, fmt.Errorf("summary is empty")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	msg := relay.NewMessage(relay.ActionOpenDestination, summary)
	debugLog.Printf("Sending %s request %s (%d characters)", msg.Action, msg.ID, len(summary))

	res, err := q.relay.Request(ctx, relay.SubjectBackground, msg)
	if err != nil {
		return relay.Result{}, fmt.Errorf("request %s: %w", msg.ID, err)
	}
	debugLog.Printf("Request %s finished: %s", msg.ID, res.Status)
	return res, nil
}
