// Package wait implements the element wait primitive: observe a scope until a
// probe succeeds or a deadline passes, with at most one wait per target.
package wait

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/threadrelay/pkg/logging"
	"github.com/entrhq/threadrelay/pkg/page"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("wait")
	if err != nil {
		debugLog.Warnf("Failed to initialize wait logger, using stderr fallback: %v", err)
	}
}

var (
	// ErrTimeout is returned when the probe never succeeded within the timeout.
	ErrTimeout = errors.New("wait timed out")

	// ErrAlreadyWaiting is returned when a wait for the same key is in flight.
	ErrAlreadyWaiting = errors.New("already waiting")
)

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Session is one in-flight wait for a target.
type Session struct {
	Key      string
	Started  time.Time
	Deadline time.Time
}

// Guard records active wait sessions. It allows at most one session per key.
// The zero value is ready to use.
type Guard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewGuard returns an empty guard.
func NewGuard() *Guard {
	return &Guard{}
}

// acquire registers a session for key, or reports false if one is active.
func (g *Guard) acquire(key string, timeout time.Duration) (*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions == nil {
		g.sessions = make(map[string]*Session)
	}
	if _, busy := g.sessions[key]; busy {
		return nil, false
	}
	now := time.Now()
	s := &Session{Key: key, Started: now, Deadline: now.Add(timeout)}
	g.sessions[key] = s
	return s, true
}

func (g *Guard) release(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions[s.Key] == s {
		delete(g.sessions, s.Key)
	}
}

// Active reports whether a session for key is in flight.
func (g *Guard) Active(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[key]
	return ok
}

// Len returns the number of sessions in flight.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Options configures one wait.
type Options struct {
	// Key identifies the logical target; one wait per key at a time.
	Key string

	// Timeout bounds the wait. Zero means DefaultTimeout.
	Timeout time.Duration

	// Observe installs the change observer that wakes the probe.
	Observe func(ctx context.Context) (page.Observer, error)
}

// Probe checks whether the awaited condition holds.
type Probe[T any] func(ctx context.Context) (T, bool, error)

// For returns the probe's value as soon as it reports true.
//
// The probe runs once before anything else; when it succeeds no session is
// created and no observer is installed. Otherwise For claims the guard for
// opts.Key, installs the observer and re-runs the probe on every
// notification until it succeeds, the timeout fires or ctx ends. The
// observer is always disconnected and the session released before For
// returns.
func For[T any](ctx context.Context, g *Guard, opts Options, probe Probe[T]) (T, error) {
	var zero T

	if v, ok, err := probe(ctx); err != nil {
		return zero, err
	} else if ok {
		return v, nil
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Observe == nil {
		return zero, fmt.Errorf("wait %s: no observer", opts.Key)
	}

	session, ok := g.acquire(opts.Key, opts.Timeout)
	if !ok {
		debugLog.Printf("Already waiting for %s, ignoring second request", opts.Key)
		return zero, ErrAlreadyWaiting
	}
	defer g.release(session)

	ctx, cancel := context.WithDeadline(ctx, session.Deadline)
	defer cancel()

	obs, err := opts.Observe(ctx)
	if err != nil {
		return zero, fmt.Errorf("observe for %s: %w", opts.Key, err)
	}
	defer obs.Disconnect()

	debugLog.Debugf("Waiting up to %s for %s", opts.Timeout, opts.Key)

	// The target may have appeared between the first probe and the observer
	// being connected.
	if v, ok, err := probe(ctx); err != nil {
		return zero, err
	} else if ok {
		return v, nil
	}

	changes := obs.Changes()
	for {
		select {
		case _, open := <-changes:
			if !open {
				return zero, fmt.Errorf("observer for %s disconnected", opts.Key)
			}
			v, ok, err := probe(ctx)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return zero, timeoutOr(ctxErr, opts.Key)
				}
				return zero, err
			}
			if ok {
				debugLog.Debugf("Found %s after %s", opts.Key, time.Since(session.Started).Round(time.Millisecond))
				return v, nil
			}
		case <-ctx.Done():
			return zero, timeoutOr(ctx.Err(), opts.Key)
		}
	}
}

func timeoutOr(err error, key string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		debugLog.Warnf("%s not found within timeout", key)
		return ErrTimeout
	}
	return err
}
