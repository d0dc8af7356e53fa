// Package orchestrator is the privileged side of the pipeline. It accepts
// openDestination requests, opens (or reuses) the destination tab, waits for
// it to load, injects the automation content script and forwards the content
// to it, replying to the requester with the content script's result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/threadrelay/pkg/logging"
	"github.com/entrhq/threadrelay/pkg/relay"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("orchestrator")
	if err != nil {
		debugLog.Warnf("Failed to initialize orchestrator logger, using stderr fallback: %v", err)
	}
}

var (
	// ErrTabUnresolved is returned when the platform reports no tab id.
	ErrTabUnresolved = errors.New("tab id is undefined")

	// ErrLoadTimeout is returned when a tab does not finish loading in time.
	ErrLoadTimeout = errors.New("tab did not finish loading")
)

const (
	DefaultURL          = "https://chat.openai.com/"
	DefaultReusePattern = "https://chat.openai.com/*"
	DefaultLoadTimeout  = 30 * time.Second
	DefaultReplyTimeout = 60 * time.Second
)

// Config controls how the destination tab is resolved.
type Config struct {
	// URL is opened when no reusable tab exists.
	URL string

	// ReuseExisting makes the orchestrator prefer an open tab whose URL
	// matches ReusePattern over opening a new one.
	ReuseExisting bool
	ReusePattern  string

	// LoadTimeout bounds the wait for the tab to finish loading.
	LoadTimeout time.Duration

	// ReplyTimeout bounds the wait for the content script's reply.
	ReplyTimeout time.Duration

	// Script is the content script injected into the tab.
	Script string
}

// DefaultConfig returns a configuration that always opens a new tab at
// DefaultURL.
func DefaultConfig() Config {
	return Config{
		URL:          DefaultURL,
		ReusePattern: DefaultReusePattern,
		LoadTimeout:  DefaultLoadTimeout,
		ReplyTimeout: DefaultReplyTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("destination url is required")
	}
	if c.Script == "" {
		return fmt.Errorf("content script name is required")
	}
	if c.LoadTimeout < 0 || c.ReplyTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if c.ReuseExisting {
		if _, err := glob.Compile(c.ReusePattern); err != nil {
			return fmt.Errorf("invalid reuse pattern %q: %w", c.ReusePattern, err)
		}
	}
	return nil
}

// Orchestrator serves openDestination requests.
type Orchestrator struct {
	platform Platform
	relay    relay.Relay
	cfg      Config
	reuse    glob.Glob

	mu       sync.Mutex
	unlisten func()
	wg       sync.WaitGroup
}

// New creates an orchestrator. Call Listen to start serving requests.
func New(p Platform, r relay.Relay, cfg Config) (*Orchestrator, error) {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ReusePattern == "" {
		cfg.ReusePattern = def.ReusePattern
	}
	if cfg.LoadTimeout == 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	if cfg.ReplyTimeout == 0 {
		cfg.ReplyTimeout = def.ReplyTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	o := &Orchestrator{platform: p, relay: r, cfg: cfg}
	if cfg.ReuseExisting {
		o.reuse = glob.MustCompile(cfg.ReusePattern)
	}
	return o, nil
}

// Listen starts serving requests on the background subject.
func (o *Orchestrator) Listen() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.unlisten != nil {
		return nil
	}
	unlisten, err := o.relay.Listen(relay.SubjectBackground, o.Handle)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", relay.SubjectBackground, err)
	}
	o.unlisten = unlisten
	debugLog.Printf("Orchestrator listening on %s", relay.SubjectBackground)
	return nil
}

// Close stops serving and waits for in-flight requests to reply.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	unlisten := o.unlisten
	o.unlisten = nil
	o.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	o.wg.Wait()
}

// Handle is the relay handler for the background subject. It claims
// well-formed openDestination messages and replies once the pipeline
// finishes; anything else is declined.
func (o *Orchestrator) Handle(ctx context.Context, msg relay.Message, reply *relay.Reply) bool {
	if msg.Action != relay.ActionOpenDestination || msg.Content == "" {
		debugLog.Debugf("Ignoring message %s with action %q", msg.ID, msg.Action)
		recordRequest("ignored")
		return false
	}

	debugLog.Printf("Received %s request %s (%d characters)", msg.Action, msg.ID, len(msg.Content))
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res := o.OpenAndAutomate(ctx, msg.Content)
		if err := reply.Send(res); err != nil {
			debugLog.Warnf("Reply for request %s: %v", msg.ID, err)
		}
	}()
	return true
}

// OpenAndAutomate resolves the destination tab, waits for it to load,
// injects the content script and forwards content to it.
func (o *Orchestrator) OpenAndAutomate(ctx context.Context, content string) relay.Result {
	tab, reused, err := o.resolveTab(ctx)
	if err != nil {
		debugLog.Errorf("Resolving destination tab failed: %v", err)
		recordRequest("platform_error")
		return relay.Failure(err.Error())
	}
	if tab.ID == "" {
		debugLog.Errorf("Platform returned a tab without an id")
		recordRequest("tab_unresolved")
		return relay.Failure(ErrTabUnresolved.Error())
	}
	recordTab(reused)

	if err := o.awaitLoad(ctx, tab.ID); err != nil {
		debugLog.Errorf("Waiting for tab %s failed: %v", tab.ID, err)
		recordRequest(loadOutcome(err))
		return relay.Failure(err.Error())
	}

	if err := o.platform.InjectScript(ctx, tab.ID, o.cfg.Script); err != nil {
		debugLog.Errorf("Script injection failed: %v", err)
		recordRequest("injection_error")
		return relay.Failure(err.Error())
	}
	debugLog.Printf("Injected %s into tab %s", o.cfg.Script, tab.ID)

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.ReplyTimeout)
	defer cancel()

	res, err := o.relay.Request(sendCtx, relay.TabSubject(string(tab.ID)), relay.NewMessage(relay.ActionInsertContent, content))
	if err != nil {
		debugLog.Errorf("Forwarding content to tab %s failed: %v", tab.ID, err)
		recordRequest("forward_error")
		return relay.Failure(err.Error())
	}

	debugLog.Printf("Tab %s replied %s", tab.ID, res.Status)
	if res.OK() {
		recordRequest("success")
	} else {
		recordRequest("failure")
	}
	return res
}

// resolveTab returns a reusable tab when configured and available, otherwise
// a new tab at the destination URL.
func (o *Orchestrator) resolveTab(ctx context.Context) (Tab, bool, error) {
	if o.reuse != nil {
		tabs, err := o.platform.Tabs(ctx)
		if err != nil {
			return Tab{}, false, fmt.Errorf("list tabs: %w", err)
		}
		for _, t := range tabs {
			if t.ID != "" && o.reuse.Match(t.URL) {
				debugLog.Printf("Reusing tab %s at %s", t.ID, t.URL)
				return t, true, nil
			}
		}
	}

	tab, err := o.platform.CreateTab(ctx, o.cfg.URL)
	if err != nil {
		return Tab{}, false, err
	}
	debugLog.Printf("Created tab %s at %s", tab.ID, o.cfg.URL)
	return tab, false, nil
}

// awaitLoad blocks until id reports complete. The watcher is subscribed
// before the current status is read so a load finishing in between is not
// missed, and it is removed as soon as the wait ends.
func (o *Orchestrator) awaitLoad(ctx context.Context, id TabID) error {
	start := time.Now()
	loaded := make(chan struct{})
	var once sync.Once

	unsubscribe := o.platform.SubscribeTabUpdates(func(u TabUpdate) {
		if u.ID == id && u.Status == StatusComplete {
			once.Do(func() { close(loaded) })
		}
	})
	defer unsubscribe()

	status, err := o.platform.TabStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("read status of tab %s: %w", id, err)
	}
	if status == StatusComplete {
		debugLog.Debugf("Tab %s already loaded", id)
		recordLoad(time.Since(start))
		return nil
	}

	timer := time.NewTimer(o.cfg.LoadTimeout)
	defer timer.Stop()

	select {
	case <-loaded:
		debugLog.Printf("Tab %s finished loading", id)
		recordLoad(time.Since(start))
		return nil
	case <-timer.C:
		return fmt.Errorf("tab %s: %w within %s", id, ErrLoadTimeout, o.cfg.LoadTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadOutcome labels a failed load wait.
func loadOutcome(err error) string {
	switch {
	case errors.Is(err, ErrLoadTimeout):
		return "load_timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "status_error"
	}
}
