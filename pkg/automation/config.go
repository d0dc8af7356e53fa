package automation

import (
	"fmt"
	"time"

	"github.com/entrhq/threadrelay/pkg/page"
)

// Default values for the destination page automation. The delays are
// empirical: they give the destination's framework time to register the new
// content before the submit keys, and time for submission to start before
// the submit control is looked up.
const (
	DefaultInputID           = "prompt-textarea"
	DefaultSubmitSelector    = `button[data-testid="send-button"]`
	DefaultLocateTimeout     = 10 * time.Second
	DefaultSubmitDelay       = 700 * time.Millisecond
	DefaultObserveDelay      = 3000 * time.Millisecond
	DefaultCompletionTimeout = 2 * time.Minute
)

// Config tunes the automation state machine.
type Config struct {
	// InputSelector locates the input surface.
	InputSelector page.Selector

	// SubmitSelector locates the control whose disabled state signals that
	// a submission is in progress.
	SubmitSelector page.Selector

	// LocateTimeout bounds the wait for the input surface.
	LocateTimeout time.Duration

	// SubmitDelay separates content insertion from the submit key sequence.
	SubmitDelay time.Duration

	// ObserveDelay separates the submit key sequence from the submit control lookup.
	ObserveDelay time.Duration

	// CompletionTimeout bounds how long the submit control is observed.
	CompletionTimeout time.Duration

	// SubmitKey is the key whose press submits the input surface.
	SubmitKey page.Key
}

// DefaultConfig returns the configuration matching the destination page's
// known structure.
func DefaultConfig() Config {
	return Config{
		InputSelector:     page.ByID(DefaultInputID),
		SubmitSelector:    DefaultSubmitSelector,
		LocateTimeout:     DefaultLocateTimeout,
		SubmitDelay:       DefaultSubmitDelay,
		ObserveDelay:      DefaultObserveDelay,
		CompletionTimeout: DefaultCompletionTimeout,
		SubmitKey:         page.Enter,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InputSelector == "" {
		c.InputSelector = def.InputSelector
	}
	if c.SubmitSelector == "" {
		c.SubmitSelector = def.SubmitSelector
	}
	if c.LocateTimeout == 0 {
		c.LocateTimeout = def.LocateTimeout
	}
	if c.SubmitDelay == 0 {
		c.SubmitDelay = def.SubmitDelay
	}
	if c.ObserveDelay == 0 {
		c.ObserveDelay = def.ObserveDelay
	}
	if c.CompletionTimeout == 0 {
		c.CompletionTimeout = def.CompletionTimeout
	}
	if c.SubmitKey.Key == "" {
		c.SubmitKey = def.SubmitKey
	}
	return c
}

// Validate checks the configuration for values the state machine cannot use.
func (c Config) Validate() error {
	if c.LocateTimeout < 0 {
		return fmt.Errorf("locate_timeout cannot be negative")
	}
	if c.SubmitDelay < 0 || c.ObserveDelay < 0 {
		return fmt.Errorf("submit_delay and observe_delay cannot be negative")
	}
	if c.CompletionTimeout < 0 {
		return fmt.Errorf("completion_timeout cannot be negative")
	}
	return nil
}
