// Package automation drives the destination page's input surface: it finds
// the input (waiting for it to render if needed), replaces its content the way
// the page's own framework will notice, submits it with a synthetic key
// sequence and follows the submission to scroll the conversation into view.
package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/entrhq/threadrelay/pkg/logging"
	"github.com/entrhq/threadrelay/pkg/page"
	"github.com/entrhq/threadrelay/pkg/relay"
	"github.com/entrhq/threadrelay/pkg/wait"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("automation")
	if err != nil {
		debugLog.Warnf("Failed to initialize automation logger, using stderr fallback: %v", err)
	}
}

// inputWaitKey is the guard key for the input surface wait.
const inputWaitKey = "input-surface"

const attrDisabled = "disabled"

// Automator runs the automation state machine against one document.
type Automator struct {
	doc   page.Document
	cfg   Config
	guard *wait.Guard
	hook  func(State)

	// submitMu is held from Inserting to the end of Submitting so the key
	// sequence always submits the content this attempt inserted.
	submitMu sync.Mutex

	// domMu makes each DOM-mutating step atomic with respect to the
	// completion scroll.
	domMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Automator.
type Option func(*Automator)

// WithStateHook registers fn to observe every state transition.
func WithStateHook(fn func(State)) Option {
	return func(a *Automator) {
		a.hook = fn
	}
}

// WithGuard shares a wait guard between automators targeting the same page.
func WithGuard(g *wait.Guard) Option {
	return func(a *Automator) {
		a.guard = g
	}
}

// New creates an automator for doc.
func New(doc page.Document, cfg Config, opts ...Option) *Automator {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Automator{
		doc:    doc,
		cfg:    cfg.withDefaults(),
		guard:  wait.NewGuard(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run inserts content into the input surface and submits it. It returns as
// soon as the outcome is decided: failure when the input surface cannot be
// located or driven, success once the submit key sequence has been
// dispatched. Completion observation continues in the background; Close
// waits for it.
func (a *Automator) Run(ctx context.Context, content string) relay.Result {
	a.transition(StateLocatingInput)
	input, err := a.locateInput(ctx)
	if err != nil {
		switch {
		case errors.Is(err, wait.ErrTimeout):
			debugLog.Errorf("Input surface %s not found within %s", a.cfg.InputSelector, a.cfg.LocateTimeout)
			return a.fail("not_found", ReasonInputNotFound)
		case errors.Is(err, wait.ErrAlreadyWaiting):
			return a.fail("busy", ReasonBusy)
		default:
			debugLog.Errorf("Locating input surface failed: %v", err)
			return a.fail("error", err.Error())
		}
	}

	if res, ok := a.insertAndSubmit(ctx, input, content); !ok {
		return res
	}

	a.transition(StateObservingCompletion)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.observeCompletion()
		a.transition(StateDone)
	}()

	recordRun("success")
	return relay.Success()
}

// Close stops any background completion observation and waits for it.
func (a *Automator) Close() {
	a.cancel()
	a.wg.Wait()
}

// Wait blocks until background completion observation has finished.
func (a *Automator) Wait() {
	a.wg.Wait()
}

func (a *Automator) fail(outcome, reason string) relay.Result {
	recordRun(outcome)
	a.transition(StateDone)
	return relay.Failure(reason)
}

func (a *Automator) transition(s State) {
	debugLog.Debugf("State -> %s", s)
	if a.hook != nil {
		a.hook(s)
	}
}

// locateInput looks the input surface up directly and falls back to waiting
// for it to be rendered.
func (a *Automator) locateInput(ctx context.Context) (page.Element, error) {
	return wait.For(ctx, a.guard, wait.Options{
		Key:     inputWaitKey,
		Timeout: a.cfg.LocateTimeout,
		Observe: func(ctx context.Context) (page.Observer, error) {
			return a.doc.Observe(ctx, page.Body, page.ObserveOptions{ChildList: true, Subtree: true})
		},
	}, func(ctx context.Context) (page.Element, bool, error) {
		el, err := a.doc.Query(ctx, a.cfg.InputSelector)
		if err != nil {
			return nil, false, err
		}
		return el, el != nil, nil
	})
}

// insertAndSubmit runs Inserting and Submitting as one unit. A concurrent
// attempt on the same document waits until this one has dispatched its keys.
func (a *Automator) insertAndSubmit(ctx context.Context, input page.Element, content string) (relay.Result, bool) {
	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	a.transition(StateInserting)
	if err := a.insert(ctx, input, content); err != nil {
		debugLog.Errorf("Inserting content failed: %v", err)
		return a.fail("error", err.Error()), false
	}

	a.transition(StateSubmitting)
	if err := sleep(ctx, a.cfg.SubmitDelay); err != nil {
		return a.fail("error", (&StepError{State: StateSubmitting, Op: "delay", Err: err}).Error()), false
	}
	if err := a.submit(ctx, input); err != nil {
		debugLog.Errorf("Submitting failed: %v", err)
		return a.fail("error", err.Error()), false
	}
	return relay.Result{}, true
}

// insert focuses the input, replaces its content through the selection and
// tells the page's framework about the change.
func (a *Automator) insert(ctx context.Context, input page.Element, content string) error {
	a.domMu.Lock()
	defer a.domMu.Unlock()

	if err := input.Focus(ctx); err != nil {
		return &StepError{State: StateInserting, Op: "focus", Err: err}
	}
	if err := input.ReplaceContent(ctx, content); err != nil {
		return &StepError{State: StateInserting, Op: "replace content", Err: err}
	}
	if err := input.Dispatch(ctx, page.InputEvent()); err != nil {
		return &StepError{State: StateInserting, Op: "dispatch input event", Err: err}
	}
	debugLog.Printf("Inserted %d characters into input surface", len(content))
	return nil
}

func (a *Automator) submit(ctx context.Context, input page.Element) error {
	a.domMu.Lock()
	defer a.domMu.Unlock()

	for _, ev := range page.KeyPressSequence(a.cfg.SubmitKey) {
		if err := input.Dispatch(ctx, ev); err != nil {
			return &StepError{State: StateSubmitting, Op: "dispatch " + string(ev.Type), Err: err}
		}
		debugLog.Debugf("%s %s dispatched", a.cfg.SubmitKey.Key, ev.Type)
	}
	return nil
}

// observeCompletion waits for the submit control to become disabled, which
// means the destination accepted the submission, and then scrolls to the end
// of the page once. A missing control only skips the scroll.
func (a *Automator) observeCompletion() {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.ObserveDelay+a.cfg.CompletionTimeout)
	defer cancel()

	if err := sleep(ctx, a.cfg.ObserveDelay); err != nil {
		return
	}

	button, err := a.doc.Query(ctx, a.cfg.SubmitSelector)
	if err != nil {
		debugLog.Warnf("Submit control lookup failed: %v", err)
		recordCompletion("error")
		return
	}
	if button == nil {
		debugLog.Warnf("Submit control %s not found, skipping scroll", a.cfg.SubmitSelector)
		recordCompletion("control_missing")
		return
	}

	obs, err := button.Observe(ctx, page.ObserveOptions{Attributes: true})
	if err != nil {
		debugLog.Warnf("Observing submit control failed: %v", err)
		recordCompletion("error")
		return
	}
	defer obs.Disconnect()
	debugLog.Printf("Started observing submit control for %s attribute", attrDisabled)

	changes := obs.Changes()
	for {
		select {
		case c, open := <-changes:
			if !open {
				return
			}
			if c.Kind != page.ChangeAttributes || c.Attribute != attrDisabled {
				continue
			}
			disabled, err := button.HasAttribute(ctx, attrDisabled)
			if err != nil {
				debugLog.Warnf("Reading submit control state failed: %v", err)
				recordCompletion("error")
				return
			}
			if !disabled {
				continue
			}
			debugLog.Printf("Submit control disabled, scrolling to bottom")
			a.domMu.Lock()
			err = a.doc.ScrollToBottom(ctx)
			a.domMu.Unlock()
			if err != nil {
				debugLog.Warnf("Scroll to bottom failed: %v", err)
				recordCompletion("error")
				return
			}
			recordCompletion("scrolled")
			return
		case <-ctx.Done():
			debugLog.Warnf("Stopped observing submit control: %v", ctx.Err())
			recordCompletion("timeout")
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
