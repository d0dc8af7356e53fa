package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/threadrelay/pkg/page"
	"github.com/entrhq/threadrelay/pkg/page/pagetest"
	"github.com/entrhq/threadrelay/pkg/relay"
	"github.com/entrhq/threadrelay/pkg/wait"
)

func testConfig() Config {
	return Config{
		LocateTimeout:     200 * time.Millisecond,
		SubmitDelay:       5 * time.Millisecond,
		ObserveDelay:      5 * time.Millisecond,
		CompletionTimeout: 500 * time.Millisecond,
	}
}

var (
	inputSel  = page.ByID(DefaultInputID)
	submitSel = page.Selector(DefaultSubmitSelector)
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestRun_InputPresent(t *testing.T) {
	doc := pagetest.NewDocument()
	input := doc.Add(inputSel)

	a := New(doc, testConfig())
	defer a.Close()

	res := a.Run(context.Background(), "Hello")
	require.True(t, res.OK(), res.Reason)
	a.Wait()

	assert.Equal(t, "Hello", input.Content())
	assert.Equal(t, len("Hello"), input.Caret())
	assert.True(t, input.Focused())
	assert.Equal(t, 1, input.CountEvents(page.EventInput))
	assert.Equal(t, 0, doc.ObserversCreated(), "direct lookup must not install an observer")

	events := input.Events()
	require.Len(t, events, 4)
	assert.Equal(t, page.EventInput, events[0].Type)
	assert.Equal(t, []page.EventType{page.EventKeyDown, page.EventKeyPress, page.EventKeyUp},
		[]page.EventType{events[1].Type, events[2].Type, events[3].Type})
	for _, ev := range events[1:] {
		assert.Equal(t, "Enter", ev.Key)
		assert.Equal(t, "Enter", ev.Code)
		assert.Equal(t, 13, ev.KeyCode)
		assert.True(t, ev.Bubbles)
		assert.True(t, ev.Cancelable)
	}
}

func TestRun_ReplacesExistingContent(t *testing.T) {
	doc := pagetest.NewDocument()
	input := doc.Add(inputSel)
	input.SetContent("draft from earlier")

	a := New(doc, testConfig())
	defer a.Close()

	res := a.Run(context.Background(), "summary")
	require.True(t, res.OK())
	assert.Equal(t, "summary", input.Content())
	assert.Equal(t, len("summary"), input.Caret())
}

func TestRun_InputRendersLater(t *testing.T) {
	doc := pagetest.NewDocument()
	a := New(doc, testConfig())
	defer a.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		doc.Add(inputSel)
	}()

	res := a.Run(context.Background(), "Hello")
	require.True(t, res.OK(), res.Reason)
	a.Wait()
	assert.Equal(t, 1, doc.ObserversCreated())
	assert.Equal(t, 0, doc.ActiveObservers())
}

func TestRun_InputNeverRenders(t *testing.T) {
	doc := pagetest.NewDocument()
	a := New(doc, testConfig())
	defer a.Close()

	before := testutil.ToFloat64(metricRuns.WithLabelValues("not_found"))

	res := a.Run(context.Background(), "Hello")
	assert.Equal(t, relay.Failure(ReasonInputNotFound), res)
	assert.Equal(t, 0, doc.ActiveObservers(), "no observer may survive the timeout")
	assert.Equal(t, before+1, testutil.ToFloat64(metricRuns.WithLabelValues("not_found")))
}

func TestRun_SecondAttemptWhileWaitingIsRejected(t *testing.T) {
	doc := pagetest.NewDocument()
	guard := wait.NewGuard()
	a := New(doc, testConfig(), WithGuard(guard))
	defer a.Close()

	first := make(chan relay.Result, 1)
	go func() { first <- a.Run(context.Background(), "first") }()
	require.Eventually(t, func() bool {
		return guard.Active(inputWaitKey) && doc.ActiveObservers() == 1
	}, time.Second, time.Millisecond)

	res := a.Run(context.Background(), "second")
	assert.Equal(t, relay.Failure(ReasonBusy), res)
	assert.Equal(t, 1, doc.ObserversCreated())

	input := doc.Add(inputSel)
	assert.True(t, (<-first).OK())
	assert.Equal(t, "first", input.Content())
}

func TestRun_ConcurrentAttemptsSubmitTheirOwnContent(t *testing.T) {
	doc := pagetest.NewDocument()
	input := doc.Add(inputSel)

	var mu sync.Mutex
	var submitted []string
	input.OnEvent(func(el *pagetest.Element, ev page.Event) {
		if ev.Type == page.EventKeyDown {
			mu.Lock()
			submitted = append(submitted, el.Content())
			mu.Unlock()
		}
	})

	cfg := testConfig()
	cfg.SubmitDelay = 30 * time.Millisecond
	a := New(doc, cfg)
	defer a.Close()

	results := make([]relay.Result, 2)
	var wg sync.WaitGroup
	for i, content := range []string{"A", "B"} {
		wg.Add(1)
		go func(i int, content string) {
			defer wg.Done()
			results[i] = a.Run(context.Background(), content)
		}(i, content)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()
	a.Wait()

	for _, res := range results {
		assert.True(t, res.OK(), res.Reason)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, submitted, "each key sequence submits the content its attempt inserted")
	assert.Equal(t, 2, input.CountEvents(page.EventInput))
}

func TestRun_ScrollsWhenSubmitControlDisables(t *testing.T) {
	doc := pagetest.NewDocument()
	doc.Add(inputSel)
	button := doc.Add(submitSel)

	a := New(doc, testConfig())
	defer a.Close()

	res := a.Run(context.Background(), "Hello")
	require.True(t, res.OK())

	require.Eventually(t, func() bool { return doc.ActiveObservers() == 1 }, time.Second, time.Millisecond)
	button.SetAttribute("aria-label", "Send")
	button.SetAttribute("disabled", "")
	a.Wait()

	assert.Equal(t, 1, doc.Scrolls())
	assert.Equal(t, 0, doc.ActiveObservers(), "observer is one-shot")
}

func TestRun_SubmitControlMissingIsNotFatal(t *testing.T) {
	doc := pagetest.NewDocument()
	input := doc.Add(inputSel)

	a := New(doc, testConfig())
	defer a.Close()

	res := a.Run(context.Background(), "Hello")
	assert.True(t, res.OK())
	a.Wait()
	assert.Equal(t, 0, doc.Scrolls())
	assert.Equal(t, 3, input.CountEvents(page.EventKeyDown)+input.CountEvents(page.EventKeyPress)+input.CountEvents(page.EventKeyUp))
}

func TestRun_CompletionObservationTimesOut(t *testing.T) {
	doc := pagetest.NewDocument()
	doc.Add(inputSel)
	doc.Add(submitSel)

	cfg := testConfig()
	cfg.CompletionTimeout = 20 * time.Millisecond
	a := New(doc, cfg)
	defer a.Close()

	require.True(t, a.Run(context.Background(), "Hello").OK())
	a.Wait()
	assert.Equal(t, 0, doc.Scrolls())
	assert.Equal(t, 0, doc.ActiveObservers())
}

func TestRun_PageOperationFailure(t *testing.T) {
	doc := pagetest.NewDocument()
	input := doc.Add(inputSel)
	input.FailWith(errors.New("element is not focusable"))

	a := New(doc, testConfig())
	defer a.Close()

	res := a.Run(context.Background(), "Hello")
	assert.Equal(t, relay.StatusFailure, res.Status)
	assert.Contains(t, res.Reason, "inserting: focus failed")
}

func TestRun_StateTransitions(t *testing.T) {
	doc := pagetest.NewDocument()
	doc.Add(inputSel)

	rec := &stateRecorder{}
	a := New(doc, testConfig(), WithStateHook(rec.record))
	defer a.Close()

	require.True(t, a.Run(context.Background(), "Hello").OK())
	a.Wait()

	assert.Equal(t, []State{
		StateLocatingInput,
		StateInserting,
		StateSubmitting,
		StateObservingCompletion,
		StateDone,
	}, rec.get())
}

func TestRun_FailureStateTransitions(t *testing.T) {
	doc := pagetest.NewDocument()
	rec := &stateRecorder{}
	cfg := testConfig()
	cfg.LocateTimeout = 10 * time.Millisecond
	a := New(doc, cfg, WithStateHook(rec.record))
	defer a.Close()

	assert.False(t, a.Run(context.Background(), "Hello").OK())
	assert.Equal(t, []State{StateLocatingInput, StateDone}, rec.get())
}

func TestDefaultConfig(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, page.Selector("#prompt-textarea"), cfg.InputSelector)
	assert.Equal(t, page.Selector(`button[data-testid="send-button"]`), cfg.SubmitSelector)
	assert.Equal(t, 10*time.Second, cfg.LocateTimeout)
	assert.Equal(t, 700*time.Millisecond, cfg.SubmitDelay)
	assert.Equal(t, 3000*time.Millisecond, cfg.ObserveDelay)
	assert.Equal(t, page.Enter, cfg.SubmitKey)
	assert.NoError(t, cfg.Validate())

	cfg.SubmitDelay = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "locating_input", StateLocatingInput.String())
	assert.Equal(t, "observing_completion", StateObservingCompletion.String())
	assert.Equal(t, "state(42)", State(42).String())
}
