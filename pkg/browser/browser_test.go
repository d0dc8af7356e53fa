package browser

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/threadrelay/pkg/automation"
	"github.com/entrhq/threadrelay/pkg/orchestrator"
	"github.com/entrhq/threadrelay/pkg/page"
	"github.com/entrhq/threadrelay/pkg/relay"
)

func TestSessionManager_NotInitialized(t *testing.T) {
	manager := NewSessionManager()

	_, err := manager.StartSession("test", SessionOptions{Headless: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")

	_, err = manager.GetSession("missing")
	assert.Error(t, err)
	assert.Error(t, manager.CloseSession("missing"))
	assert.Empty(t, manager.ListSessions())
}

func TestEventArg(t *testing.T) {
	seq := page.KeyPressSequence(page.Enter)
	require.Len(t, seq, 3)

	arg := eventArg(seq[0])
	assert.Equal(t, "keydown", arg["type"])
	assert.Equal(t, "Enter", arg["key"])
	assert.Equal(t, "Enter", arg["code"])
	assert.Equal(t, 13, arg["keyCode"])
	assert.Equal(t, true, arg["bubbles"])
	assert.Equal(t, true, arg["cancelable"])

	assert.Equal(t, "input", eventArg(page.InputEvent())["type"])
}

func TestOnMutation_RoutesToObserver(t *testing.T) {
	s := newSession("test", nil, nil, SessionOptions{})
	o := s.newObserver(&tab{id: "1"})
	other := s.newObserver(&tab{id: "1"})

	s.onMutation(float64(o.id), "attributes", "disabled")
	s.onMutation(o.id, "childList", "")
	s.onMutation("bogus", "childList", "")
	s.onMutation(o.id)

	require.Len(t, o.ch, 2)
	assert.Equal(t, page.Change{Kind: page.ChangeAttributes, Attribute: "disabled"}, <-o.ch)
	assert.Equal(t, page.Change{Kind: page.ChangeChildList}, <-o.ch)
	assert.Len(t, other.ch, 0)

	s.dropObserver(o.id)
	_, open := <-o.ch
	assert.False(t, open)
	s.onMutation(o.id, "childList", "")
}

func TestOnMutation_DropsWhenBufferFull(t *testing.T) {
	s := newSession("test", nil, nil, SessionOptions{})
	o := s.newObserver(&tab{id: "1"})

	for i := 0; i < observerBuffer*2; i++ {
		s.onMutation(o.id, "childList", "")
	}
	assert.Len(t, o.ch, observerBuffer)
}

func TestSubscribeTabUpdates(t *testing.T) {
	s := newSession("test", nil, nil, SessionOptions{})
	s.tabs["1"] = &tab{id: "1", status: orchestrator.StatusLoading}
	s.order = append(s.order, "1")

	var got []orchestrator.TabUpdate
	unsubscribe := s.SubscribeTabUpdates(func(u orchestrator.TabUpdate) {
		got = append(got, u)
	})

	s.setStatus("1", orchestrator.StatusComplete)
	s.setStatus("1", orchestrator.StatusComplete)
	unsubscribe()
	s.setStatus("1", orchestrator.StatusLoading)

	assert.Equal(t, []orchestrator.TabUpdate{{ID: "1", Status: orchestrator.StatusComplete}}, got)

	status, err := s.TabStatus(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusLoading, status)

	_, err = s.TabStatus(context.Background(), "2")
	assert.ErrorIs(t, err, ErrTabClosed)
}

const destinationHTML = `data:text/html,<html><body>` +
	`<div id="prompt-textarea" contenteditable="true">old draft</div>` +
	`<button data-testid="send-button">Send</button>` +
	`<script>document.addEventListener("keydown", e => { window.keys = (window.keys || []).concat(e.type + ":" + e.key) }, true)</script>` +
	`</body></html>`

func TestSession_OpenAndAutomate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	manager := NewSessionManager()
	err := manager.Initialize()
	require.NoError(t, err)
	defer manager.Shutdown()

	session, err := manager.StartSession("test", SessionOptions{Headless: true})
	require.NoError(t, err)

	r := relay.NewMemoryRelay()
	defer r.Close()

	script := automation.NewContentScript(r, automation.Config{
		SubmitDelay:       10 * time.Millisecond,
		ObserveDelay:      10 * time.Millisecond,
		CompletionTimeout: 100 * time.Millisecond,
	})
	defer script.Close()
	session.RegisterScript(script)

	orch, err := orchestrator.New(session, r, orchestrator.Config{
		URL:    destinationHTML,
		Script: script.Name(),
	})
	require.NoError(t, err)

	res := orch.OpenAndAutomate(context.Background(), "Hello")
	require.True(t, res.OK(), res.Reason)

	tabs, err := session.Tabs(context.Background())
	require.NoError(t, err)
	require.Len(t, tabs, 1)

	tb, err := session.tab(tabs[0].ID)
	require.NoError(t, err)

	text, err := tb.page.Evaluate(`() => document.getElementById("prompt-textarea").textContent`)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)

	keys, err := tb.page.Evaluate(`() => window.keys`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"keydown:Enter"}, keys)
}

func TestSession_InjectUnknownScript(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	manager := NewSessionManager()
	require.NoError(t, manager.Initialize())
	defer manager.Shutdown()

	session, err := manager.StartSession("test", SessionOptions{Headless: true})
	require.NoError(t, err)

	tb, err := session.CreateTab(context.Background(), "about:blank")
	require.NoError(t, err)

	err = session.InjectScript(context.Background(), tb.ID, "missing")
	assert.ErrorContains(t, err, `could not load script "missing"`)
}

func TestNewTabID_UniqueAcrossSessions(t *testing.T) {
	a := newSession("a", nil, nil, SessionOptions{})
	b := newSession("b", nil, nil, SessionOptions{})

	a1 := a.newTabIDLocked()
	a2 := a.newTabIDLocked()
	b1 := b.newTabIDLocked()

	assert.NotEqual(t, a1, a2)
	assert.NotEqual(t, a1, b1, "sessions sharing a relay must not reuse tab subjects")
	assert.True(t, strings.HasSuffix(string(a2), "-2"))
	assert.NotContains(t, string(a1), ".", "tab ids are single relay subject tokens")
}

func TestSessionInfo(t *testing.T) {
	s := newSession("info", nil, nil, SessionOptions{Headless: true})
	created := s.LastUsedAt()

	time.Sleep(2 * time.Millisecond)
	s.UpdateLastUsed()

	info := s.Info()
	assert.Equal(t, "info", info.Name)
	assert.True(t, info.Headless)
	assert.Empty(t, info.Tabs)
	assert.True(t, info.LastUsedAt.After(created))
}
