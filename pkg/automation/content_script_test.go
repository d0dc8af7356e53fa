package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/threadrelay/pkg/page/pagetest"
	"github.com/entrhq/threadrelay/pkg/relay"
)

func TestContentScript_InsertContent(t *testing.T) {
	r := relay.NewMemoryRelay()
	defer r.Close()

	doc := pagetest.NewDocument()
	input := doc.Add(inputSel)

	script := NewContentScript(r, testConfig())
	defer script.Close()
	require.NoError(t, script.Attach(context.Background(), "1", doc))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := r.Request(ctx, relay.TabSubject("1"), relay.NewMessage(relay.ActionInsertContent, "Hello"))
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "Hello", input.Content())
}

func TestContentScript_EmptyContentFails(t *testing.T) {
	r := relay.NewMemoryRelay()
	defer r.Close()

	script := NewContentScript(r, testConfig())
	defer script.Close()
	require.NoError(t, script.Attach(context.Background(), "1", pagetest.NewDocument()))

	res, err := r.Request(context.Background(), relay.TabSubject("1"), relay.Message{Action: relay.ActionInsertContent})
	require.NoError(t, err)
	assert.Equal(t, relay.Failure(ReasonNoContent), res)
}

func TestContentScript_IgnoresOtherActions(t *testing.T) {
	r := relay.NewMemoryRelay()
	defer r.Close()

	script := NewContentScript(r, testConfig())
	defer script.Close()
	require.NoError(t, script.Attach(context.Background(), "1", pagetest.NewDocument()))

	_, err := r.Request(context.Background(), relay.TabSubject("1"), relay.NewMessage(relay.ActionOpenDestination, "x"))
	assert.ErrorIs(t, err, relay.ErrNoResponse)
}

func TestContentScript_AttachIsIdempotentAndDetachStopsServing(t *testing.T) {
	r := relay.NewMemoryRelay()
	defer r.Close()

	doc := pagetest.NewDocument()
	doc.Add(inputSel)

	script := NewContentScript(r, testConfig())
	defer script.Close()

	require.NoError(t, script.Attach(context.Background(), "9", doc))
	require.NoError(t, script.Attach(context.Background(), "9", doc))
	assert.True(t, script.Attached("9"))

	res, err := r.Request(context.Background(), relay.TabSubject("9"), relay.NewMessage(relay.ActionInsertContent, "x"))
	require.NoError(t, err)
	assert.True(t, res.OK())

	script.Detach("9")
	assert.False(t, script.Attached("9"))
	_, err = r.Request(context.Background(), relay.TabSubject("9"), relay.NewMessage(relay.ActionInsertContent, "x"))
	assert.ErrorIs(t, err, relay.ErrNoResponse)
}

func TestContentScript_AttachOnClosedRelay(t *testing.T) {
	r := relay.NewMemoryRelay()
	require.NoError(t, r.Close())

	script := NewContentScript(r, testConfig())
	err := script.Attach(context.Background(), "1", pagetest.NewDocument())
	assert.ErrorIs(t, err, relay.ErrClosed)
	assert.False(t, script.Attached("1"))
}

func TestContentScript_WaitOutlastsCompletion(t *testing.T) {
	r := relay.NewMemoryRelay()
	defer r.Close()

	doc := pagetest.NewDocument()
	doc.Add(inputSel)
	button := doc.Add(submitSel)

	cfg := testConfig()
	cfg.ObserveDelay = 50 * time.Millisecond
	script := NewContentScript(r, cfg)
	require.NoError(t, script.Attach(context.Background(), "1", doc))

	res, err := r.Request(context.Background(), relay.TabSubject("1"), relay.NewMessage(relay.ActionInsertContent, "Hello"))
	require.NoError(t, err)
	require.True(t, res.OK())

	go func() {
		deadline := time.Now().Add(time.Second)
		for doc.ActiveObservers() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		button.SetAttribute("disabled", "")
	}()

	script.Wait()
	assert.Equal(t, 1, doc.Scrolls())

	script.Close()
	assert.Equal(t, 0, doc.ActiveObservers())
}
