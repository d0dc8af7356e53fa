package browser

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/threadrelay/pkg/orchestrator"
	"github.com/entrhq/threadrelay/pkg/page"
)

//go:embed bridge.js
var bridgeScript string

// bindingName is the page function the bridge reports mutations through.
const bindingName = "__threadrelayNotify"

const observerBuffer = 16

// document is a page.Document over one tab's live DOM.
type document struct {
	session *Session
	tab     *tab
}

var _ page.Document = (*document)(nil)

func (d *document) Query(ctx context.Context, sel page.Selector) (page.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := d.tab.page.QuerySelector(string(sel))
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	if h == nil {
		return nil, nil
	}
	return &element{doc: d, handle: h}, nil
}

func (d *document) Observe(ctx context.Context, scope page.Selector, opts page.ObserveOptions) (page.Observer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := d.session.newObserver(d.tab)
	_, err := d.tab.page.Evaluate(`args => window.__threadrelay.observe(args.id, document.querySelector(args.scope), args.opts)`,
		map[string]interface{}{
			"id":    o.id,
			"scope": string(scope),
			"opts":  observeArg(opts),
		})
	if err != nil {
		d.session.dropObserver(o.id)
		return nil, fmt.Errorf("observe %s: %w", scope, err)
	}
	return o, nil
}

func (d *document) ScrollToBottom(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.tab.page.Evaluate(`() => window.__threadrelay.scrollToBottom()`); err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	return nil
}

// element is a page.Element backed by a Playwright element handle.
type element struct {
	doc    *document
	handle playwright.ElementHandle
}

var _ page.Element = (*element)(nil)

func (e *element) Focus(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.handle.Focus(); err != nil {
		return fmt.Errorf("focus failed: %w", err)
	}
	return nil
}

func (e *element) ReplaceContent(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := e.handle.Evaluate(`(el, text) => window.__threadrelay.replaceContent(el, text)`, text); err != nil {
		return fmt.Errorf("replace content failed: %w", err)
	}
	return nil
}

func (e *element) Dispatch(ctx context.Context, ev page.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := e.handle.Evaluate(`(el, ev) => window.__threadrelay.dispatch(el, ev)`, eventArg(ev)); err != nil {
		return fmt.Errorf("dispatch %s failed: %w", ev.Type, err)
	}
	return nil
}

func (e *element) HasAttribute(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	v, err := e.handle.Evaluate(`(el, name) => el.hasAttribute(name)`, name)
	if err != nil {
		return false, fmt.Errorf("read attribute %s: %w", name, err)
	}
	has, _ := v.(bool)
	return has, nil
}

func (e *element) Observe(ctx context.Context, opts page.ObserveOptions) (page.Observer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := e.doc.session.newObserver(e.doc.tab)
	_, err := e.handle.Evaluate(`(el, args) => window.__threadrelay.observe(args.id, el, args.opts)`,
		map[string]interface{}{
			"id":   o.id,
			"opts": observeArg(opts),
		})
	if err != nil {
		e.doc.session.dropObserver(o.id)
		return nil, fmt.Errorf("observe element: %w", err)
	}
	return o, nil
}

func observeArg(opts page.ObserveOptions) map[string]interface{} {
	return map[string]interface{}{
		"childList":  opts.ChildList,
		"subtree":    opts.Subtree,
		"attributes": opts.Attributes,
	}
}

func eventArg(ev page.Event) map[string]interface{} {
	return map[string]interface{}{
		"type":       string(ev.Type),
		"key":        ev.Key,
		"code":       ev.Code,
		"keyCode":    ev.KeyCode,
		"bubbles":    ev.Bubbles,
		"cancelable": ev.Cancelable,
	}
}

// observer relays MutationObserver records reported through the page
// binding to a Go channel.
type observer struct {
	id      int
	tab     orchestrator.TabID
	page    playwright.Page
	session *Session
	ch      chan page.Change
	closed  bool
	once    sync.Once
}

func (s *Session) newObserver(t *tab) *observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObs++
	o := &observer{
		id:      s.nextObs,
		tab:     t.id,
		page:    t.page,
		session: s,
		ch:      make(chan page.Change, observerBuffer),
	}
	s.observers[o.id] = o
	return o
}

func (s *Session) dropObserver(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.observers[id]; ok {
		delete(s.observers, id)
		o.closeLocked()
	}
}

// onMutation receives (observerID, recordType, attributeName) from the bridge.
func (s *Session) onMutation(args ...interface{}) interface{} {
	if len(args) < 3 {
		return nil
	}
	id, ok := toInt(args[0])
	if !ok {
		return nil
	}
	kind, _ := args[1].(string)
	attr, _ := args[2].(string)

	c := page.Change{Kind: page.ChangeChildList}
	if kind == "attributes" {
		c = page.Change{Kind: page.ChangeAttributes, Attribute: attr}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.observers[id]
	if !ok || o.closed {
		return nil
	}
	select {
	case o.ch <- c:
	default:
	}
	return nil
}

func (o *observer) Changes() <-chan page.Change {
	return o.ch
}

func (o *observer) Disconnect() {
	o.once.Do(func() {
		o.session.dropObserver(o.id)
		if _, err := o.page.Evaluate(`id => window.__threadrelay && window.__threadrelay.disconnect(id)`, o.id); err != nil {
			debugLog.Debugf("Disconnecting observer %d: %v", o.id, err)
		}
	})
}

// closeLocked closes the change channel; the session lock must be held.
func (o *observer) closeLocked() {
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
