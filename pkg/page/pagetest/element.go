package pagetest

import (
	"context"

	"github.com/entrhq/threadrelay/pkg/page"
)

// Element is an in-memory page.Element. Its state is guarded by the owning
// document's lock.
type Element struct {
	doc      *Document
	sel      page.Selector
	content  string
	caret    int
	focused  bool
	detached bool
	attrs    map[string]string
	events   []page.Event
	onEvent  func(*Element, page.Event)
	failWith error
}

var _ page.Element = (*Element)(nil)

// SetContent sets existing content without going through the selection path.
func (e *Element) SetContent(s string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.content = s
	e.caret = 0
}

// Content returns the element's current text.
func (e *Element) Content() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.content
}

// Caret returns the caret offset within the content.
func (e *Element) Caret() int {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.caret
}

// Focused reports whether the element has input focus.
func (e *Element) Focused() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.focused
}

// Events returns the events dispatched on the element, in order.
func (e *Element) Events() []page.Event {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return append([]page.Event(nil), e.events...)
}

// CountEvents returns how many events of typ were dispatched.
func (e *Element) CountEvents(typ page.EventType) int {
	n := 0
	for _, ev := range e.Events() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// OnEvent registers a hook run after each dispatched event, outside the
// document lock, so it can mutate the document like page script would.
func (e *Element) OnEvent(fn func(*Element, page.Event)) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.onEvent = fn
}

// FailWith makes every later operation on the element return err.
func (e *Element) FailWith(err error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.failWith = err
}

// SetAttribute sets an attribute and notifies attribute observers.
func (e *Element) SetAttribute(name, value string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.attrs[name] = value
	e.doc.notifyLocked(e, page.Change{Kind: page.ChangeAttributes, Attribute: name})
}

// RemoveAttribute removes an attribute and notifies attribute observers.
func (e *Element) RemoveAttribute(name string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	delete(e.attrs, name)
	e.doc.notifyLocked(e, page.Change{Kind: page.ChangeAttributes, Attribute: name})
}

func (e *Element) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.detached {
		return page.ErrDetached
	}
	return e.failWith
}

// Focus implements page.Element.
func (e *Element) Focus(ctx context.Context) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if err := e.checkLocked(ctx); err != nil {
		return err
	}
	e.focused = true
	return nil
}

// ReplaceContent implements page.Element.
func (e *Element) ReplaceContent(ctx context.Context, text string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if err := e.checkLocked(ctx); err != nil {
		return err
	}
	e.content = text
	e.caret = len(text)
	return nil
}

// Dispatch implements page.Element.
func (e *Element) Dispatch(ctx context.Context, ev page.Event) error {
	e.doc.mu.Lock()
	if err := e.checkLocked(ctx); err != nil {
		e.doc.mu.Unlock()
		return err
	}
	e.events = append(e.events, ev)
	hook := e.onEvent
	e.doc.mu.Unlock()

	if hook != nil {
		hook(e, ev)
	}
	return nil
}

// HasAttribute implements page.Element.
func (e *Element) HasAttribute(ctx context.Context, name string) (bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if err := e.checkLocked(ctx); err != nil {
		return false, err
	}
	_, ok := e.attrs[name]
	return ok, nil
}

// Observe implements page.Element.
func (e *Element) Observe(ctx context.Context, opts page.ObserveOptions) (page.Observer, error) {
	e.doc.mu.Lock()
	err := e.checkLocked(ctx)
	e.doc.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.doc.addObserver(e, opts), nil
}
