// Package pagetest provides an in-memory page.Document for tests.
package pagetest

import (
	"context"
	"sync"

	"github.com/entrhq/threadrelay/pkg/page"
)

const observerBuffer = 16

// Document is an in-memory page.Document. Elements are keyed by the exact
// selector used to add them.
type Document struct {
	mu        sync.Mutex
	elements  map[page.Selector]*Element
	observers map[int]*observer
	nextObs   int
	created   int
	scrolls   int
}

var _ page.Document = (*Document)(nil)

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		elements:  make(map[page.Selector]*Element),
		observers: make(map[int]*observer),
	}
}

// Add inserts an element reachable through sel and notifies child-list
// observers, like a framework rendering a new node.
func (d *Document) Add(sel page.Selector) *Element {
	el := &Element{
		doc:   d,
		sel:   sel,
		attrs: make(map[string]string),
	}

	d.mu.Lock()
	d.elements[sel] = el
	d.notifyLocked(nil, page.Change{Kind: page.ChangeChildList})
	d.mu.Unlock()
	return el
}

// Remove detaches the element reachable through sel.
func (d *Document) Remove(sel page.Selector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.elements[sel]; ok {
		el.detached = true
		delete(d.elements, sel)
		d.notifyLocked(nil, page.Change{Kind: page.ChangeChildList})
	}
}

// Touch reports an unrelated child-list mutation.
func (d *Document) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifyLocked(nil, page.Change{Kind: page.ChangeChildList})
}

// Query implements page.Document.
func (d *Document) Query(ctx context.Context, sel page.Selector) (page.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.elements[sel]
	if !ok {
		return nil, nil
	}
	return el, nil
}

// Observe implements page.Document. Document observers see child-list
// changes anywhere in the document.
func (d *Document) Observe(ctx context.Context, scope page.Selector, opts page.ObserveOptions) (page.Observer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.addObserver(nil, opts), nil
}

// ScrollToBottom implements page.Document.
func (d *Document) ScrollToBottom(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scrolls++
	return nil
}

// ActiveObservers returns the number of connected observers.
func (d *Document) ActiveObservers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

// ObserversCreated returns the number of observers ever created.
func (d *Document) ObserversCreated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

// Scrolls returns how many times the page was scrolled to the bottom.
func (d *Document) Scrolls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scrolls
}

func (d *Document) addObserver(target *Element, opts page.ObserveOptions) *observer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextObs++
	d.created++
	o := &observer{
		id:     d.nextObs,
		doc:    d,
		target: target,
		opts:   opts,
		ch:     make(chan page.Change, observerBuffer),
	}
	d.observers[o.id] = o
	return o
}

// notifyLocked fans a change out to matching observers. target is nil for
// document-level child-list changes.
func (d *Document) notifyLocked(target *Element, c page.Change) {
	for _, o := range d.observers {
		switch {
		case c.Kind == page.ChangeChildList && o.target == nil && o.opts.ChildList:
		case c.Kind == page.ChangeAttributes && o.target == target && target != nil && o.opts.Attributes:
		default:
			continue
		}
		select {
		case o.ch <- c:
		default:
		}
	}
}

type observer struct {
	id     int
	doc    *Document
	target *Element
	opts   page.ObserveOptions
	ch     chan page.Change
	once   sync.Once
}

func (o *observer) Changes() <-chan page.Change {
	return o.ch
}

func (o *observer) Disconnect() {
	o.once.Do(func() {
		o.doc.mu.Lock()
		defer o.doc.mu.Unlock()
		delete(o.doc.observers, o.id)
		close(o.ch)
	})
}
