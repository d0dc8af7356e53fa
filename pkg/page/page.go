// Package page describes the destination page as an injected content script
// sees it: elements found by selector, focus, selection-based content
// replacement, synthetic events, change observation and scrolling.
//
// The interfaces deliberately avoid any particular browser API. pkg/browser
// implements them over Playwright; pkg/page/pagetest implements them in memory.
package page

import (
	"context"
	"errors"
)

// ErrDetached is returned when an element is no longer part of the document.
var ErrDetached = errors.New("element detached from document")

// Selector locates an element. It uses CSS selector syntax.
type Selector string

// ByID returns a selector matching the element with the given id.
func ByID(id string) Selector {
	return Selector("#" + id)
}

// Body is the coarse-grained scope used when waiting for elements to appear.
const Body Selector = "body"

// ChangeKind classifies a change notification.
type ChangeKind string

const (
	// ChangeChildList reports nodes added to or removed from the watched subtree.
	ChangeChildList ChangeKind = "childList"

	// ChangeAttributes reports an attribute mutation on the watched element.
	ChangeAttributes ChangeKind = "attributes"
)

// Change is one observed mutation.
type Change struct {
	Kind ChangeKind

	// Attribute names the mutated attribute for ChangeAttributes.
	Attribute string
}

// ObserveOptions selects which mutations an Observer reports.
type ObserveOptions struct {
	ChildList  bool
	Subtree    bool
	Attributes bool
}

// Observer delivers change notifications until disconnected. Notifications
// may be coalesced when the receiver falls behind; consumers re-check state
// rather than count notifications.
type Observer interface {
	Changes() <-chan Change
	Disconnect()
}

// Document is the page an injected script runs against.
type Document interface {
	// Query returns the first element matching sel, or nil when none exists.
	Query(ctx context.Context, sel Selector) (Element, error)

	// Observe watches the element matching scope.
	Observe(ctx context.Context, scope Selector, opts ObserveOptions) (Observer, error)

	// ScrollToBottom smoothly scrolls the page to the end of its content.
	ScrollToBottom(ctx context.Context) error
}

// Element is a handle to one element of a Document.
type Element interface {
	// Focus gives the element input focus.
	Focus(ctx context.Context) error

	// ReplaceContent selects all of the element's contents and replaces them
	// with text through the selection/range mechanism, leaving the caret
	// collapsed after the inserted text. It does not dispatch events.
	ReplaceContent(ctx context.Context, text string) error

	// Dispatch fires ev on the element.
	Dispatch(ctx context.Context, ev Event) error

	// HasAttribute reports whether the attribute is present.
	HasAttribute(ctx context.Context, name string) (bool, error)

	// Observe watches this element's own mutations.
	Observe(ctx context.Context, opts ObserveOptions) (Observer, error)
}
