// Package relay carries automation requests between the isolated execution
// contexts of threadrelay: the background orchestrator, the source-page
// script and the content script attached to each destination tab.
//
// Contexts never call each other directly. A sender issues a Request on a
// subject and suspends until exactly one Result arrives. A receiver registers
// a Handler on its subject; the handler claims a message by returning true and
// then owes exactly one Reply.Send, which it may perform later from any
// goroutine. Messages no handler claims are dropped and the sender observes
// ErrNoResponse.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/entrhq/threadrelay/pkg/logging"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("relay")
	if err != nil {
		debugLog.Warnf("Failed to initialize relay logger, using stderr fallback: %v", err)
	}
}

var (
	// ErrNoResponse is returned to a requester when no handler claimed the message.
	ErrNoResponse = errors.New("message port closed before a response was received")

	// ErrAlreadyReplied is returned by Reply.Send after the first reply.
	ErrAlreadyReplied = errors.New("reply already sent")

	// ErrClosed is returned when operating on a closed relay.
	ErrClosed = errors.New("relay closed")
)

// Action is the discriminant identifying what a message asks for.
type Action string

const (
	// ActionOpenDestination asks the background context to open the
	// destination and submit Content there.
	ActionOpenDestination Action = "openDestination"

	// ActionInsertContent asks a destination content script to insert and
	// submit Content.
	ActionInsertContent Action = "insertContent"
)

// Message is an automation request. It is immutable once sent.
type Message struct {
	ID      string `json:"id,omitempty"`
	Action  Action `json:"action"`
	Content string `json:"content"`
}

// NewMessage creates a message with a fresh correlation ID.
func NewMessage(action Action, content string) Message {
	return Message{
		ID:      uuid.New().String(),
		Action:  action,
		Content: content,
	}
}

// Status is the outcome of an automation request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result terminates a request. It is delivered to the requester exactly once.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Success returns a successful result.
func Success() Result {
	return Result{Status: StatusSuccess}
}

// Failure returns a failed result with a human-readable reason.
func Failure(reason string) Result {
	return Result{Status: StatusFailure, Reason: reason}
}

// Failuref returns a failed result with a formatted reason.
func Failuref(format string, args ...interface{}) Result {
	return Failure(fmt.Sprintf(format, args...))
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Handler processes a message delivered on a subject. Returning true claims
// the message and commits the handler to calling reply.Send exactly once,
// possibly after returning. Returning false declines the message.
type Handler func(ctx context.Context, msg Message, reply *Reply) bool

// Relay is the asynchronous message-passing boundary between contexts.
// Implementations must be safe for concurrent use. Handlers registered on one
// subject are invoked serially, never concurrently with each other.
type Relay interface {
	// Listen registers h on subject and returns a function removing it.
	Listen(subject string, h Handler) (func(), error)

	// Request sends msg to subject and waits for its single Result.
	Request(ctx context.Context, subject string, msg Message) (Result, error)

	// Close shuts the relay down. Pending requests fail with ErrClosed.
	Close() error
}

const (
	// SubjectBackground is the subject the background orchestrator listens on.
	SubjectBackground = "background"
)

// TabSubject returns the subject of the content script attached to a tab.
func TabSubject(tabID string) string {
	return "tab." + tabID
}
