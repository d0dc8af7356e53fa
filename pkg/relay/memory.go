package relay

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

const inboxSize = 64

// MemoryRelay is an in-process Relay. Every subject is served by a single
// dispatcher goroutine, which gives each receiving context the serial,
// one-message-at-a-time behaviour of a browser script context.
type MemoryRelay struct {
	mu        sync.RWMutex
	endpoints map[string]*memoryEndpoint
	closed    atomic.Bool
	regSeq    atomic.Uint64

	// ctx is handed to handlers; it ends when the relay closes.
	ctx    context.Context
	cancel context.CancelFunc
}

type memoryEndpoint struct {
	subject  string
	inbox    chan *delivery
	mu       sync.Mutex
	handlers []registration

	// done is closed when the last handler leaves and the dispatcher stops.
	done chan struct{}
}

type registration struct {
	id      uint64
	handler Handler
}

type delivery struct {
	msg      Message
	reply    *Reply
	declined chan struct{}

	// taken is set by whichever side settles the delivery first: the
	// dispatcher picking it up or a requester whose endpoint stopped.
	taken atomic.Bool
}

// NewMemoryRelay creates an in-process relay.
func NewMemoryRelay() *MemoryRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryRelay{
		endpoints: make(map[string]*memoryEndpoint),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Listen registers h on subject.
func (r *MemoryRelay) Listen(subject string, h Handler) (func(), error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}

	r.mu.Lock()
	ep, ok := r.endpoints[subject]
	if !ok {
		ep = &memoryEndpoint{
			subject: subject,
			inbox:   make(chan *delivery, inboxSize),
			done:    make(chan struct{}),
		}
		r.endpoints[subject] = ep
		go r.serve(ep)
	}
	id := r.regSeq.Add(1)
	ep.mu.Lock()
	ep.handlers = append(ep.handlers, registration{id: id, handler: h})
	ep.mu.Unlock()
	r.mu.Unlock()

	debugLog.Debugf("Listening on %s (handler %d)", subject, id)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(ep, id) })
	}, nil
}

// remove drops handler id and stops the endpoint once it has no handlers.
func (r *MemoryRelay) remove(ep *memoryEndpoint, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for i, reg := range ep.handlers {
		if reg.id == id {
			ep.handlers = append(ep.handlers[:i], ep.handlers[i+1:]...)
			break
		}
	}
	debugLog.Debugf("Stopped listening on %s (handler %d)", ep.subject, id)

	if len(ep.handlers) == 0 && r.endpoints[ep.subject] == ep {
		delete(r.endpoints, ep.subject)
		close(ep.done)
		debugLog.Debugf("Endpoint %s stopped", ep.subject)
	}
}

// Request sends msg to subject and waits for the reply.
func (r *MemoryRelay) Request(ctx context.Context, subject string, msg Message) (Result, error) {
	if r.closed.Load() {
		return Result{}, ErrClosed
	}

	r.mu.RLock()
	ep, ok := r.endpoints[subject]
	r.mu.RUnlock()
	if !ok || !ep.hasHandlers() {
		debugLog.Warnf("No listener on %s for message %s (%s)", subject, msg.ID, msg.Action)
		return Result{}, ErrNoResponse
	}

	results := make(chan Result, 1)
	d := &delivery{
		msg:      msg,
		reply:    NewReply(msg.ID, func(res Result) { results <- res }),
		declined: make(chan struct{}),
	}

	select {
	case ep.inbox <- d:
	case <-ep.done:
		return Result{}, ErrNoResponse
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-r.ctx.Done():
		return Result{}, ErrClosed
	}

	done := ep.done
	for {
		select {
		case res := <-results:
			return res, nil
		case <-d.declined:
			return Result{}, ErrNoResponse
		case <-done:
			if d.taken.CompareAndSwap(false, true) {
				return Result{}, ErrNoResponse
			}
			// Already dispatched; a claiming handler still replies.
			done = nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-r.ctx.Done():
			return Result{}, ErrClosed
		}
	}
}

// Close stops all dispatchers and fails pending requests.
func (r *MemoryRelay) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	r.cancel()
	return nil
}

func (ep *memoryEndpoint) hasHandlers() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.handlers) > 0
}

func (ep *memoryEndpoint) snapshot() []registration {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([]registration(nil), ep.handlers...)
}

func (r *MemoryRelay) serve(ep *memoryEndpoint) {
	for {
		select {
		case d := <-ep.inbox:
			if d.taken.CompareAndSwap(false, true) {
				r.dispatch(ep, d)
			}
		case <-ep.done:
			r.drain(ep)
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// drain declines deliveries queued on a stopped endpoint.
func (r *MemoryRelay) drain(ep *memoryEndpoint) {
	for {
		select {
		case d := <-ep.inbox:
			if d.taken.CompareAndSwap(false, true) {
				close(d.declined)
			}
		default:
			return
		}
	}
}

// dispatch offers d to each handler in registration order until one claims it.
func (r *MemoryRelay) dispatch(ep *memoryEndpoint, d *delivery) {
	claimed := false
	defer func() {
		if rec := recover(); rec != nil {
			debugLog.Errorf("panic in handler on %s: %v\n%s", ep.subject, rec, debug.Stack())
		}
		if !claimed {
			close(d.declined)
		}
	}()

	for _, reg := range ep.snapshot() {
		if reg.handler(r.ctx, d.msg, d.reply) {
			claimed = true
			return
		}
	}
	debugLog.Debugf("Message %s (%s) on %s was not claimed", d.msg.ID, d.msg.Action, ep.subject)
}
