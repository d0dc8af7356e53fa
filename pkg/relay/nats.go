package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// DefaultRequestTimeout bounds NATS requests whose context carries no deadline.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultQueue is the queue group every listener joins.
	DefaultQueue = "threadrelay"
)

// NATSConfig configures a NATS-backed relay.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string

	// Timeout is the connect timeout and the default request timeout.
	Timeout time.Duration

	// Queue is the queue group listeners subscribe in. Each message is
	// delivered to one member, so processes sharing a server never serve
	// the same request twice.
	Queue string
}

// wireReply is the reply envelope on the wire. Declined replaces the
// "port closed" signal a local relay gives when no handler claims a message.
type wireReply struct {
	Result   *Result `json:"result,omitempty"`
	Declined bool    `json:"declined,omitempty"`
}

// NATSRelay implements Relay over NATS request/reply so the background,
// source and destination contexts can live in separate processes.
type NATSRelay struct {
	conn     *nats.Conn
	ownsConn bool
	timeout  time.Duration
	queue    string

	mu        sync.Mutex
	endpoints map[string]*natsEndpoint
	regSeq    atomic.Uint64
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

type natsEndpoint struct {
	sub      *nats.Subscription
	handlers []registration
}

// NewNATSRelay connects to the NATS server described by cfg.
func NewNATSRelay(cfg NATSConfig) (*NATSRelay, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "threadrelay"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	r := NewNATSRelayFromConn(conn, cfg.Timeout)
	r.ownsConn = true
	r.queue = cfg.Queue
	return r, nil
}

// NewNATSRelayFromConn wraps an existing connection. The caller keeps
// ownership of conn.
func NewNATSRelayFromConn(conn *nats.Conn, timeout time.Duration) *NATSRelay {
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSRelay{
		conn:      conn,
		timeout:   timeout,
		queue:     DefaultQueue,
		endpoints: make(map[string]*natsEndpoint),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Listen registers h on subject. One NATS queue subscription serves all
// handlers of a subject, so they run serially on the subscription's
// goroutine.
func (r *NATSRelay) Listen(subject string, h Handler) (func(), error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[subject]
	if !ok {
		ep = &natsEndpoint{}
		sub, err := r.conn.QueueSubscribe(subject, r.queue, func(m *nats.Msg) {
			r.dispatch(subject, m)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		ep.sub = sub
		r.endpoints[subject] = ep
	}

	id := r.regSeq.Add(1)
	ep.handlers = append(ep.handlers, registration{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(subject, id) })
	}, nil
}

func (r *NATSRelay) remove(subject string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[subject]
	if !ok {
		return
	}
	for i, reg := range ep.handlers {
		if reg.id == id {
			ep.handlers = append(ep.handlers[:i], ep.handlers[i+1:]...)
			break
		}
	}
	if len(ep.handlers) == 0 {
		if err := ep.sub.Unsubscribe(); err != nil {
			debugLog.Warnf("Unsubscribe %s: %v", subject, err)
		}
		delete(r.endpoints, subject)
	}
}

func (r *NATSRelay) handlersFor(subject string) []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[subject]
	if !ok {
		return nil
	}
	return append([]registration(nil), ep.handlers...)
}

func (r *NATSRelay) dispatch(subject string, m *nats.Msg) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		debugLog.Warnf("Dropping undecodable message on %s: %v", subject, err)
		r.respond(m, wireReply{Declined: true})
		return
	}

	reply := NewReply(msg.ID, func(res Result) {
		r.respond(m, wireReply{Result: &res})
	})

	for _, reg := range r.handlersFor(subject) {
		if reg.handler(r.ctx, msg, reply) {
			return
		}
	}
	debugLog.Debugf("Message %s (%s) on %s was not claimed", msg.ID, msg.Action, subject)
	r.respond(m, wireReply{Declined: true})
}

func (r *NATSRelay) respond(m *nats.Msg, w wireReply) {
	if m.Reply == "" {
		return
	}
	data, err := json.Marshal(w)
	if err != nil {
		debugLog.Errorf("Encode reply: %v", err)
		return
	}
	if err := m.Respond(data); err != nil {
		debugLog.Errorf("Respond on %s: %v", m.Subject, err)
	}
}

// Request sends msg to subject and waits for the reply.
func (r *NATSRelay) Request(ctx context.Context, subject string, msg Message) (Result, error) {
	if r.closed.Load() {
		return Result{}, ErrClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("encode message: %w", err)
	}

	resp, err := r.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return Result{}, ErrNoResponse
		}
		return Result{}, fmt.Errorf("request %s: %w", subject, err)
	}

	var w wireReply
	if err := json.Unmarshal(resp.Data, &w); err != nil {
		return Result{}, fmt.Errorf("decode reply: %w", err)
	}
	if w.Declined || w.Result == nil {
		return Result{}, ErrNoResponse
	}
	return *w.Result, nil
}

// Close removes all subscriptions and, if the relay dialed it, closes the connection.
func (r *NATSRelay) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	r.cancel()

	r.mu.Lock()
	for subject, ep := range r.endpoints {
		_ = ep.sub.Unsubscribe()
		delete(r.endpoints, subject)
	}
	r.mu.Unlock()

	if r.ownsConn {
		r.conn.Close()
	}
	return nil
}
