package automation

import (
	"context"
	"fmt"
	"sync"

	"github.com/entrhq/threadrelay/pkg/page"
	"github.com/entrhq/threadrelay/pkg/relay"
)

// ScriptName identifies the content script to platforms that inject by name.
const ScriptName = "content/automation"

// ContentScript is the injectable destination-page module. Attaching it to a
// tab makes the tab answer insertContent messages on its relay subject.
type ContentScript struct {
	relay relay.Relay
	cfg   Config
	opts  []Option

	mu       sync.Mutex
	attached map[string]*attachment
}

type attachment struct {
	automator *Automator
	unlisten  func()
}

// NewContentScript creates a content script that listens on r.
func NewContentScript(r relay.Relay, cfg Config, opts ...Option) *ContentScript {
	return &ContentScript{
		relay:    r,
		cfg:      cfg,
		opts:     opts,
		attached: make(map[string]*attachment),
	}
}

// Name returns the script's injection name.
func (s *ContentScript) Name() string {
	return ScriptName
}

// Attach starts serving tabID's subject against doc. Attaching to a tab that
// already runs the script is a no-op, like re-injecting a loaded module.
func (s *ContentScript) Attach(ctx context.Context, tabID string, doc page.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attached[tabID]; ok {
		debugLog.Debugf("Content script already attached to tab %s", tabID)
		return nil
	}

	a := New(doc, s.cfg, s.opts...)
	unlisten, err := s.relay.Listen(relay.TabSubject(tabID), s.handler(tabID, a))
	if err != nil {
		a.Close()
		return fmt.Errorf("listen on tab %s: %w", tabID, err)
	}

	s.attached[tabID] = &attachment{automator: a, unlisten: unlisten}
	debugLog.Printf("Content script loaded in tab %s", tabID)
	return nil
}

// Attached reports whether the script runs in tabID.
func (s *ContentScript) Attached(tabID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attached[tabID]
	return ok
}

// Detach stops serving tabID, e.g. when the tab closes.
func (s *ContentScript) Detach(tabID string) {
	s.mu.Lock()
	att, ok := s.attached[tabID]
	delete(s.attached, tabID)
	s.mu.Unlock()

	if ok {
		att.unlisten()
		att.automator.Close()
	}
}

// Wait blocks until every attached tab has finished observing completion of
// its submissions. Each observation ends within ObserveDelay plus
// CompletionTimeout.
func (s *ContentScript) Wait() {
	s.mu.Lock()
	automators := make([]*Automator, 0, len(s.attached))
	for _, att := range s.attached {
		automators = append(automators, att.automator)
	}
	s.mu.Unlock()

	for _, a := range automators {
		a.Wait()
	}
}

// Close detaches the script from every tab.
func (s *ContentScript) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.attached))
	for id := range s.attached {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Detach(id)
	}
}

func (s *ContentScript) handler(tabID string, a *Automator) relay.Handler {
	return func(ctx context.Context, msg relay.Message, reply *relay.Reply) bool {
		if msg.Action != relay.ActionInsertContent {
			return false
		}
		debugLog.Printf("Tab %s received message %s", tabID, msg.ID)

		if msg.Content == "" {
			_ = reply.Send(relay.Failure(ReasonNoContent))
			return true
		}

		go func() {
			res := a.Run(ctx, msg.Content)
			if err := reply.Send(res); err != nil {
				debugLog.Warnf("Reply for message %s: %v", msg.ID, err)
			}
		}()
		return true
	}
}
