package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/threadrelay/pkg/orchestrator"
)

var _ orchestrator.Platform = (*Session)(nil)

// ErrTabClosed is returned for operations on a tab that no longer exists.
var ErrTabClosed = errors.New("tab closed")

func newSession(name string, browser playwright.Browser, bctx playwright.BrowserContext, opts SessionOptions) *Session {
	now := time.Now()
	return &Session{
		Name:       name,
		Browser:    browser,
		Context:    bctx,
		Headless:   opts.Headless,
		CreatedAt:  now,
		timeout:    opts.Timeout,
		lastUsedAt: now,
		tabs:       make(map[orchestrator.TabID]*tab),
		tabPrefix:  uuid.NewString()[:8],
		subs:       make(map[int]func(orchestrator.TabUpdate)),
		scripts:    make(map[string]Script),
		observers:  make(map[int]*observer),
	}
}

// UpdateLastUsed updates the last used timestamp to the current time.
func (s *Session) UpdateLastUsed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsedAt = time.Now()
}

// LastUsedAt returns when the session was last used.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	tabs, _ := s.Tabs(context.Background())
	return SessionInfo{
		Name:       s.Name,
		Tabs:       tabs,
		Headless:   s.Headless,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt(),
	}
}

// RegisterScript makes script injectable under its name.
func (s *Session) RegisterScript(script Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[script.Name()] = script
}

// CreateTab implements orchestrator.Platform. The tab starts loading url in
// the background; its completion is broadcast as a tab update.
func (s *Session) CreateTab(ctx context.Context, url string) (orchestrator.Tab, error) {
	if err := ctx.Err(); err != nil {
		return orchestrator.Tab{}, err
	}
	s.UpdateLastUsed()

	p, err := s.Context.NewPage()
	if err != nil {
		return orchestrator.Tab{}, fmt.Errorf("failed to create page: %w", err)
	}
	p.SetDefaultTimeout(s.timeout)

	t, err := s.track(p)
	if err != nil {
		p.Close()
		return orchestrator.Tab{}, err
	}

	go func() {
		if _, err := p.Goto(url); err != nil {
			debugLog.Warnf("Navigation of tab %s to %s failed: %v", t.id, url, err)
		}
	}()

	debugLog.Printf("Opened tab %s for %s", t.id, url)
	return orchestrator.Tab{ID: t.id, URL: url, Status: orchestrator.StatusLoading}, nil
}

// track assigns an id to p and wires its lifecycle events.
func (s *Session) track(p playwright.Page) (*tab, error) {
	s.mu.Lock()
	t := &tab{
		id:     s.newTabIDLocked(),
		page:   p,
		status: orchestrator.StatusLoading,
	}
	s.tabs[t.id] = t
	s.order = append(s.order, t.id)
	s.mu.Unlock()

	if err := p.ExposeFunction(bindingName, s.onMutation); err != nil {
		s.untrack(t.id)
		return nil, fmt.Errorf("failed to expose DOM bridge binding: %w", err)
	}

	p.OnLoad(func(playwright.Page) {
		s.setStatus(t.id, orchestrator.StatusComplete)
	})
	p.OnFrameNavigated(func(f playwright.Frame) {
		if f == p.MainFrame() {
			s.setStatus(t.id, orchestrator.StatusLoading)
		}
	})
	p.OnClose(func(playwright.Page) {
		s.untrack(t.id)
	})
	return t, nil
}

// newTabIDLocked returns the next tab id. Ids carry the session's prefix so
// tabs of different sessions never share a relay subject, even across
// processes connected to one NATS server.
func (s *Session) newTabIDLocked() orchestrator.TabID {
	s.nextTab++
	return orchestrator.TabID(s.tabPrefix + "-" + strconv.Itoa(s.nextTab))
}

func (s *Session) setStatus(id orchestrator.TabID, status orchestrator.TabStatus) {
	s.mu.Lock()
	t, ok := s.tabs[id]
	if !ok || t.status == status {
		s.mu.Unlock()
		return
	}
	t.status = status
	if status == orchestrator.StatusLoading {
		// A navigation replaces the document and with it the bridge.
		t.bridge = false
	}
	subs := make([]func(orchestrator.TabUpdate), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	debugLog.Debugf("Tab %s is %s", id, status)
	for _, fn := range subs {
		fn(orchestrator.TabUpdate{ID: id, Status: status})
	}
}

func (s *Session) untrack(id orchestrator.TabID) {
	s.mu.Lock()
	_, ok := s.tabs[id]
	delete(s.tabs, id)
	for i, tid := range s.order {
		if tid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for oid, o := range s.observers {
		if o.tab == id {
			delete(s.observers, oid)
			o.closeLocked()
		}
	}
	scripts := make([]Script, 0, len(s.scripts))
	for _, sc := range s.scripts {
		scripts = append(scripts, sc)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, sc := range scripts {
		if d, ok := sc.(Detacher); ok {
			d.Detach(string(id))
		}
	}
	debugLog.Printf("Tab %s closed", id)
}

// Tabs implements orchestrator.Platform.
func (s *Session) Tabs(ctx context.Context) ([]orchestrator.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]orchestrator.Tab, 0, len(s.order))
	for _, id := range s.order {
		t := s.tabs[id]
		out = append(out, orchestrator.Tab{ID: t.id, URL: t.page.URL(), Status: t.status})
	}
	return out, nil
}

// SubscribeTabUpdates implements orchestrator.Platform.
func (s *Session) SubscribeTabUpdates(fn func(orchestrator.TabUpdate)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// TabStatus implements orchestrator.Platform.
func (s *Session) TabStatus(ctx context.Context, id orchestrator.TabID) (orchestrator.TabStatus, error) {
	t, err := s.tab(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.status, nil
}

// InjectScript implements orchestrator.Platform. It installs the DOM bridge
// in the tab's current document and attaches the named script to it.
func (s *Session) InjectScript(ctx context.Context, id orchestrator.TabID, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.UpdateLastUsed()

	t, err := s.tab(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	script, ok := s.scripts[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("could not load script %q", name)
	}

	if err := s.installBridge(t); err != nil {
		return err
	}
	return script.Attach(ctx, string(id), &document{session: s, tab: t})
}

func (s *Session) installBridge(t *tab) error {
	s.mu.Lock()
	installed := t.bridge
	s.mu.Unlock()
	if installed {
		return nil
	}

	if _, err := t.page.Evaluate(bridgeScript); err != nil {
		return fmt.Errorf("cannot access contents of tab %s: %w", t.id, err)
	}

	s.mu.Lock()
	t.bridge = true
	s.mu.Unlock()
	debugLog.Debugf("DOM bridge installed in tab %s", t.id)
	return nil
}

// PageHTML opens url in a scratch tab, waits for it to load and returns the
// rendered HTML.
func (s *Session) PageHTML(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.UpdateLastUsed()

	p, err := s.Context.NewPage()
	if err != nil {
		return "", fmt.Errorf("failed to create page: %w", err)
	}
	defer p.Close()

	waitUntil := playwright.WaitUntilState("networkidle")
	if _, err := p.Goto(url, playwright.PageGotoOptions{WaitUntil: &waitUntil}); err != nil {
		return "", fmt.Errorf("navigation failed: %w", err)
	}

	content, err := p.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return content, nil
}

func (s *Session) tab(id orchestrator.TabID) (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[id]
	if !ok {
		return nil, fmt.Errorf("no tab with id: %s: %w", id, ErrTabClosed)
	}
	return t, nil
}

// Close releases every tab and the browser.
func (s *Session) Close() error {
	s.mu.Lock()
	pages := make([]playwright.Page, 0, len(s.tabs))
	for _, t := range s.tabs {
		pages = append(pages, t.page)
	}
	s.mu.Unlock()

	for _, p := range pages {
		_ = p.Close() // Ignore errors, continue cleanup
	}

	var errs []error
	if err := s.Context.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.Browser.Close(); err != nil {
		errs = append(errs, err)
	}
	debugLog.Printf("Closed browser session %q", s.Name)
	return errors.Join(errs...)
}
