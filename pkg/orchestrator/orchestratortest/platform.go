// Package orchestratortest provides an in-memory orchestrator.Platform whose
// tabs hold pagetest documents.
package orchestratortest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/entrhq/threadrelay/pkg/orchestrator"
	"github.com/entrhq/threadrelay/pkg/page"
	"github.com/entrhq/threadrelay/pkg/page/pagetest"
)

// Script is a content script the platform can inject.
type Script interface {
	Attach(ctx context.Context, tabID string, doc page.Document) error
}

type tab struct {
	orchestrator.Tab
	doc *pagetest.Document
}

// Platform is an in-memory orchestrator.Platform. New tabs finish loading on
// their own after the configured load delay unless manual loading is set.
type Platform struct {
	mu         sync.Mutex
	tabs       map[orchestrator.TabID]*tab
	order      []orchestrator.TabID
	nextTab    int
	subs       map[int]func(orchestrator.TabUpdate)
	nextSub    int
	scripts    map[string]Script
	newDoc     func(orchestrator.TabID) *pagetest.Document
	loadDelay  time.Duration
	manual     bool
	injectErr  error
	omitID     bool
	created    []string
	injections int
}

var _ orchestrator.Platform = (*Platform)(nil)

// New returns a platform with no tabs.
func New() *Platform {
	return &Platform{
		tabs:      make(map[orchestrator.TabID]*tab),
		subs:      make(map[int]func(orchestrator.TabUpdate)),
		scripts:   make(map[string]Script),
		loadDelay: time.Millisecond,
		newDoc: func(orchestrator.TabID) *pagetest.Document {
			return pagetest.NewDocument()
		},
	}
}

// RegisterScript makes s injectable under name.
func (p *Platform) RegisterScript(name string, s Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[name] = s
}

// SetDocumentFactory sets how new tabs build their document.
func (p *Platform) SetDocumentFactory(fn func(orchestrator.TabID) *pagetest.Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newDoc = fn
}

// SetLoadDelay sets how long new tabs take to load.
func (p *Platform) SetLoadDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadDelay = d
}

// SetManualLoad stops new tabs from loading until Complete is called.
func (p *Platform) SetManualLoad(manual bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manual = manual
}

// SetInjectError makes every injection fail with err.
func (p *Platform) SetInjectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injectErr = err
}

// SetOmitTabID makes CreateTab report tabs without an id.
func (p *Platform) SetOmitTabID(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitID = omit
}

// AddTab opens a tab directly, e.g. one the user already had open.
func (p *Platform) AddTab(url string, status orchestrator.TabStatus) orchestrator.TabID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addTabLocked(url, status).ID
}

func (p *Platform) addTabLocked(url string, status orchestrator.TabStatus) *tab {
	p.nextTab++
	id := orchestrator.TabID(strconv.Itoa(p.nextTab))
	t := &tab{
		Tab: orchestrator.Tab{ID: id, URL: url, Status: status},
		doc: p.newDoc(id),
	}
	p.tabs[id] = t
	p.order = append(p.order, id)
	return t
}

// Complete marks a tab loaded and broadcasts the update.
func (p *Platform) Complete(id orchestrator.TabID) {
	p.mu.Lock()
	if t, ok := p.tabs[id]; ok {
		t.Status = orchestrator.StatusComplete
	}
	subs := make([]func(orchestrator.TabUpdate), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(orchestrator.TabUpdate{ID: id, Status: orchestrator.StatusComplete})
	}
}

// Document returns the document of tab id.
func (p *Platform) Document(id orchestrator.TabID) *pagetest.Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tabs[id]; ok {
		return t.doc
	}
	return nil
}

// Created returns the URLs of tabs opened through CreateTab.
func (p *Platform) Created() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.created...)
}

// Injections returns the number of successful injections.
func (p *Platform) Injections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.injections
}

// Subscribers returns the number of active tab update subscriptions.
func (p *Platform) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// CreateTab implements orchestrator.Platform.
func (p *Platform) CreateTab(ctx context.Context, url string) (orchestrator.Tab, error) {
	if err := ctx.Err(); err != nil {
		return orchestrator.Tab{}, err
	}

	p.mu.Lock()
	t := p.addTabLocked(url, orchestrator.StatusLoading)
	p.created = append(p.created, url)
	manual, delay, omit := p.manual, p.loadDelay, p.omitID
	p.mu.Unlock()

	if !manual {
		go func() {
			time.Sleep(delay)
			p.Complete(t.ID)
		}()
	}

	res := t.Tab
	if omit {
		res.ID = ""
	}
	return res, nil
}

// Tabs implements orchestrator.Platform.
func (p *Platform) Tabs(ctx context.Context) ([]orchestrator.Tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]orchestrator.Tab, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.tabs[id].Tab)
	}
	return out, nil
}

// SubscribeTabUpdates implements orchestrator.Platform.
func (p *Platform) SubscribeTabUpdates(fn func(orchestrator.TabUpdate)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	id := p.nextSub
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// TabStatus implements orchestrator.Platform.
func (p *Platform) TabStatus(ctx context.Context, id orchestrator.TabID) (orchestrator.TabStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tabs[id]
	if !ok {
		return "", fmt.Errorf("no tab with id: %s", id)
	}
	return t.Status, nil
}

// InjectScript implements orchestrator.Platform.
func (p *Platform) InjectScript(ctx context.Context, id orchestrator.TabID, name string) error {
	p.mu.Lock()
	if p.injectErr != nil {
		err := p.injectErr
		p.mu.Unlock()
		return err
	}
	t, ok := p.tabs[id]
	script, found := p.scripts[name]
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("no tab with id: %s", id)
	}
	if !found {
		return fmt.Errorf("could not load file: %q", name)
	}
	if err := script.Attach(ctx, string(id), t.doc); err != nil {
		return err
	}

	p.mu.Lock()
	p.injections++
	p.mu.Unlock()
	return nil
}
