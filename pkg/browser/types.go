package browser

import (
	"context"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/threadrelay/pkg/orchestrator"
	"github.com/entrhq/threadrelay/pkg/page"
)

// Session represents an active browser session with its associated resources.
type Session struct {
	// Name is the unique identifier for this session
	Name string

	// Browser is the Playwright browser instance
	Browser playwright.Browser

	// Context is the browser context every tab is opened in
	Context playwright.BrowserContext

	// Headless indicates if the browser is running in headless mode
	Headless bool

	// CreatedAt is the timestamp when the session was created
	CreatedAt time.Time

	timeout float64

	mu         sync.Mutex
	lastUsedAt time.Time
	tabs       map[orchestrator.TabID]*tab
	order      []orchestrator.TabID
	tabPrefix  string
	nextTab    int
	subs       map[int]func(orchestrator.TabUpdate)
	nextSub    int
	scripts    map[string]Script
	observers  map[int]*observer
	nextObs    int
}

// Script is a content script the session can inject into a tab.
type Script interface {
	Name() string
	Attach(ctx context.Context, tabID string, doc page.Document) error
}

// Detacher is implemented by scripts that release per-tab state when the
// tab closes.
type Detacher interface {
	Detach(tabID string)
}

type tab struct {
	id     orchestrator.TabID
	page   playwright.Page
	status orchestrator.TabStatus
	bridge bool
}

// SessionOptions configures a new browser session.
type SessionOptions struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Viewport sets the initial viewport size
	Viewport *Viewport

	// Timeout sets the default timeout for operations (in milliseconds)
	Timeout float64
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Default values for sessions.
const (
	DefaultTimeout        = 30000.0 // 30 seconds in milliseconds
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultMaxSessions    = 2
)
