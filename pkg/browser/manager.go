package browser

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/threadrelay/pkg/logging"
	"github.com/entrhq/threadrelay/pkg/orchestrator"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("browser")
	if err != nil {
		debugLog.Warnf("Failed to initialize browser logger, using stderr fallback: %v", err)
	}
}

// SessionManager owns the Playwright driver and the browser sessions started
// from it.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	playwright  *playwright.Playwright
	maxSessions int
	initialized bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		maxSessions: DefaultMaxSessions,
	}
}

// Initialize installs the browser driver and starts Playwright.
// This must be called before creating any sessions.
func (m *SessionManager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	m.playwright = pw
	m.initialized = true
	debugLog.Printf("Playwright started")
	return nil
}

// StartSession launches a browser for a new named session.
func (m *SessionManager) StartSession(name string, opts SessionOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[name]; exists {
		return nil, fmt.Errorf("session %q already exists", name)
	}
	if len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("maximum number of sessions (%d) reached", m.maxSessions)
	}
	if !m.initialized {
		return nil, fmt.Errorf("session manager not initialized")
	}

	if opts.Viewport == nil {
		opts.Viewport = &Viewport{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		}
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	browser, err := m.playwright.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	bctx.SetDefaultTimeout(opts.Timeout)

	session := newSession(name, browser, bctx, opts)
	m.sessions[name] = session
	debugLog.Printf("Started browser session %q (headless=%v)", name, opts.Headless)
	return session, nil
}

// CloseSession closes and removes a browser session.
func (m *SessionManager) CloseSession(name string) error {
	m.mu.Lock()
	session, exists := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("session %q not found", name)
	}
	return session.Close()
}

// GetSession retrieves an active session by name.
func (m *SessionManager) GetSession(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[name]
	if !exists {
		return nil, fmt.Errorf("session %q not found", name)
	}
	return session, nil
}

// ListSessions returns information about all active sessions.
func (m *SessionManager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, session := range m.sessions {
		infos = append(infos, session.Info())
	}
	return infos
}

// Shutdown closes all sessions and stops Playwright.
func (m *SessionManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, session := range m.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %q: %w", name, err))
		}
		delete(m.sessions, name)
	}

	if m.initialized && m.playwright != nil {
		if err := m.playwright.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		m.initialized = false
	}

	return errors.Join(errs...)
}

// SessionInfo contains metadata about a browser session.
type SessionInfo struct {
	Name       string
	Tabs       []orchestrator.Tab
	Headless   bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}
