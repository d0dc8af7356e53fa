// Package browser hosts the destination pipeline in a real browser through
// Playwright.
//
// A Session owns one Chromium instance with a single browser context. Tabs
// are pages in that context, identified by ids the session hands out. The
// session implements orchestrator.Platform: it opens and lists tabs, reports
// load completion as tab updates and injects content scripts. Injecting a
// script installs a small DOM bridge into the page and attaches the script
// to a page.Document backed by that bridge.
//
// # Session Lifecycle
//
//  1. Initialize: SessionManager.Initialize installs and starts Playwright
//  2. Start: StartSession launches a browser and returns the Session
//  3. Use: the orchestrator drives tabs through the Session
//  4. Close: CloseSession or Shutdown release every browser resource
//
// # Example Usage
//
//	manager := browser.NewSessionManager()
//	if err := manager.Initialize(); err != nil {
//	    return err
//	}
//	defer manager.Shutdown()
//
//	session, err := manager.StartSession("destination", browser.SessionOptions{Headless: true})
//	if err != nil {
//	    return err
//	}
//	session.RegisterScript(script.Name(), script)
package browser
