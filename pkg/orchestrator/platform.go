package orchestrator

import "context"

// TabID identifies a tab on the host platform. The empty TabID means the
// platform did not report one.
type TabID string

// TabStatus is a tab's loading state.
type TabStatus string

const (
	StatusLoading  TabStatus = "loading"
	StatusComplete TabStatus = "complete"
)

// Tab describes an open tab.
type Tab struct {
	ID     TabID
	URL    string
	Status TabStatus
}

// TabUpdate is a broadcast tab state change.
type TabUpdate struct {
	ID     TabID
	Status TabStatus
}

// Platform is the host that owns tabs and runs scripts inside them.
type Platform interface {
	// CreateTab opens a new tab at url.
	CreateTab(ctx context.Context, url string) (Tab, error)

	// Tabs lists the open tabs.
	Tabs(ctx context.Context) ([]Tab, error)

	// SubscribeTabUpdates registers fn for every tab update. fn must not
	// block. The returned function removes the subscription.
	SubscribeTabUpdates(fn func(TabUpdate)) (unsubscribe func())

	// TabStatus reads a tab's current loading state.
	TabStatus(ctx context.Context, id TabID) (TabStatus, error)

	// InjectScript runs the named content script in the tab.
	InjectScript(ctx context.Context, id TabID, script string) error
}
