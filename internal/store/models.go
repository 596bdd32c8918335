package store

import (
	"time"

	"marginalia/api/internal/itemstore"
)

// MirrorItem is one store item as persisted in the local mirror. Fields
// holds the full flat field set; the indexed columns are projections of it.
type MirrorItem struct {
	LibraryKey string
	ItemKey    string
	Version    int
	ParentKey  string
	ItemType   string
	Deleted    bool
	Fields     itemstore.Item
	UpdatedAt  time.Time
}

// ViewState is the per-attachment reader state persisted across sessions
// and replayed into the viewer init payload.
type ViewState struct {
	SidebarWidth int
	SidebarOpen  bool
	State        map[string]any
	UpdatedAt    time.Time
}

func DefaultViewState() ViewState {
	return ViewState{SidebarWidth: 240, SidebarOpen: true}
}
