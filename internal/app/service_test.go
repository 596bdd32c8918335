package app

import (
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"marginalia/api/internal/export"
	"marginalia/api/internal/itemstore"
	"marginalia/api/internal/rbac"
)

type knownSettings struct {
	fakeSettings
	entries map[string]itemstore.SettingsEntry
}

func (k *knownSettings) Known(libraryKey, key string) (itemstore.SettingsEntry, bool) {
	entry, ok := k.entries[libraryKey+":"+key]
	return entry, ok
}

func TestSessionRoundTrip(t *testing.T) {
	svc := NewService(Options{
		Secret:   []byte("secret"),
		TokenTTL: time.Minute,
		Logger:   log.New(&strings.Builder{}, "", 0),
	})

	resp, err := svc.OpenSession(context.Background(), OpenSessionRequest{
		UserSlug:   "ada",
		LibraryKey: "g42",
		ItemKey:    "ITEM1",
		Access:     "member",
		IsGroup:    true,
	})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	session, err := svc.SessionFromToken(resp.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if session.UserSlug != "ada" || session.ItemKey != "ITEM1" {
		t.Errorf("session = %+v", session)
	}
	if session.Library.Key != "g42" || !session.Library.IsGroup {
		t.Errorf("library = %+v", session.Library)
	}
	if session.Library.Access != rbac.AccessMember {
		t.Errorf("access = %s", session.Library.Access)
	}
	if session.JTI == "" {
		t.Error("JTI empty")
	}
}

func TestOpenSessionNormalizesUnknownAccess(t *testing.T) {
	svc := NewService(Options{Secret: []byte("secret"), Logger: log.New(&strings.Builder{}, "", 0)})

	resp, err := svc.OpenSession(context.Background(), OpenSessionRequest{
		UserSlug: "ada", LibraryKey: "u7", ItemKey: "ITEM1", Access: "admin",
	})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	session, err := svc.SessionFromToken(resp.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if session.Library.Access != rbac.AccessReader {
		t.Errorf("access = %s, want reader fallback", session.Library.Access)
	}
	if !session.Library.ReadOnly() {
		t.Error("unknown access should be read-only")
	}
}

func TestTagColorsFromSettings(t *testing.T) {
	settings := &knownSettings{entries: map[string]itemstore.SettingsEntry{
		"u7:tagColors": {
			Value: []any{
				map[string]any{"name": "method", "color": "#00ccff"},
				map[string]any{"name": "claim", "color": "#ff6666"},
				map[string]any{"name": "incomplete"},
			},
			Version: 3,
		},
	}}
	exporter := &fakeExporter{result: &export.Result{}}
	svc := NewService(Options{
		Settings: settings,
		Exporter: exporter,
		Secret:   []byte("secret"),
		Logger:   log.New(&strings.Builder{}, "", 0),
	})

	session := Session{Library: rbac.Library{Key: "u7", Access: rbac.AccessOwner}, ItemKey: "ITEM1"}
	if _, err := svc.Export(context.Background(), session, export.FormatHTML, true); err != nil {
		t.Fatalf("Export: %v", err)
	}
	colors := exporter.lastReq.TagColors
	if colors["method"] != "#00ccff" || colors["claim"] != "#ff6666" {
		t.Errorf("tag colors = %v", colors)
	}
	if _, ok := colors["incomplete"]; ok {
		t.Error("entry without color should be skipped")
	}
}

func TestNewReaderSessionConstructed(t *testing.T) {
	svc := NewService(Options{
		Client:     &fakeItemClient{},
		Mirror:     &fakeAppMirror{},
		Reconciler: &fakeAppReconciler{},
		Extractor:  &fakeAppExtractor{},
		Cache:      &fakeAppCache{},
		Search:     &fakeSearcher{},
		Settings:   &fakeSettings{},
		Secret:     []byte("secret"),
		Logger:     log.New(&strings.Builder{}, "", 0),
	})

	session := Session{
		UserSlug: "ada",
		Library:  rbac.Library{Key: "u7", Access: rbac.AccessOwner},
		ItemKey:  "ITEM1",
	}
	rs := svc.NewReader(session)
	if rs == nil {
		t.Fatal("nil reader session")
	}

	rs.Evaluate(context.Background())
	if !rs.Ready() {
		t.Error("pipeline with resident fakes should reach ready")
	}
}
