package reader

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"marginalia/api/internal/annot"
	"marginalia/api/internal/fetch"
	"marginalia/api/internal/itemstore"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

type fakeClient struct {
	mu          sync.Mutex
	detailCalls int
	dataCalls   int

	item        itemstore.Item
	found       bool
	children    []itemstore.Item
	data        []byte
	detailsFunc func(ctx context.Context, libraryKey, itemKey string) (itemstore.Item, bool, error)
}

func (f *fakeClient) FetchItemDetails(ctx context.Context, libraryKey, itemKey string) (itemstore.Item, bool, error) {
	f.mu.Lock()
	f.detailCalls++
	f.mu.Unlock()
	if f.detailsFunc != nil {
		return f.detailsFunc(ctx, libraryKey, itemKey)
	}
	return f.item, f.found, nil
}

func (f *fakeClient) FetchChildItems(ctx context.Context, libraryKey, parentKey string, start, limit int) (itemstore.ChildPage, error) {
	return itemstore.ChildPage{
		Items:          f.children,
		TotalResults:   len(f.children),
		LibraryVersion: 12,
	}, nil
}

func (f *fakeClient) TryGetAttachmentURL(ctx context.Context, libraryKey, itemKey string) (string, error) {
	return "https://files.example.com/signed/" + itemKey, nil
}

func (f *fakeClient) FetchAttachmentData(ctx context.Context, signedURL string) ([]byte, error) {
	f.mu.Lock()
	f.dataCalls++
	f.mu.Unlock()
	return f.data, nil
}

type fakeMirror struct {
	mu        sync.Mutex
	items     map[string]itemstore.Item
	upserted  [][]itemstore.Item
	viewState store.ViewState
	hasState  bool
	saved     []store.ViewState
}

func (f *fakeMirror) ItemMap(ctx context.Context, libraryKey, parentKey string) (map[string]itemstore.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]itemstore.Item, len(f.items))
	for key, item := range f.items {
		out[key] = item
	}
	return out, nil
}

func (f *fakeMirror) UpsertItems(ctx context.Context, libraryKey string, items []itemstore.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, items)
	return nil
}

func (f *fakeMirror) SetLibraryVersion(ctx context.Context, libraryKey string, version int) error {
	return nil
}

func (f *fakeMirror) GetViewState(ctx context.Context, libraryKey, itemKey string) (store.ViewState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasState {
		return store.DefaultViewState(), nil
	}
	return f.viewState, nil
}

func (f *fakeMirror) SaveViewState(ctx context.Context, libraryKey, itemKey string, state store.ViewState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewState = state
	f.hasState = true
	f.saved = append(f.saved, state)
	return nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	records []annot.Raw
	err     error
	failN   int
}

func (f *fakeExtractor) Extract(ctx context.Context, viewerType string, data []byte) ([]annot.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN > 0 {
		f.failN--
		return nil, f.err
	}
	return f.records, nil
}

type fakeReconciler struct {
	mu     sync.Mutex
	calls  int
	raws   []annot.Raw
	result annot.ReconcileResult
	err    error
}

func (f *fakeReconciler) Reconcile(ctx context.Context, libraryKey, parentKey string, raws []annot.Raw, items map[string]itemstore.Item, libraryVersion int) (annot.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.raws = raws
	return f.result, f.err
}

type fakeIndexer struct {
	mu      sync.Mutex
	records []search.AnnotationRecord
}

func (f *fakeIndexer) IndexAnnotations(records []search.AnnotationRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
}

func storedAnnotation(key, sortIndex string) itemstore.Item {
	return itemstore.Item{
		"key":                 key,
		"version":             float64(5),
		"itemType":            "annotation",
		"parentItem":          "ITEM1",
		"annotationType":      "highlight",
		"annotationText":      "stored text",
		"annotationSortIndex": sortIndex,
	}
}

func newTestSession(t *testing.T, client *fakeClient, mirror *fakeMirror, ext *fakeExtractor, rec *fakeReconciler, idx *fakeIndexer, library rbac.Library) *Session {
	t.Helper()
	orch := fetch.NewOrchestrator(client, fetch.Options{
		LibraryKey: library.Key,
		ItemKey:    "ITEM1",
		Mirror:     mirror,
		Logger:     log.New(&strings.Builder{}, "", 0),
	})
	var ix indexer
	if idx != nil {
		ix = idx
	}
	return NewSession(Options{
		Orchestrator: orch,
		Extractor:    ext,
		Reconciler:   rec,
		Mirror:       mirror,
		Indexer:      ix,
		Library:      library,
		UserSlug:     "ada",
		ItemKey:      "ITEM1",
		Logger:       log.New(&strings.Builder{}, "", 0),
	})
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case event := <-s.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func noEvent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case event := <-s.Events():
		t.Fatalf("unexpected event %s", event.Type)
	default:
	}
}

func pdfAttachment() itemstore.Item {
	return itemstore.Item{
		"key":         "ITEM1",
		"itemType":    "attachment",
		"contentType": "application/pdf",
	}
}

func TestEvaluateReachesReadyAndEmitsInit(t *testing.T) {
	client := &fakeClient{
		item:     pdfAttachment(),
		found:    true,
		children: []itemstore.Item{storedAnnotation("AAAA1111", "00001|000000|00000")},
		data:     []byte("%PDF-1.7"),
	}
	mirror := &fakeMirror{items: map[string]itemstore.Item{
		"AAAA1111": storedAnnotation("AAAA1111", "00001|000000|00000"),
	}}
	ext := &fakeExtractor{records: []annot.Raw{{"id": "ext1", "type": "highlight"}}}
	s := newTestSession(t, client, mirror, ext, &fakeReconciler{}, nil, rbac.Library{Key: "u7", Access: rbac.AccessOwner})

	s.Evaluate(context.Background())

	if !s.Ready() {
		t.Fatal("session not ready")
	}
	event := nextEvent(t, s)
	if event.Type != EventInit {
		t.Fatalf("event type = %s, want init", event.Type)
	}
	if event.Payload["type"] != "pdf" {
		t.Errorf("payload type = %v", event.Payload["type"])
	}
	annotations := event.Payload["annotations"].([]annot.Raw)
	if len(annotations) != 2 {
		t.Fatalf("annotations = %d, want stored + imported", len(annotations))
	}
	if annotations[0]["id"] != "AAAA1111" {
		t.Errorf("first annotation id = %v", annotations[0]["id"])
	}
	if event.Payload["sidebarWidth"] != 240 || event.Payload["sidebarOpen"] != true {
		t.Errorf("sidebar defaults = %v/%v", event.Payload["sidebarWidth"], event.Payload["sidebarOpen"])
	}
	if event.Payload["showAnnotations"] != true {
		t.Error("showAnnotations not set")
	}
	data := event.Payload["data"].(map[string]any)
	if string(data["buf"].([]byte)) != "%PDF-1.7" {
		t.Errorf("buf = %q", data["buf"])
	}
	if data["baseURI"] != "https://files.example.com/signed/ITEM1" {
		t.Errorf("baseURI = %v", data["baseURI"])
	}
	if event.Payload["authorName"] != "" {
		t.Errorf("authorName = %v in user library", event.Payload["authorName"])
	}
}

func TestGroupLibraryInitCarriesAuthorName(t *testing.T) {
	client := &fakeClient{item: pdfAttachment(), found: true, data: []byte("%PDF")}
	mirror := &fakeMirror{}
	ext := &fakeExtractor{}
	s := newTestSession(t, client, mirror, ext, &fakeReconciler{}, nil,
		rbac.Library{Key: "g42", IsGroup: true, Access: rbac.AccessMember})

	s.Evaluate(context.Background())

	event := nextEvent(t, s)
	if event.Type != EventInit {
		t.Fatalf("event type = %s", event.Type)
	}
	if event.Payload["authorName"] != "ada" {
		t.Errorf("authorName = %v, want ada", event.Payload["authorName"])
	}
	if event.Payload["readOnly"] != false {
		t.Error("member access should not be read-only")
	}
}

func TestNotFoundEmitsNavigateBackOnce(t *testing.T) {
	client := &fakeClient{found: false}
	s := newTestSession(t, client, &fakeMirror{}, &fakeExtractor{}, &fakeReconciler{}, nil,
		rbac.Library{Key: "u7", Access: rbac.AccessOwner})

	s.Evaluate(context.Background())
	event := nextEvent(t, s)
	if event.Type != EventNavigateBack {
		t.Fatalf("event type = %s, want navigateBack", event.Type)
	}

	s.Evaluate(context.Background())
	noEvent(t, s)
}

func TestUnsupportedContentTypeEmitsNavigateAwayOnce(t *testing.T) {
	client := &fakeClient{
		item:  itemstore.Item{"key": "ITEM1", "itemType": "attachment", "contentType": "image/tiff"},
		found: true,
	}
	s := newTestSession(t, client, &fakeMirror{}, &fakeExtractor{}, &fakeReconciler{}, nil,
		rbac.Library{Key: "u7", Access: rbac.AccessOwner})

	s.Evaluate(context.Background())
	event := nextEvent(t, s)
	if event.Type != EventNavigateAway {
		t.Fatalf("event type = %s, want navigateAway", event.Type)
	}

	s.Evaluate(context.Background())
	noEvent(t, s)
}

func TestImportFailureRetriesWithoutRefetchingBinary(t *testing.T) {
	client := &fakeClient{item: pdfAttachment(), found: true, data: []byte("%PDF")}
	ext := &fakeExtractor{
		records: []annot.Raw{{"id": "ext1"}},
		err:     errors.New("worker exited"),
		failN:   1,
	}
	s := newTestSession(t, client, &fakeMirror{}, ext, &fakeReconciler{}, nil,
		rbac.Library{Key: "u7", Access: rbac.AccessOwner})

	s.Evaluate(context.Background())
	if s.Ready() {
		t.Fatal("ready despite failed import")
	}
	if s.AnnotationsState() != NotImported {
		t.Fatalf("state = %d after failure", s.AnnotationsState())
	}
	if s.ImportError() == nil {
		t.Fatal("import error not recorded")
	}

	s.Evaluate(context.Background())
	if !s.Ready() {
		t.Fatal("retry did not reach ready")
	}
	if s.ImportError() != nil {
		t.Errorf("import error not cleared: %v", s.ImportError())
	}
	client.mu.Lock()
	dataCalls := client.dataCalls
	client.mu.Unlock()
	if dataCalls != 1 {
		t.Errorf("binary fetched %d times across retry, want 1", dataCalls)
	}
	ext.mu.Lock()
	extractCalls := ext.calls
	ext.mu.Unlock()
	if extractCalls != 2 {
		t.Errorf("extract calls = %d, want 2", extractCalls)
	}
}

func TestPushOnlyWhenStoreSetChanges(t *testing.T) {
	mirror := &fakeMirror{items: map[string]itemstore.Item{
		"AAAA1111": storedAnnotation("AAAA1111", "00001|000000|00000"),
	}}
	client := &fakeClient{item: pdfAttachment(), found: true, data: []byte("%PDF")}
	ext := &fakeExtractor{records: []annot.Raw{{"id": "ext1"}}}
	s := newTestSession(t, client, mirror, ext, &fakeReconciler{}, nil,
		rbac.Library{Key: "u7", Access: rbac.AccessOwner})

	s.Evaluate(context.Background())
	if event := nextEvent(t, s); event.Type != EventInit {
		t.Fatalf("first event = %s", event.Type)
	}

	// Unchanged store set: no push.
	s.Evaluate(context.Background())
	noEvent(t, s)

	mirror.mu.Lock()
	mirror.items["BBBB2222"] = storedAnnotation("BBBB2222", "00002|000000|00000")
	mirror.mu.Unlock()

	s.Evaluate(context.Background())
	event := nextEvent(t, s)
	if event.Type != EventPush {
		t.Fatalf("event = %s, want push", event.Type)
	}
	if len(event.Annotations) != 3 {
		t.Errorf("pushed %d annotations, want 2 stored + 1 imported", len(event.Annotations))
	}
	if event.Annotations[0]["id"] != "AAAA1111" || event.Annotations[1]["id"] != "BBBB2222" {
		t.Errorf("push order = %v, %v", event.Annotations[0]["id"], event.Annotations[1]["id"])
	}

	s.Evaluate(context.Background())
	noEvent(t, s)
}

func TestSaveAnnotationsFoldsWritesIntoMirrorAndIndex(t *testing.T) {
	mirror := &fakeMirror{items: map[string]itemstore.Item{}}
	created := storedAnnotation("CCCC3333", "00003|000000|00000")
	rec := &fakeReconciler{result: annot.ReconcileResult{
		Created: itemstore.WriteResult{Successful: map[string]itemstore.Item{"0": created}},
	}}
	idx := &fakeIndexer{}
	client := &fakeClient{item: pdfAttachment(), found: true, data: []byte("%PDF")}
	s := newTestSession(t, client, mirror, &fakeExtractor{}, rec, idx,
		rbac.Library{Key: "u7", Access: rbac.AccessOwner})

	err := s.SaveAnnotations(context.Background(), []annot.Raw{{"id": "new1", "type": "highlight"}})
	if err != nil {
		t.Fatalf("SaveAnnotations: %v", err)
	}
	rec.mu.Lock()
	if rec.calls != 1 || len(rec.raws) != 1 {
		t.Errorf("reconciler calls = %d raws = %d", rec.calls, len(rec.raws))
	}
	rec.mu.Unlock()
	mirror.mu.Lock()
	if len(mirror.upserted) != 1 || len(mirror.upserted[0]) != 1 {
		t.Fatalf("mirror upserts = %v", mirror.upserted)
	}
	mirror.mu.Unlock()
	idx.mu.Lock()
	if len(idx.records) != 1 || idx.records[0].ID != "CCCC3333" {
		t.Errorf("indexed records = %v", idx.records)
	}
	idx.mu.Unlock()
}

func TestSaveAnnotationsReadOnlyRefused(t *testing.T) {
	rec := &fakeReconciler{}
	client := &fakeClient{item: pdfAttachment(), found: true}
	s := newTestSession(t, client, &fakeMirror{}, &fakeExtractor{}, rec, nil,
		rbac.Library{Key: "g9", IsGroup: true, Access: rbac.AccessReader})

	if err := s.SaveAnnotations(context.Background(), []annot.Raw{{"id": "x"}}); err == nil {
		t.Fatal("read-only save accepted")
	}
	rec.mu.Lock()
	if rec.calls != 0 {
		t.Errorf("reconciler called %d times on read-only library", rec.calls)
	}
	rec.mu.Unlock()
}

func TestSaveAnnotationsPartialTemplateFailure(t *testing.T) {
	created := storedAnnotation("DDDD4444", "00004|000000|00000")
	templateErr := &annot.TemplateResolutionError{Failed: map[string]error{"image": errors.New("boom")}}
	rec := &fakeReconciler{
		result: annot.ReconcileResult{
			Created: itemstore.WriteResult{Successful: map[string]itemstore.Item{"0": created}},
		},
		err: templateErr,
	}
	mirror := &fakeMirror{items: map[string]itemstore.Item{}}
	client := &fakeClient{item: pdfAttachment(), found: true}
	s := newTestSession(t, client, mirror, &fakeExtractor{}, rec, nil,
		rbac.Library{Key: "u7", Access: rbac.AccessOwner})

	if err := s.SaveAnnotations(context.Background(), []annot.Raw{{"id": "a"}, {"id": "b"}}); err != nil {
		t.Fatalf("partial failure returned error: %v", err)
	}
	event := nextEvent(t, s)
	if event.Type != EventError {
		t.Fatalf("event = %s, want error", event.Type)
	}
	var got *annot.TemplateResolutionError
	if !errors.As(event.Err, &got) {
		t.Fatalf("event error = %T", event.Err)
	}
	mirror.mu.Lock()
	if len(mirror.upserted) != 1 {
		t.Errorf("successful sibling not folded in: %v", mirror.upserted)
	}
	mirror.mu.Unlock()
}

func TestSaveViewStateMergesFields(t *testing.T) {
	mirror := &fakeMirror{}
	client := &fakeClient{item: pdfAttachment(), found: true}
	s := newTestSession(t, client, mirror, &fakeExtractor{}, &fakeReconciler{}, nil,
		rbac.Library{Key: "u7", Access: rbac.AccessOwner})

	err := s.SaveViewState(context.Background(), map[string]any{
		"sidebarWidth": float64(320),
		"sidebarOpen":  false,
		"pageIndex":    float64(4),
	})
	if err != nil {
		t.Fatalf("SaveViewState: %v", err)
	}
	mirror.mu.Lock()
	first := mirror.viewState
	mirror.mu.Unlock()
	if first.SidebarWidth != 320 || first.SidebarOpen {
		t.Errorf("view state = %+v", first)
	}
	if first.State["pageIndex"] != float64(4) {
		t.Errorf("page state = %v", first.State)
	}

	// A second save with only page state keeps the sidebar settings.
	if err := s.SaveViewState(context.Background(), map[string]any{"pageIndex": float64(9)}); err != nil {
		t.Fatalf("SaveViewState: %v", err)
	}
	mirror.mu.Lock()
	second := mirror.viewState
	mirror.mu.Unlock()
	if second.SidebarWidth != 320 {
		t.Errorf("sidebar width reset to %d", second.SidebarWidth)
	}
	if second.State["pageIndex"] != float64(9) {
		t.Errorf("page state = %v", second.State)
	}
}
