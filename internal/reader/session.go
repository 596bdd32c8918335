// Package reader coordinates the annotation pipeline for one open
// attachment: fetch stages, extraction import, reconciliation, and keeping
// a live viewer in sync with the store.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"sync"
	"time"

	"marginalia/api/internal/annot"
	"marginalia/api/internal/bridge"
	"marginalia/api/internal/extract"
	"marginalia/api/internal/fetch"
	"marginalia/api/internal/itemstore"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

// AnnotationsState tracks the extraction import independently of the data
// fetch.
type AnnotationsState int

const (
	NotImported AnnotationsState = iota
	Importing
	Imported
)

// ReconciliationError is raised when building the reconciled annotation set
// fails; the session does not enter the ready state while it stands.
type ReconciliationError struct {
	Err error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile annotations: %v", e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

type EventType string

const (
	// EventInit carries the viewer init payload, emitted on the first entry
	// into the ready state.
	EventInit EventType = "init"
	// EventPush carries the combined annotation set for a live viewer.
	EventPush EventType = "push"
	// EventNavigateAway signals the attachment cannot be shown in the viewer.
	EventNavigateAway EventType = "navigateAway"
	// EventNavigateBack signals the attachment no longer exists.
	EventNavigateBack EventType = "navigateBack"
	// EventError surfaces a processing error to the host application.
	EventError EventType = "error"
)

type Event struct {
	Type        EventType
	Payload     map[string]any
	Annotations []annot.Raw
	Err         error
}

type extractor interface {
	Extract(ctx context.Context, viewerType string, data []byte) ([]annot.Raw, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, libraryKey, parentKey string, raws []annot.Raw, items map[string]itemstore.Item, libraryVersion int) (annot.ReconcileResult, error)
}

type mirrorStore interface {
	ItemMap(ctx context.Context, libraryKey, parentKey string) (map[string]itemstore.Item, error)
	UpsertItems(ctx context.Context, libraryKey string, items []itemstore.Item) error
	GetViewState(ctx context.Context, libraryKey, itemKey string) (store.ViewState, error)
	SaveViewState(ctx context.Context, libraryKey, itemKey string, state store.ViewState) error
}

type indexer interface {
	IndexAnnotations(records []search.AnnotationRecord)
}

// Options assemble a session's collaborators.
type Options struct {
	Orchestrator     *fetch.Orchestrator
	Extractor        extractor
	Reconciler       reconciler
	Mirror           mirrorStore
	Indexer          indexer
	Library          rbac.Library
	UserSlug         string
	ItemKey          string
	TagColors        map[string]string
	LocalizedStrings map[string]string
	Logger           *log.Logger
}

// Session is the per-attachment state machine. Evaluate is an idempotent
// pass: every call re-checks each stage's guard and advances whatever is
// both unsatisfied and not in flight, so a failed stage retries naturally
// on the next pass.
type Session struct {
	orch       *fetch.Orchestrator
	extractor  extractor
	reconciler reconciler
	mirror     mirrorStore
	indexer    indexer
	library    rbac.Library
	userSlug   string
	itemKey    string
	tagColors  map[string]string
	localized  map[string]string
	logger     *log.Logger

	mu            sync.Mutex
	annState      AnnotationsState
	annErr        error
	imported      []annot.Raw
	isReady       bool
	navSignaled   bool
	lastProcessed []annot.Raw

	events chan Event
	poke   chan struct{}
}

func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		orch:       opts.Orchestrator,
		extractor:  opts.Extractor,
		reconciler: opts.Reconciler,
		mirror:     opts.Mirror,
		indexer:    opts.Indexer,
		library:    opts.Library,
		userSlug:   opts.UserSlug,
		itemKey:    opts.ItemKey,
		tagColors:  opts.TagColors,
		localized:  opts.LocalizedStrings,
		logger:     logger,
		events:     make(chan Event, 16),
		poke:       make(chan struct{}, 1),
	}
}

// Events is the stream the host application consumes: init payload,
// annotation pushes, navigation signals, processing errors.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Poke schedules an immediate evaluation pass from Run's loop.
func (s *Session) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Run evaluates on a fixed cadence and on every Poke until ctx ends.
func (s *Session) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.Evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate(ctx)
		case <-s.poke:
			s.Evaluate(ctx)
		}
	}
}

// AnnotationsState returns the current import state.
func (s *Session) AnnotationsState() AnnotationsState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.annState
}

// Ready reports whether the viewer init payload has been emitted.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isReady
}

func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Printf("reader: event %s dropped, consumer lagging", event.Type)
	}
}

// Evaluate runs one pipeline pass. Safe to call from any goroutine; stage
// guards ensure at most one instance of each stage runs at a time.
func (s *Session) Evaluate(ctx context.Context) {
	_ = s.orch.EnsureMetadata(ctx)
	state := s.orch.Snapshot()

	if state.NotFound || state.Unsupported {
		s.mu.Lock()
		signaled := s.navSignaled
		s.navSignaled = true
		s.mu.Unlock()
		if !signaled {
			if state.NotFound {
				s.emit(Event{Type: EventNavigateBack})
			} else {
				s.emit(Event{Type: EventNavigateAway})
			}
		}
		return
	}
	if !state.HasMetadata {
		return
	}

	_ = s.orch.EnsureChildren(ctx)
	_ = s.orch.EnsureURL(ctx)
	_ = s.orch.EnsureData(ctx)

	state = s.orch.Snapshot()
	if state.Data != nil {
		s.importAnnotations(ctx, state)
	}

	state = s.orch.Snapshot()
	s.maybeReady(ctx, state)
}

// importAnnotations runs the extraction import once per resident binary.
// Failure resets to NotImported with a recorded error; the next pass
// retries against the same binary.
func (s *Session) importAnnotations(ctx context.Context, state fetch.State) {
	s.mu.Lock()
	if s.annState != NotImported {
		s.mu.Unlock()
		return
	}
	s.annState = Importing
	s.mu.Unlock()

	// The worker consumes its buffer; hand it a duplicate so the resident
	// binary stays valid for the viewer init payload.
	records, err := s.extractor.Extract(ctx, state.ViewerType, extract.Duplicate(state.Data))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.annState = NotImported
		s.annErr = err
		s.logger.Printf("reader: import for %s failed: %v", s.itemKey, err)
		return
	}
	s.annState = Imported
	s.annErr = nil
	s.imported = records
}

// maybeReady enters the ready state when children are fully fetched, the
// binary is resident, and the import has completed. The first entry builds
// the init payload; later passes push the combined set whenever the
// store-side annotations structurally differ from what was last pushed.
func (s *Session) maybeReady(ctx context.Context, state fetch.State) {
	s.mu.Lock()
	ready := s.isReady
	imported := s.imported
	annState := s.annState
	s.mu.Unlock()

	if !state.ChildrenFetched || state.Data == nil || annState != Imported {
		return
	}

	processed, err := s.processedAnnotations(ctx)
	if err != nil {
		s.emit(Event{Type: EventError, Err: &ReconciliationError{Err: err}})
		return
	}

	if !ready {
		viewState, err := s.mirror.GetViewState(ctx, s.library.Key, s.itemKey)
		if err != nil {
			s.logger.Printf("reader: view state for %s: %v", s.itemKey, err)
			viewState = store.DefaultViewState()
		}
		payload := s.buildInitPayload(state, append(append([]annot.Raw{}, processed...), imported...), viewState)
		s.mu.Lock()
		s.isReady = true
		s.lastProcessed = processed
		s.mu.Unlock()
		s.emit(Event{Type: EventInit, Payload: payload})
		return
	}

	s.mu.Lock()
	changed := !reflect.DeepEqual(s.lastProcessed, processed)
	if changed {
		s.lastProcessed = processed
	}
	s.mu.Unlock()
	if changed {
		s.emit(Event{Type: EventPush, Annotations: append(append([]annot.Raw{}, processed...), imported...)})
	}
}

// processedAnnotations maps the mirror's annotation snapshot into viewer
// records, ordered by sort index.
func (s *Session) processedAnnotations(ctx context.Context) ([]annot.Raw, error) {
	items, err := s.mirror.ItemMap(ctx, s.library.Key, s.itemKey)
	if err != nil {
		return nil, err
	}
	opts := annot.RecordOptions{
		AuthorName: s.library.AuthorName(s.userSlug),
		ReadOnly:   s.library.ReadOnly(),
		TagColors:  s.tagColors,
	}
	records := make([]annot.Raw, 0, len(items))
	for _, item := range items {
		records = append(records, annot.ItemToRecord(item, opts))
	}
	sort.Slice(records, func(i, j int) bool {
		si, _ := records[i]["sortIndex"].(string)
		sj, _ := records[j]["sortIndex"].(string)
		if si != sj {
			return si < sj
		}
		idi, _ := records[i]["id"].(string)
		idj, _ := records[j]["id"].(string)
		return idi < idj
	})
	return records, nil
}

func (s *Session) buildInitPayload(state fetch.State, annotations []annot.Raw, viewState store.ViewState) map[string]any {
	return bridge.BuildInitPayload(bridge.InitParams{
		Type:             state.ViewerType,
		Buf:              state.Data,
		BaseURI:          state.URL,
		Annotations:      annotations,
		ReadOnly:         s.library.ReadOnly(),
		AuthorName:       s.library.AuthorName(s.userSlug),
		SidebarWidth:     viewState.SidebarWidth,
		SidebarOpen:      viewState.SidebarOpen,
		LocalizedStrings: s.localized,
	})
}

// SaveAnnotations is the viewer's save callback: one reconciliation pass
// against the mirror snapshot, successful writes folded back into the
// mirror and the search index, then an evaluation to push the result.
func (s *Session) SaveAnnotations(ctx context.Context, raws []annot.Raw) error {
	if s.library.ReadOnly() {
		return fmt.Errorf("library %s is read-only", s.library.Key)
	}
	items, err := s.mirror.ItemMap(ctx, s.library.Key, s.itemKey)
	if err != nil {
		return &ReconciliationError{Err: err}
	}
	version := s.orch.Snapshot().LibraryVersion

	result, err := s.reconciler.Reconcile(ctx, s.library.Key, s.itemKey, raws, items, version)
	if err != nil {
		var templateErr *annot.TemplateResolutionError
		if !errors.As(err, &templateErr) {
			return err
		}
		// Partial failure: fold in what succeeded, surface the rest.
		s.emit(Event{Type: EventError, Err: templateErr})
	}

	written := make([]itemstore.Item, 0, len(result.Updated.Successful)+len(result.Created.Successful))
	for _, item := range result.Updated.Successful {
		written = append(written, item)
	}
	for _, item := range result.Created.Successful {
		written = append(written, item)
	}
	if len(written) > 0 {
		if err := s.mirror.UpsertItems(ctx, s.library.Key, written); err != nil {
			s.logger.Printf("reader: mirror fold-in for %s: %v", s.itemKey, err)
		}
		if s.indexer != nil {
			records := make([]search.AnnotationRecord, 0, len(written))
			for _, item := range written {
				records = append(records, search.RecordFromItem(s.library.Key, item))
			}
			s.indexer.IndexAnnotations(records)
		}
	}
	s.Poke()
	return nil
}

// SaveViewState persists sidebar and page state from the viewer's
// change-view-state callback.
func (s *Session) SaveViewState(ctx context.Context, raw map[string]any) error {
	viewState, err := s.mirror.GetViewState(ctx, s.library.Key, s.itemKey)
	if err != nil {
		viewState = store.DefaultViewState()
	}
	if width, ok := raw["sidebarWidth"].(float64); ok {
		viewState.SidebarWidth = int(width)
	}
	if open, ok := raw["sidebarOpen"].(bool); ok {
		viewState.SidebarOpen = open
	}
	if viewState.State == nil {
		viewState.State = map[string]any{}
	}
	for key, value := range raw {
		if key == "sidebarWidth" || key == "sidebarOpen" {
			continue
		}
		viewState.State[key] = value
	}
	return s.mirror.SaveViewState(ctx, s.library.Key, s.itemKey, viewState)
}

// ImportError returns the recorded extraction error, if any.
func (s *Session) ImportError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.annErr
}
