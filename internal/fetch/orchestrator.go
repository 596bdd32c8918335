package fetch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"marginalia/api/internal/itemstore"
)

// Viewer content types an attachment must resolve to before the pipeline
// proceeds.
const (
	TypePDF      = "pdf"
	TypeEPUB     = "epub"
	TypeSnapshot = "snapshot"
)

var viewerContentTypes = map[string]string{
	"application/pdf":      TypePDF,
	"application/epub+zip": TypeEPUB,
	"text/html":            TypeSnapshot,
}

// FetchError records which acquisition stage failed. Stage errors are
// absorbed into state and retried on the next evaluation.
type FetchError struct {
	Stage string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Stage, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type storeClient interface {
	FetchItemDetails(ctx context.Context, libraryKey, itemKey string) (itemstore.Item, bool, error)
	FetchChildItems(ctx context.Context, libraryKey, parentKey string, start, limit int) (itemstore.ChildPage, error)
	TryGetAttachmentURL(ctx context.Context, libraryKey, itemKey string) (string, error)
	FetchAttachmentData(ctx context.Context, signedURL string) ([]byte, error)
}

type urlCache interface {
	Get(ctx context.Context, libraryKey, itemKey string) (string, time.Time, bool, error)
	Put(ctx context.Context, libraryKey, itemKey, url string, issued time.Time) error
}

type mirror interface {
	UpsertItems(ctx context.Context, libraryKey string, items []itemstore.Item) error
	SetLibraryVersion(ctx context.Context, libraryKey string, version int) error
}

// State is the per-attachment acquisition record. All fields are owned by
// the Orchestrator; readers take a snapshot under its lock via Snapshot.
type State struct {
	LibraryKey string
	ItemKey    string

	Item        itemstore.Item
	HasMetadata bool
	NotFound    bool
	ViewerType  string
	Unsupported bool
	MetadataErr error

	URL         string
	URLIssuedAt time.Time
	URLErr      error

	Data    []byte
	DataErr error

	Children        []itemstore.Item
	ChildrenFetched bool
	Pointer         int
	TotalResults    int
	ChildrenErr     error

	LibraryVersion int
}

// URLFresh reports whether the signed URL is still inside the freshness
// window at the given instant.
func (s *State) URLFresh(now time.Time, window time.Duration) bool {
	return s.URL != "" && now.Sub(s.URLIssuedAt) < window
}

// Annotations returns the fetched children filtered to non-deleted
// annotation items.
func (s *State) Annotations() []itemstore.Item {
	var out []itemstore.Item
	for _, child := range s.Children {
		if itemstore.ItemDeleted(child) {
			continue
		}
		if itemstore.ItemType(child) != "annotation" {
			continue
		}
		out = append(out, child)
	}
	return out
}

// Orchestrator drives the ordered acquisition of attachment metadata, signed
// URL, binary payload, and paginated children. Every Ensure operation is
// idempotent: gated by "not in flight" and "not already satisfied", so a
// failed stage simply retries on the next evaluation pass.
type Orchestrator struct {
	client   storeClient
	cache    urlCache
	mirror   mirror
	window   time.Duration
	pageSize int
	now      func() time.Time
	logger   *log.Logger

	mu       sync.Mutex
	state    State
	inFlight map[string]bool
}

type Options struct {
	LibraryKey string
	ItemKey    string
	URLWindow  time.Duration
	PageSize   int
	Cache      urlCache
	Mirror     mirror
	Now        func() time.Time
	Logger     *log.Logger
}

func NewOrchestrator(client storeClient, opts Options) *Orchestrator {
	window := opts.URLWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		client:   client,
		cache:    opts.Cache,
		mirror:   opts.Mirror,
		window:   window,
		pageSize: pageSize,
		now:      now,
		logger:   logger,
		state: State{
			LibraryKey: opts.LibraryKey,
			ItemKey:    opts.ItemKey,
		},
		inFlight: map[string]bool{},
	}
}

// Snapshot returns a copy of the current state. The Data and Children slices
// are shared; callers must duplicate Data before any consuming hand-off.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// begin marks a stage in flight. Returns false when the stage is already
// running, in which case the caller must not proceed.
func (o *Orchestrator) begin(stage string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[stage] {
		return false
	}
	o.inFlight[stage] = true
	return true
}

func (o *Orchestrator) finish(stage string, apply func(*State)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, stage)
	apply(&o.state)
}

// EnsureMetadata resolves the attachment's item details once. A zero-result
// lookup sets NotFound; a resolved item whose content type the viewer cannot
// render sets Unsupported. Both are terminal for the pipeline and surface as
// navigation side effects, not errors.
func (o *Orchestrator) EnsureMetadata(ctx context.Context) error {
	o.mu.Lock()
	satisfied := o.state.HasMetadata || o.state.NotFound
	libraryKey, itemKey := o.state.LibraryKey, o.state.ItemKey
	o.mu.Unlock()
	if satisfied {
		return nil
	}
	if !o.begin("metadata") {
		return nil
	}

	item, found, err := o.client.FetchItemDetails(ctx, libraryKey, itemKey)
	var stageErr error
	o.finish("metadata", func(s *State) {
		if err != nil {
			s.MetadataErr = &FetchError{Stage: "metadata", Err: err}
			stageErr = s.MetadataErr
			return
		}
		s.MetadataErr = nil
		if !found {
			s.NotFound = true
			return
		}
		s.Item = item
		s.HasMetadata = true
		contentType, _ := item["contentType"].(string)
		viewerType, supported := viewerContentTypes[contentType]
		if itemstore.ItemType(item) != "attachment" || !supported {
			s.Unsupported = true
			return
		}
		s.ViewerType = viewerType
	})
	if stageErr != nil {
		o.logger.Printf("fetch: metadata for %s/%s: %v", libraryKey, itemKey, stageErr)
	}
	return stageErr
}

// EnsureURL acquires a signed content URL whenever none is resident or the
// resident one has aged past the freshness window. Independent of metadata
// freshness. Fresh URLs found in the cache are adopted without a store call.
func (o *Orchestrator) EnsureURL(ctx context.Context) error {
	now := o.now()
	o.mu.Lock()
	fresh := o.state.URLFresh(now, o.window)
	libraryKey, itemKey := o.state.LibraryKey, o.state.ItemKey
	o.mu.Unlock()
	if fresh {
		return nil
	}
	if !o.begin("url") {
		return nil
	}

	if o.cache != nil {
		if url, issued, ok, err := o.cache.Get(ctx, libraryKey, itemKey); err == nil && ok && now.Sub(issued) < o.window {
			o.finish("url", func(s *State) {
				s.URL = url
				s.URLIssuedAt = issued
				s.URLErr = nil
			})
			return nil
		}
	}

	url, err := o.client.TryGetAttachmentURL(ctx, libraryKey, itemKey)
	issued := o.now()
	var stageErr error
	o.finish("url", func(s *State) {
		if err != nil {
			s.URLErr = &FetchError{Stage: "url", Err: err}
			stageErr = s.URLErr
			return
		}
		s.URL = url
		s.URLIssuedAt = issued
		s.URLErr = nil
	})
	if stageErr != nil {
		o.logger.Printf("fetch: url for %s/%s: %v", libraryKey, itemKey, stageErr)
		return stageErr
	}
	if o.cache != nil {
		if err := o.cache.Put(ctx, libraryKey, itemKey, url, issued); err != nil {
			o.logger.Printf("fetch: url cache put for %s/%s: %v", libraryKey, itemKey, err)
		}
	}
	return nil
}

// EnsureData downloads the binary exactly when the URL is fresh, no data is
// resident, and no fetch is in flight.
func (o *Orchestrator) EnsureData(ctx context.Context) error {
	now := o.now()
	o.mu.Lock()
	ready := o.state.Data == nil && o.state.URLFresh(now, o.window)
	url := o.state.URL
	libraryKey, itemKey := o.state.LibraryKey, o.state.ItemKey
	o.mu.Unlock()
	if !ready {
		return nil
	}
	if !o.begin("data") {
		return nil
	}

	data, err := o.client.FetchAttachmentData(ctx, url)
	var stageErr error
	o.finish("data", func(s *State) {
		if err != nil {
			s.DataErr = &FetchError{Stage: "data", Err: err}
			stageErr = s.DataErr
			return
		}
		s.Data = data
		s.DataErr = nil
	})
	if stageErr != nil {
		o.logger.Printf("fetch: data for %s/%s: %v", libraryKey, itemKey, stageErr)
	}
	return stageErr
}

// EnsureChildren pages through the attachment's children while a cursor
// remains, mirroring each fetched page. The accumulated set is filtered to
// annotation items by State.Annotations.
func (o *Orchestrator) EnsureChildren(ctx context.Context) error {
	o.mu.Lock()
	done := o.state.ChildrenFetched
	libraryKey, itemKey := o.state.LibraryKey, o.state.ItemKey
	pointer := o.state.Pointer
	o.mu.Unlock()
	if done {
		return nil
	}
	if !o.begin("children") {
		return nil
	}

	for {
		page, err := o.client.FetchChildItems(ctx, libraryKey, itemKey, pointer, o.pageSize)
		if err != nil {
			var stageErr error
			o.finish("children", func(s *State) {
				s.ChildrenErr = &FetchError{Stage: "children", Err: err}
				stageErr = s.ChildrenErr
			})
			o.logger.Printf("fetch: children for %s/%s: %v", libraryKey, itemKey, stageErr)
			return stageErr
		}
		if o.mirror != nil && len(page.Items) > 0 {
			if err := o.mirror.UpsertItems(ctx, libraryKey, page.Items); err != nil {
				o.logger.Printf("fetch: mirror upsert for %s: %v", libraryKey, err)
			}
		}
		pointer += len(page.Items)
		finished := pointer >= page.TotalResults || len(page.Items) == 0
		o.mu.Lock()
		o.state.Children = append(o.state.Children, page.Items...)
		o.state.Pointer = pointer
		o.state.TotalResults = page.TotalResults
		o.state.ChildrenErr = nil
		if page.LibraryVersion > o.state.LibraryVersion {
			o.state.LibraryVersion = page.LibraryVersion
		}
		o.mu.Unlock()
		if finished {
			break
		}
	}

	var version int
	o.finish("children", func(s *State) {
		s.ChildrenFetched = true
		version = s.LibraryVersion
	})
	if o.mirror != nil && version > 0 {
		if err := o.mirror.SetLibraryVersion(ctx, libraryKey, version); err != nil {
			o.logger.Printf("fetch: mirror version for %s: %v", libraryKey, err)
		}
	}
	return nil
}
