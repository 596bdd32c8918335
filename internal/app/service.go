package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"marginalia/api/internal/annot"
	"marginalia/api/internal/auth"
	"marginalia/api/internal/export"
	"marginalia/api/internal/fetch"
	"marginalia/api/internal/itemstore"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/reader"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

// Session is an authenticated socket binding: one user, one library, one
// attachment.
type Session struct {
	UserSlug string
	Library  rbac.Library
	ItemKey  string
	JTI      string
}

type itemClient interface {
	FetchItemDetails(ctx context.Context, libraryKey, itemKey string) (itemstore.Item, bool, error)
	FetchChildItems(ctx context.Context, libraryKey, parentKey string, start, limit int) (itemstore.ChildPage, error)
	TryGetAttachmentURL(ctx context.Context, libraryKey, itemKey string) (string, error)
	FetchAttachmentData(ctx context.Context, signedURL string) ([]byte, error)
	FetchSettings(ctx context.Context, libraryKey string) (itemstore.Settings, int, error)
}

type mirrorStore interface {
	ItemMap(ctx context.Context, libraryKey, parentKey string) (map[string]itemstore.Item, error)
	UpsertItems(ctx context.Context, libraryKey string, items []itemstore.Item) error
	SetLibraryVersion(ctx context.Context, libraryKey string, version int) error
	GetItem(ctx context.Context, libraryKey, itemKey string) (itemstore.Item, bool, error)
	GetViewState(ctx context.Context, libraryKey, itemKey string) (store.ViewState, error)
	SaveViewState(ctx context.Context, libraryKey, itemKey string, state store.ViewState) error
}

type reconciler interface {
	Reconcile(ctx context.Context, libraryKey, parentKey string, raws []annot.Raw, items map[string]itemstore.Item, libraryVersion int) (annot.ReconcileResult, error)
}

type extractor interface {
	Extract(ctx context.Context, viewerType string, data []byte) ([]annot.Raw, error)
}

type urlCache interface {
	Get(ctx context.Context, libraryKey, itemKey string) (string, time.Time, bool, error)
	Put(ctx context.Context, libraryKey, itemKey, url string, issued time.Time) error
}

type searcher interface {
	Search(q search.Query) search.Response
	IndexAnnotations(records []search.AnnotationRecord)
}

type settingsQueue interface {
	Known(libraryKey, key string) (itemstore.SettingsEntry, bool)
	Prime(libraryKey string, settings itemstore.Settings)
	Update(ctx context.Context, libraryKey, key string, value any) error
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// Options assemble the service's collaborators.
type Options struct {
	DB         *sql.DB
	Client     itemClient
	Mirror     mirrorStore
	Reconciler reconciler
	Extractor  extractor
	Cache      urlCache
	Search     searcher
	Settings   settingsQueue
	Exporter   exporter

	Secret           []byte
	TokenTTL         time.Duration
	URLWindow        time.Duration
	PageSize         int
	LocalizedStrings map[string]string
	Logger           *log.Logger
}

// Service wires socket sessions to the annotation pipeline and serves the
// ancillary endpoints: search, export, settings.
type Service struct {
	db         *sql.DB
	client     itemClient
	mirror     mirrorStore
	reconciler reconciler
	extractor  extractor
	cache      urlCache
	search     searcher
	settings   settingsQueue
	exporter   exporter

	secret    []byte
	tokenTTL  time.Duration
	urlWindow time.Duration
	pageSize  int
	localized map[string]string
	logger    *log.Logger
	now       func() time.Time
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		db:         opts.DB,
		client:     opts.Client,
		mirror:     opts.Mirror,
		reconciler: opts.Reconciler,
		extractor:  opts.Extractor,
		cache:      opts.Cache,
		search:     opts.Search,
		settings:   opts.Settings,
		exporter:   opts.Exporter,
		secret:     opts.Secret,
		tokenTTL:   ttl,
		urlWindow:  opts.URLWindow,
		pageSize:   opts.PageSize,
		localized:  opts.LocalizedStrings,
		logger:     logger,
		now:        time.Now,
	}
}

// Ping checks database connectivity for the readiness endpoint.
func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

type OpenSessionRequest struct {
	UserSlug   string `json:"user"`
	LibraryKey string `json:"libraryKey"`
	ItemKey    string `json:"itemKey"`
	Access     string `json:"access"`
	IsGroup    bool   `json:"isGroup"`
}

type OpenSessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// OpenSession issues a short-lived socket token binding one viewer instance
// to a library/attachment pair.
func (s *Service) OpenSession(ctx context.Context, req OpenSessionRequest) (OpenSessionResponse, error) {
	if strings.TrimSpace(req.UserSlug) == "" {
		return OpenSessionResponse{}, validationError("user is required")
	}
	if strings.TrimSpace(req.LibraryKey) == "" {
		return OpenSessionResponse{}, validationError("libraryKey is required")
	}
	if strings.TrimSpace(req.ItemKey) == "" {
		return OpenSessionResponse{}, validationError("itemKey is required")
	}

	expiresAt := s.now().Add(s.tokenTTL).Unix()
	token, err := auth.IssueToken(s.secret, auth.Claims{
		UserSlug:   req.UserSlug,
		LibraryKey: req.LibraryKey,
		ItemKey:    req.ItemKey,
		Access:     string(rbac.Normalize(req.Access)),
		IsGroup:    req.IsGroup,
		JTI:        util.NewID("sock"),
		Exp:        expiresAt,
	})
	if err != nil {
		return OpenSessionResponse{}, fmt.Errorf("issue socket token: %w", err)
	}
	return OpenSessionResponse{Token: token, ExpiresAt: expiresAt}, nil
}

// SessionFromToken validates a socket token and rebuilds its session.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserSlug: claims.UserSlug,
		Library: rbac.Library{
			Key:     claims.LibraryKey,
			IsGroup: claims.IsGroup,
			Access:  rbac.Normalize(claims.Access),
		},
		ItemKey: claims.ItemKey,
		JTI:     claims.JTI,
	}, nil
}

// Search runs an annotation search pinned to the session's library.
func (s *Service) Search(session Session, q search.Query) search.Response {
	q.LibraryKey = session.Library.Key
	return s.search.Search(q)
}

// Export renders the attachment's annotation report.
func (s *Service) Export(ctx context.Context, session Session, format export.Format, includeComments bool) (*export.Result, error) {
	return s.exporter.Export(ctx, export.Request{
		LibraryKey:      session.Library.Key,
		ItemKey:         session.ItemKey,
		Format:          format,
		IncludeComments: includeComments,
		TagColors:       s.tagColors(session.Library.Key),
	})
}

// Settings fetches the library's settings from the store and seeds the
// update queue's known versions.
func (s *Service) Settings(ctx context.Context, session Session) (itemstore.Settings, error) {
	settings, _, err := s.client.FetchSettings(ctx, session.Library.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch settings: %w", err)
	}
	s.settings.Prime(session.Library.Key, settings)
	return settings, nil
}

// UpdateSetting enqueues one optimistic-concurrency settings write.
func (s *Service) UpdateSetting(ctx context.Context, session Session, key string, value any) error {
	if session.Library.ReadOnly() {
		return forbiddenError("library is read-only")
	}
	if strings.TrimSpace(key) == "" {
		return validationError("key is required")
	}
	return s.settings.Update(ctx, session.Library.Key, key, value)
}

// NewReader builds the per-socket pipeline session for an authenticated
// viewer connection.
func (s *Service) NewReader(session Session) *reader.Session {
	orch := fetch.NewOrchestrator(s.client, fetch.Options{
		LibraryKey: session.Library.Key,
		ItemKey:    session.ItemKey,
		URLWindow:  s.urlWindow,
		PageSize:   s.pageSize,
		Cache:      s.cache,
		Mirror:     s.mirror,
		Logger:     s.logger,
	})
	return reader.NewSession(reader.Options{
		Orchestrator:     orch,
		Extractor:        s.extractor,
		Reconciler:       s.reconciler,
		Mirror:           s.mirror,
		Indexer:          s.search,
		Library:          session.Library,
		UserSlug:         session.UserSlug,
		ItemKey:          session.ItemKey,
		TagColors:        s.tagColors(session.Library.Key),
		LocalizedStrings: s.localized,
		Logger:           s.logger,
	})
}

// tagColors reads the library's tagColors setting from the queue's known
// snapshot. Missing or malformed settings degrade to no colors.
func (s *Service) tagColors(libraryKey string) map[string]string {
	entry, ok := s.settings.Known(libraryKey, "tagColors")
	if !ok {
		return nil
	}
	list, ok := entry.Value.([]any)
	if !ok {
		return nil
	}
	colors := make(map[string]string, len(list))
	for _, raw := range list {
		pair, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := pair["name"].(string)
		color, _ := pair["color"].(string)
		if name != "" && color != "" {
			colors[name] = color
		}
	}
	return colors
}
