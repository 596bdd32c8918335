package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"marginalia/api/internal/itemstore"
)

// Open connects to postgres through the pgx stdlib driver with pool tuning
// suited to a read-mostly mirror.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(16)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore is the local mirror of fetched item-store state: items,
// per-attachment view state, and library version watermarks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertItems mirrors a fetched page of items. Later versions win; an
// incoming row never downgrades a mirrored version.
func (s *PostgresStore) UpsertItems(ctx context.Context, libraryKey string, items []itemstore.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `
		INSERT INTO mirror_items (library_key, item_key, version, parent_key, item_type, deleted, fields, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (library_key, item_key) DO UPDATE
		SET version=EXCLUDED.version, parent_key=EXCLUDED.parent_key, item_type=EXCLUDED.item_type,
			deleted=EXCLUDED.deleted, fields=EXCLUDED.fields, updated_at=NOW()
		WHERE mirror_items.version <= EXCLUDED.version
	`
	for _, item := range items {
		key := itemstore.ItemKey(item)
		if key == "" {
			continue
		}
		fields, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", key, err)
		}
		parentKey, _ := item["parentItem"].(string)
		if _, err := tx.ExecContext(ctx, upsert,
			libraryKey, key, itemstore.ItemVersion(item), parentKey,
			itemstore.ItemType(item), itemstore.ItemDeleted(item), fields,
		); err != nil {
			return fmt.Errorf("upsert item %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// ItemMap returns a key-indexed snapshot of the non-deleted annotation
// children of an attachment. This is the item map handed to the reconciler.
func (s *PostgresStore) ItemMap(ctx context.Context, libraryKey, parentKey string) (map[string]itemstore.Item, error) {
	const query = `
		SELECT item_key, fields FROM mirror_items
		WHERE library_key=$1 AND parent_key=$2 AND item_type='annotation' AND NOT deleted
	`
	rows, err := s.db.QueryContext(ctx, query, libraryKey, parentKey)
	if err != nil {
		return nil, fmt.Errorf("query item map: %w", err)
	}
	defer rows.Close()

	out := map[string]itemstore.Item{}
	for rows.Next() {
		var key string
		var fields []byte
		if err := rows.Scan(&key, &fields); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		var item itemstore.Item
		if err := json.Unmarshal(fields, &item); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", key, err)
		}
		out[key] = item
	}
	return out, rows.Err()
}

// GetItem returns one mirrored item.
func (s *PostgresStore) GetItem(ctx context.Context, libraryKey, itemKey string) (itemstore.Item, bool, error) {
	var fields []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT fields FROM mirror_items WHERE library_key=$1 AND item_key=$2`,
		libraryKey, itemKey,
	).Scan(&fields)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get item %s: %w", itemKey, err)
	}
	var item itemstore.Item
	if err := json.Unmarshal(fields, &item); err != nil {
		return nil, false, fmt.Errorf("decode item %s: %w", itemKey, err)
	}
	return item, true, nil
}

// SetLibraryVersion advances the library's version watermark. Watermarks
// never move backwards.
func (s *PostgresStore) SetLibraryVersion(ctx context.Context, libraryKey string, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO library_versions (library_key, version, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (library_key) DO UPDATE SET version=EXCLUDED.version, updated_at=NOW()
		WHERE library_versions.version < EXCLUDED.version
	`, libraryKey, version)
	if err != nil {
		return fmt.Errorf("set library version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLibraryVersion(ctx context.Context, libraryKey string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM library_versions WHERE library_key=$1`, libraryKey,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get library version: %w", err)
	}
	return version, nil
}

// SaveViewState persists the reader's view state for an attachment.
func (s *PostgresStore) SaveViewState(ctx context.Context, libraryKey, itemKey string, state ViewState) error {
	extra, err := json.Marshal(state.State)
	if err != nil {
		return fmt.Errorf("encode view state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO view_states (library_key, item_key, sidebar_width, sidebar_open, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (library_key, item_key) DO UPDATE
		SET sidebar_width=EXCLUDED.sidebar_width, sidebar_open=EXCLUDED.sidebar_open,
			state=EXCLUDED.state, updated_at=NOW()
	`, libraryKey, itemKey, state.SidebarWidth, state.SidebarOpen, extra)
	if err != nil {
		return fmt.Errorf("save view state: %w", err)
	}
	return nil
}

// GetViewState returns the persisted view state, or defaults when none is
// stored yet.
func (s *PostgresStore) GetViewState(ctx context.Context, libraryKey, itemKey string) (ViewState, error) {
	var state ViewState
	var extra []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT sidebar_width, sidebar_open, state, updated_at
		FROM view_states WHERE library_key=$1 AND item_key=$2
	`, libraryKey, itemKey).Scan(&state.SidebarWidth, &state.SidebarOpen, &extra, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultViewState(), nil
	}
	if err != nil {
		return ViewState{}, fmt.Errorf("get view state: %w", err)
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &state.State); err != nil {
			return ViewState{}, fmt.Errorf("decode view state: %w", err)
		}
	}
	return state, nil
}
