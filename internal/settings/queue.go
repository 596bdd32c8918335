// Package settings serializes library-settings writes. Each (library, key)
// pair gets its own FIFO queue with a single in-flight operation, so
// concurrent updates to one key never race their conditional PUTs, while
// independent keys proceed in parallel.
package settings

import (
	"context"
	"log"
	"reflect"
	"sync"

	"marginalia/api/internal/itemstore"
)

type settingsClient interface {
	UpdateSettings(ctx context.Context, libraryKey, key string, value any, version int) (int, error)
	FetchSettings(ctx context.Context, libraryKey string) (itemstore.Settings, int, error)
}

type task struct {
	ctx   context.Context
	value any
	done  chan error
}

type keyQueue struct {
	tasks chan *task
}

// Queue performs optimistic-concurrency settings writes. An update whose
// value equals the last-known value for its key is skipped outright; every
// other update is a conditional PUT carrying the last-known version.
type Queue struct {
	client settingsClient
	logger *log.Logger

	mu     sync.Mutex
	known  map[string]itemstore.SettingsEntry
	queues map[string]*keyQueue
}

func NewQueue(client settingsClient, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{
		client: client,
		logger: logger,
		known:  map[string]itemstore.SettingsEntry{},
		queues: map[string]*keyQueue{},
	}
}

func queueKey(libraryKey, key string) string {
	return libraryKey + ":" + key
}

// Prime seeds the last-known entries from a fetched settings map, so the
// first write for each key carries the right version instead of 0.
func (q *Queue) Prime(libraryKey string, settings itemstore.Settings) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, entry := range settings {
		q.known[queueKey(libraryKey, key)] = entry
	}
}

// Known returns the last-known entry for a key.
func (q *Queue) Known(libraryKey, key string) (itemstore.SettingsEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.known[queueKey(libraryKey, key)]
	return entry, ok
}

// Update enqueues one settings write and waits for its outcome. Updates for
// the same (library, key) run strictly in order; a version conflict from the
// store surfaces as the itemstore.ConflictError of the losing write.
func (q *Queue) Update(ctx context.Context, libraryKey, key string, value any) error {
	qk := queueKey(libraryKey, key)

	q.mu.Lock()
	kq, ok := q.queues[qk]
	if !ok {
		kq = &keyQueue{tasks: make(chan *task, 64)}
		q.queues[qk] = kq
		go q.run(libraryKey, key, kq)
	}
	q.mu.Unlock()

	t := &task{ctx: ctx, value: value, done: make(chan error, 1)}
	select {
	case kq.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(libraryKey, key string, kq *keyQueue) {
	for t := range kq.tasks {
		t.done <- q.perform(t.ctx, libraryKey, key, t.value)
	}
}

func (q *Queue) perform(ctx context.Context, libraryKey, key string, value any) error {
	qk := queueKey(libraryKey, key)

	q.mu.Lock()
	old, hasOld := q.known[qk]
	q.mu.Unlock()

	// Unchanged value: the write is cancelled, the caller succeeds.
	if hasOld && reflect.DeepEqual(old.Value, value) {
		return nil
	}

	version := 0
	if hasOld {
		version = old.Version
	}
	newVersion, err := q.client.UpdateSettings(ctx, libraryKey, key, value, version)
	if err != nil {
		q.logger.Printf("settings: update %s failed: %v", qk, err)
		return err
	}

	q.mu.Lock()
	q.known[qk] = itemstore.SettingsEntry{Value: value, Version: newVersion}
	q.mu.Unlock()
	return nil
}

// Refresh refetches a library's settings and reseeds the last-known
// entries, recovering after a conflict.
func (q *Queue) Refresh(ctx context.Context, libraryKey string) error {
	settings, _, err := q.client.FetchSettings(ctx, libraryKey)
	if err != nil {
		return err
	}
	q.Prime(libraryKey, settings)
	return nil
}
