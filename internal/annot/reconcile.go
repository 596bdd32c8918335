package annot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"marginalia/api/internal/itemstore"
)

// storeWriter is the slice of the item-store client the reconciler needs.
type storeWriter interface {
	FetchItemTemplate(ctx context.Context, itemType, annotationType string) (itemstore.Item, error)
	CreateItems(ctx context.Context, libraryKey string, payloads []itemstore.Item) (itemstore.WriteResult, error)
	UpdateMultipleItems(ctx context.Context, libraryKey string, patches []itemstore.Item, version int) (itemstore.WriteResult, error)
}

// TemplateResolutionError reports the annotation types whose template fetch
// failed in a reconciliation pass. Creates for other types still proceed.
type TemplateResolutionError struct {
	Failed map[string]error
}

func (e *TemplateResolutionError) Error() string {
	types := make([]string, 0, len(e.Failed))
	for t := range e.Failed {
		if t == "" {
			t = "(missing)"
		}
		types = append(types, t)
	}
	sort.Strings(types)
	return fmt.Sprintf("template resolution failed for annotation types: %s", strings.Join(types, ", "))
}

// ReconcileResult reports what one pass wrote to the store.
type ReconcileResult struct {
	Updated        itemstore.WriteResult
	Created        itemstore.WriteResult
	UpdateCount    int
	CreateCount    int
	LibraryVersion int
}

type Reconciler struct {
	store  storeWriter
	logger *log.Logger
}

func NewReconciler(store storeWriter, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// Reconcile merges a batch of raw annotation records into the store. Records
// whose id matches a key in items become one bulk update of sparse patches;
// the rest become one bulk create, each payload seeded from its type's
// template (resolved once per distinct type, concurrently) with version 0 and
// the attachment as parent. At most one update call and one create call are
// issued per pass.
//
// A template failure for one type does not drop sibling types: their creates
// proceed and the failed types come back in a *TemplateResolutionError
// alongside the partial result.
func (r *Reconciler) Reconcile(ctx context.Context, libraryKey, parentKey string, raws []Raw, items map[string]itemstore.Item, libraryVersion int) (ReconcileResult, error) {
	var updates []itemstore.Item
	var createRaws []Raw
	for _, raw := range raws {
		id, _ := raw["id"].(string)
		if existing, known := items[id]; known {
			updates = append(updates, MapAnnotation(raw, existing, false))
		} else {
			createRaws = append(createRaws, raw)
		}
	}

	templates, templateErrs := r.resolveTemplates(ctx, createRaws)

	var creates []itemstore.Item
	for _, raw := range createRaws {
		annotationType, _ := raw["type"].(string)
		template, ok := templates[annotationType]
		if !ok {
			continue
		}
		seed := itemstore.Item{}
		for key, value := range template {
			seed[key] = value
		}
		seed["version"] = 0
		seed["parentItem"] = parentKey
		creates = append(creates, MapAnnotation(raw, seed, true))
	}

	result := ReconcileResult{
		UpdateCount:    len(updates),
		CreateCount:    len(creates),
		LibraryVersion: libraryVersion,
	}
	if len(updates) > 0 {
		updated, err := r.store.UpdateMultipleItems(ctx, libraryKey, updates, libraryVersion)
		if err != nil {
			return result, fmt.Errorf("bulk update: %w", err)
		}
		result.Updated = updated
		if updated.LibraryVersion > result.LibraryVersion {
			result.LibraryVersion = updated.LibraryVersion
		}
	}
	if len(creates) > 0 {
		created, err := r.store.CreateItems(ctx, libraryKey, creates)
		if err != nil {
			return result, fmt.Errorf("bulk create: %w", err)
		}
		result.Created = created
		if created.LibraryVersion > result.LibraryVersion {
			result.LibraryVersion = created.LibraryVersion
		}
	}
	if len(templateErrs) > 0 {
		return result, &TemplateResolutionError{Failed: templateErrs}
	}
	return result, nil
}

// resolveTemplates fetches each distinct annotation type's template exactly
// once, concurrently across types.
func (r *Reconciler) resolveTemplates(ctx context.Context, createRaws []Raw) (map[string]itemstore.Item, map[string]error) {
	distinct := map[string]bool{}
	failures := map[string]error{}
	for _, raw := range createRaws {
		annotationType, _ := raw["type"].(string)
		if annotationType == "" {
			// A record without a type cannot be seeded from any template;
			// report it instead of dropping it silently.
			failures[""] = errors.New("annotation record has no type")
			continue
		}
		distinct[annotationType] = true
	}
	templates := make(map[string]itemstore.Item, len(distinct))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for annotationType := range distinct {
		wg.Add(1)
		go func(annotationType string) {
			defer wg.Done()
			template, err := r.store.FetchItemTemplate(ctx, "annotation", annotationType)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Printf("annot: template fetch for %s failed: %v", annotationType, err)
				failures[annotationType] = err
				return
			}
			templates[annotationType] = template
		}(annotationType)
	}
	wg.Wait()
	return templates, failures
}
