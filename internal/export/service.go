package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"marginalia/api/internal/itemstore"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetItem(ctx context.Context, libraryKey, itemKey string) (itemstore.Item, bool, error)
	ItemMap(ctx context.Context, libraryKey, parentKey string) (map[string]itemstore.Item, error)
}

// Service renders annotation reports from the mirrored item set
type Service struct {
	store DataStore
	now   func() time.Time
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Export generates an annotation report in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	attachment, found, err := s.store.GetItem(ctx, req.LibraryKey, req.ItemKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: item %s not mirrored", ErrContentUnavailable, req.ItemKey)
	}

	items, err := s.store.ItemMap(ctx, req.LibraryKey, req.ItemKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	annotations := make([]Annotation, 0, len(items))
	for _, item := range items {
		annotations = append(annotations, annotationFromItem(item, req.TagColors))
	}
	sort.Slice(annotations, func(i, j int) bool {
		if annotations[i].SortIndex != annotations[j].SortIndex {
			return annotations[i].SortIndex < annotations[j].SortIndex
		}
		return annotations[i].Key < annotations[j].Key
	})

	title, _ := attachment["title"].(string)
	if title == "" {
		title = req.ItemKey
	}

	data := TemplateData{
		Title:           title,
		LibraryKey:      req.LibraryKey,
		GeneratedAt:     s.now(),
		IncludeComments: req.IncludeComments,
		Annotations:     annotations,
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return renderPDF(html, title)
	case FormatDOCX:
		return renderDOCX(html, title)
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

// annotationFromItem flattens a stored annotation item into a report row.
func annotationFromItem(item itemstore.Item, tagColors map[string]string) Annotation {
	str := func(key string) string {
		s, _ := item[key].(string)
		return s
	}
	ann := Annotation{
		Key:       itemstore.ItemKey(item),
		Type:      str("annotationType"),
		Text:      str("annotationText"),
		Comment:   str("annotationComment"),
		Color:     str("annotationColor"),
		PageLabel: str("annotationPageLabel"),
		SortIndex: str("annotationSortIndex"),
	}
	if modified := str("dateModified"); modified != "" {
		if t, err := time.Parse(time.RFC3339, modified); err == nil {
			ann.Modified = t
		}
	}
	if tags, ok := item["tags"].([]any); ok {
		for _, entry := range tags {
			tag, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			name, _ := tag["tag"].(string)
			if name == "" {
				continue
			}
			ann.Tags = append(ann.Tags, name)
			if ann.Color == "" && tagColors[name] != "" {
				ann.Color = tagColors[name]
			}
		}
	}
	return ann
}
