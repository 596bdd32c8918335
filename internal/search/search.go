package search

import (
	"marginalia/api/internal/itemstore"
)

// Result is a single annotation search hit returned to the sidebar.
type Result struct {
	ID         string `json:"id"`
	LibraryKey string `json:"libraryKey"`
	ParentKey  string `json:"parentKey"`
	Type       string `json:"type"`
	Text       string `json:"text"`
	Comment    string `json:"comment"`
	Snippet    string `json:"snippet"`
	PageLabel  string `json:"pageLabel"`
	SortIndex  string `json:"sortIndex"`
}

// Query describes an annotation search request.
type Query struct {
	Text       string
	LibraryKey string
	ParentKey  string // empty = whole library
	FilterType string // empty = all annotation types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over indexed annotations.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// AnnotationRecord is the data indexed per annotation item.
type AnnotationRecord struct {
	ID         string `json:"id"`
	LibraryKey string `json:"libraryKey"`
	ParentKey  string `json:"parentKey"`
	Type       string `json:"type"`
	Text       string `json:"text"`
	Comment    string `json:"comment"`
	Color      string `json:"color"`
	PageLabel  string `json:"pageLabel"`
	SortIndex  string `json:"sortIndex"`
}

// RecordFromItem projects a store annotation item into its index record.
func RecordFromItem(libraryKey string, item itemstore.Item) AnnotationRecord {
	str := func(key string) string {
		s, _ := item[key].(string)
		return s
	}
	return AnnotationRecord{
		ID:         itemstore.ItemKey(item),
		LibraryKey: libraryKey,
		ParentKey:  str("parentItem"),
		Type:       str("annotationType"),
		Text:       str("annotationText"),
		Comment:    str("annotationComment"),
		Color:      str("annotationColor"),
		PageLabel:  str("annotationPageLabel"),
		SortIndex:  str("annotationSortIndex"),
	}
}
