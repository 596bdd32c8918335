package itemstore

import "fmt"

// Item is a flat field set as the store serves it. Annotation items carry
// "key", "version", "itemType", "parentItem", "deleted" and the
// annotation-prefixed fields ("annotationType", "annotationPosition", ...).
type Item = map[string]any

func ItemKey(item Item) string {
	key, _ := item["key"].(string)
	return key
}

func ItemVersion(item Item) int {
	switch v := item["version"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func ItemType(item Item) string {
	t, _ := item["itemType"].(string)
	return t
}

func ItemDeleted(item Item) bool {
	switch v := item["deleted"].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// ChildPage is one page of a paginated child-item listing.
type ChildPage struct {
	Items          []Item
	TotalResults   int
	LibraryVersion int
}

// WriteResult reports the outcome of a bulk create or update call.
// Successful maps the request index (as the store reports it) to the
// resulting item; Failed maps the index to the per-item failure.
type WriteResult struct {
	Successful     map[string]Item
	Unchanged      map[string]string
	Failed         map[string]WriteFailure
	LibraryVersion int
}

type WriteFailure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Settings is the library-settings map: key -> {value, version}.
type Settings map[string]SettingsEntry

type SettingsEntry struct {
	Value   any `json:"value"`
	Version int `json:"version"`
}

// HTTPError is a non-2xx response from the store.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("item store: status %d", e.StatusCode)
	}
	return fmt.Sprintf("item store: status %d: %s", e.StatusCode, e.Message)
}

// ConflictError is returned when a conditional write loses an optimistic
// concurrency race (HTTP 412).
type ConflictError struct {
	LibraryKey string
	Version    int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("item store: version conflict in library %s (sent version %d)", e.LibraryKey, e.Version)
}

func (e *ConflictError) Is(target error) bool {
	_, ok := target.(*ConflictError)
	return ok
}
