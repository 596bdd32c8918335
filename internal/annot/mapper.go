package annot

import (
	"encoding/json"
	"reflect"
	"strings"

	"marginalia/api/internal/itemstore"
)

// Raw is an annotation record in the viewer's (or extractor's) native shape:
// identified by "id" and "type", with unprefixed field names ("comment",
// "position", ...). Position is carried as a structured value, not a string.
type Raw = map[string]any

const fieldPrefix = "annotation"

// MapAnnotation translates one raw annotation record into the store's item
// shape. With isNew the result is a full payload seeded from base (a
// template); otherwise it is a sparse patch against base (an existing item)
// containing only fields whose value actually changed. dateModified and
// dateCreated are server-owned and never written. Pure: same inputs, same
// output.
func MapAnnotation(raw Raw, base itemstore.Item, isNew bool) itemstore.Item {
	patch := itemstore.Item{}
	if isNew {
		for key, value := range base {
			patch[key] = value
		}
	}
	patch["key"] = raw["id"]

	for key := range base {
		if key == "dateModified" || key == "dateCreated" {
			continue
		}
		targetKey := key
		if short, ok := shortKey(key); ok {
			if _, present := raw[short]; present {
				targetKey = short
			}
		}
		targetValue, present := raw[targetKey]
		if !present {
			continue
		}
		if key == "annotationPosition" {
			serialized, err := json.Marshal(targetValue)
			if err != nil {
				continue
			}
			targetValue = string(serialized)
		}
		if !valuesEqual(base[key], targetValue) {
			patch[key] = targetValue
		}
	}
	return patch
}

// shortKey strips the "annotation" prefix and lower-cases the first
// remaining character: annotationComment -> comment.
func shortKey(key string) (string, bool) {
	if !strings.HasPrefix(key, fieldPrefix) || len(key) == len(fieldPrefix) {
		return "", false
	}
	rest := key[len(fieldPrefix):]
	return strings.ToLower(rest[:1]) + rest[1:], true
}

func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// RecordOptions carries the viewer-facing context a store item does not hold
// itself.
type RecordOptions struct {
	AuthorName string
	ReadOnly   bool
	TagColors  map[string]string
}

// ItemToRecord is the inverse of MapAnnotation: it builds the viewer-shape
// record for a store annotation item. Prefixed fields lose their prefix, the
// stored position string is parsed back into a structured value, and tags
// are resolved against the library's tag colors.
func ItemToRecord(item itemstore.Item, opts RecordOptions) Raw {
	record := Raw{
		"id":       itemstore.ItemKey(item),
		"readOnly": opts.ReadOnly,
	}
	if opts.AuthorName != "" {
		record["authorName"] = opts.AuthorName
	}
	for key, value := range item {
		switch key {
		case "key", "version", "itemType", "parentItem", "deleted", "tags":
			continue
		case "dateCreated", "dateModified":
			record[key] = value
			continue
		}
		short, ok := shortKey(key)
		if !ok {
			continue
		}
		if key == "annotationPosition" {
			if s, isString := value.(string); isString {
				var position any
				if err := json.Unmarshal([]byte(s), &position); err == nil {
					record[short] = position
					continue
				}
			}
		}
		record[short] = value
	}
	if tags, ok := item["tags"].([]any); ok {
		converted := make([]any, 0, len(tags))
		for _, entry := range tags {
			tag, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			name, _ := tag["tag"].(string)
			out := map[string]any{"name": name}
			if color, ok := opts.TagColors[name]; ok {
				out["color"] = color
			}
			converted = append(converted, out)
		}
		record["tags"] = converted
	}
	return record
}
