package itemstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(serverURL string, httpClient *http.Client) *Client {
	return NewClient(ClientOptions{
		BaseURL:    serverURL,
		APIKey:     "key_test",
		HTTPClient: httpClient,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestFetchItemDetailsSendsAuthAndDecodes(t *testing.T) {
	var capturedAuth, capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":"ATTACH1","version":12,"itemType":"attachment","contentType":"application/pdf"}`))
	}))
	defer server.Close()

	client := testClient(server.URL, server.Client())
	item, found, err := client.FetchItemDetails(context.Background(), "u1", "ATTACH1")
	if err != nil {
		t.Fatalf("fetch details failed: %v", err)
	}
	if !found {
		t.Fatalf("expected item to be found")
	}
	if capturedAuth != "Bearer key_test" {
		t.Fatalf("expected bearer auth, got %q", capturedAuth)
	}
	if capturedPath != "/libraries/u1/items/ATTACH1" {
		t.Fatalf("unexpected path %s", capturedPath)
	}
	if ItemKey(item) != "ATTACH1" || ItemVersion(item) != 12 {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestFetchItemDetailsNotFoundIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(server.URL, server.Client())
	item, found, err := client.FetchItemDetails(context.Background(), "u1", "MISSING")
	if err != nil {
		t.Fatalf("expected nil error for 404, got %v", err)
	}
	if found || item != nil {
		t.Fatalf("expected not-found signal, got found=%v item=%+v", found, item)
	}
}

func TestFetchChildItemsReadsPaginationHeaders(t *testing.T) {
	var capturedQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedQuery = r.URL.RawQuery
		w.Header().Set("Total-Results", "250")
		w.Header().Set("Last-Modified-Version", "99")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"key":"ANN1","itemType":"annotation"},{"key":"ANN2","itemType":"annotation"}]`))
	}))
	defer server.Close()

	client := testClient(server.URL, server.Client())
	page, err := client.FetchChildItems(context.Background(), "u1", "ATTACH1", 100, 100)
	if err != nil {
		t.Fatalf("fetch children failed: %v", err)
	}
	if capturedQuery != "start=100&limit=100" {
		t.Fatalf("unexpected query %q", capturedQuery)
	}
	if page.TotalResults != 250 || page.LibraryVersion != 99 {
		t.Fatalf("unexpected page headers %+v", page)
	}
	if len(page.Items) != 2 || ItemKey(page.Items[1]) != "ANN2" {
		t.Fatalf("unexpected items %+v", page.Items)
	}
}

func TestUpdateMultipleItemsSendsConditionalHeader(t *testing.T) {
	var capturedCondition string
	var capturedItems []Item
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCondition = r.Header.Get("If-Unmodified-Since-Version")
		_ = json.NewDecoder(r.Body).Decode(&capturedItems)
		w.Header().Set("Last-Modified-Version", "43")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"successful":{"0":{"key":"ANN1","version":43}},"unchanged":{},"failed":{}}`))
	}))
	defer server.Close()

	client := testClient(server.URL, server.Client())
	result, err := client.UpdateMultipleItems(context.Background(), "u1",
		[]Item{{"key": "ANN1", "version": 42, "annotationComment": "edited"}}, 42)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if capturedCondition != "42" {
		t.Fatalf("expected conditional header 42, got %q", capturedCondition)
	}
	if len(capturedItems) != 1 || capturedItems[0]["annotationComment"] != "edited" {
		t.Fatalf("unexpected request body %+v", capturedItems)
	}
	if result.LibraryVersion != 43 {
		t.Fatalf("expected library version 43, got %d", result.LibraryVersion)
	}
	if ItemVersion(result.Successful["0"]) != 43 {
		t.Fatalf("unexpected successful map %+v", result.Successful)
	}
}

func TestWriteConflictSurfacesAsConflictError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer server.Close()

	client := testClient(server.URL, server.Client())
	_, err := client.UpdateMultipleItems(context.Background(), "u1", []Item{{"key": "ANN1"}}, 40)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.LibraryKey != "u1" || conflict.Version != 40 {
		t.Fatalf("unexpected conflict details %+v", conflict)
	}
}

func TestRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"itemType":"annotation","annotationType":"note"}`))
	}))
	defer server.Close()

	client := testClient(server.URL, server.Client())
	template, err := client.FetchItemTemplate(context.Background(), "annotation", "note")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if template["annotationType"] != "note" {
		t.Fatalf("unexpected template %+v", template)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid item"}`))
	}))
	defer server.Close()

	client := testClient(server.URL, server.Client())
	_, err := client.FetchItemTemplate(context.Background(), "annotation", "bogus")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusBadRequest || httpErr.Message != "invalid item" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected single call, got %d", calls)
	}
}

func TestUpdateSettingsSendsVersionAndValue(t *testing.T) {
	var capturedCondition, capturedMethod, capturedPath string
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCondition = r.Header.Get("If-Unmodified-Since-Version")
		capturedMethod = r.Method
		capturedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.Header().Set("Last-Modified-Version", "8")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := testClient(server.URL, server.Client())
	version, err := client.UpdateSettings(context.Background(), "g7", "tagColors", []any{"red"}, 7)
	if err != nil {
		t.Fatalf("update settings failed: %v", err)
	}
	if capturedMethod != http.MethodPut || capturedPath != "/libraries/g7/settings/tagColors" {
		t.Fatalf("unexpected request %s %s", capturedMethod, capturedPath)
	}
	if capturedCondition != "7" {
		t.Fatalf("expected conditional header 7, got %q", capturedCondition)
	}
	if _, ok := capturedBody["value"]; !ok {
		t.Fatalf("expected value in body, got %+v", capturedBody)
	}
	if version != 8 {
		t.Fatalf("expected new version 8, got %d", version)
	}
}
