package itemstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	headerLibraryVersion  = "Last-Modified-Version"
	headerTotalResults    = "Total-Results"
	headerIfUnmodified    = "If-Unmodified-Since-Version"
	defaultMaxRetries     = 3
	defaultBaseRetryDelay = 100 * time.Millisecond
	defaultMaxRetryDelay  = 2 * time.Second
)

type ClientOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the versioned item-store REST API. Transient failures
// (429 and 5xx) are retried with exponential backoff, honoring Retry-After.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseRetryDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// FetchItemDetails returns the item's metadata. The second return value is
// false when the store has no such item, which callers treat as a
// navigate-back signal rather than an error.
func (c *Client) FetchItemDetails(ctx context.Context, libraryKey, itemKey string) (Item, bool, error) {
	path := fmt.Sprintf("/libraries/%s/items/%s", url.PathEscape(libraryKey), url.PathEscape(itemKey))
	_, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, false, fmt.Errorf("decode item %s: %w", itemKey, err)
	}
	return item, true, nil
}

// FetchChildItems returns one page of an item's children starting at the
// given offset. TotalResults and LibraryVersion come from response headers.
func (c *Client) FetchChildItems(ctx context.Context, libraryKey, parentKey string, start, limit int) (ChildPage, error) {
	path := fmt.Sprintf("/libraries/%s/items/%s/children?start=%d&limit=%d",
		url.PathEscape(libraryKey), url.PathEscape(parentKey), start, limit)
	resp, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return ChildPage{}, err
	}
	var items []Item
	if err := json.Unmarshal(body, &items); err != nil {
		return ChildPage{}, fmt.Errorf("decode children of %s: %w", parentKey, err)
	}
	total, _ := strconv.Atoi(resp.Header.Get(headerTotalResults))
	version, _ := strconv.Atoi(resp.Header.Get(headerLibraryVersion))
	return ChildPage{Items: items, TotalResults: total, LibraryVersion: version}, nil
}

// TryGetAttachmentURL requests a signed content URL for the attachment. The
// URL is only valid for a short window; callers cache it with its issue time.
func (c *Client) TryGetAttachmentURL(ctx context.Context, libraryKey, itemKey string) (string, error) {
	path := fmt.Sprintf("/libraries/%s/items/%s/file/url", url.PathEscape(libraryKey), url.PathEscape(itemKey))
	_, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode attachment url for %s: %w", itemKey, err)
	}
	if payload.URL == "" {
		return "", fmt.Errorf("attachment url for %s is empty", itemKey)
	}
	return payload.URL, nil
}

// FetchAttachmentData downloads the binary content behind a signed URL.
func (c *Client) FetchAttachmentData(ctx context.Context, signedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment data: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: "attachment download failed"}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attachment data: %w", err)
	}
	return data, nil
}

// FetchItemTemplate returns the default field set for a new item of the
// given type. For annotations the template is specific to the annotation
// subtype (highlight, note, image, ...).
func (c *Client) FetchItemTemplate(ctx context.Context, itemType, annotationType string) (Item, error) {
	path := "/items/new?itemType=" + url.QueryEscape(itemType)
	if annotationType != "" {
		path += "&annotationType=" + url.QueryEscape(annotationType)
	}
	_, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var template Item
	if err := json.Unmarshal(body, &template); err != nil {
		return nil, fmt.Errorf("decode %s template: %w", itemType, err)
	}
	return template, nil
}

// CreateItems submits one bulk create for all payloads.
func (c *Client) CreateItems(ctx context.Context, libraryKey string, payloads []Item) (WriteResult, error) {
	return c.writeItems(ctx, libraryKey, payloads, 0)
}

// UpdateMultipleItems submits one bulk update for all patches, conditional on
// the library version the caller last observed.
func (c *Client) UpdateMultipleItems(ctx context.Context, libraryKey string, patches []Item, version int) (WriteResult, error) {
	return c.writeItems(ctx, libraryKey, patches, version)
}

func (c *Client) writeItems(ctx context.Context, libraryKey string, items []Item, version int) (WriteResult, error) {
	path := fmt.Sprintf("/libraries/%s/items", url.PathEscape(libraryKey))
	headers := map[string]string{}
	if version > 0 {
		headers[headerIfUnmodified] = strconv.Itoa(version)
	}
	resp, body, err := c.do(ctx, http.MethodPost, path, items, headers)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusPreconditionFailed {
			return WriteResult{}, &ConflictError{LibraryKey: libraryKey, Version: version}
		}
		return WriteResult{}, err
	}
	var result WriteResult
	var decoded struct {
		Successful map[string]Item         `json:"successful"`
		Unchanged  map[string]string       `json:"unchanged"`
		Failed     map[string]WriteFailure `json:"failed"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return WriteResult{}, fmt.Errorf("decode write result: %w", err)
	}
	result.Successful = decoded.Successful
	result.Unchanged = decoded.Unchanged
	result.Failed = decoded.Failed
	result.LibraryVersion, _ = strconv.Atoi(resp.Header.Get(headerLibraryVersion))
	return result, nil
}

// FetchSettings returns the library's settings map and its version.
func (c *Client) FetchSettings(ctx context.Context, libraryKey string) (Settings, int, error) {
	path := fmt.Sprintf("/libraries/%s/settings", url.PathEscape(libraryKey))
	resp, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, 0, err
	}
	var settings Settings
	if err := json.Unmarshal(body, &settings); err != nil {
		return nil, 0, fmt.Errorf("decode settings: %w", err)
	}
	version, _ := strconv.Atoi(resp.Header.Get(headerLibraryVersion))
	return settings, version, nil
}

// UpdateSettings writes one settings key conditional on the version the
// caller last observed for that key. Returns the new library version.
func (c *Client) UpdateSettings(ctx context.Context, libraryKey, key string, value any, version int) (int, error) {
	path := fmt.Sprintf("/libraries/%s/settings/%s", url.PathEscape(libraryKey), url.PathEscape(key))
	headers := map[string]string{headerIfUnmodified: strconv.Itoa(version)}
	resp, _, err := c.do(ctx, http.MethodPut, path, map[string]any{"value": value}, headers)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusPreconditionFailed {
			return 0, &ConflictError{LibraryKey: libraryKey, Version: version}
		}
		return 0, err
	}
	newVersion, _ := strconv.Atoi(resp.Header.Get(headerLibraryVersion))
	return newVersion, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, headers map[string]string) (*http.Response, []byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request body: %w", err)
		}
	}
	fullURL := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return nil, nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, nil, waitErr
				}
				continue
			}
			return nil, nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp, respBody, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, nil, waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
				message = m
			}
		}
		return nil, nil, &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
