// Package bridge is the boundary adapter to the document viewer. It builds
// the one-shot init payload, pushes updated annotation sets into a running
// viewer, and forwards inbound viewer events as opaque callbacks. It never
// mutates the store.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"marginalia/api/internal/annot"
)

// InitParams carries everything the viewer needs at startup.
type InitParams struct {
	Type             string // pdf, epub, snapshot
	Buf              []byte
	BaseURI          string
	Annotations      []annot.Raw
	ReadOnly         bool
	AuthorName       string
	SidebarWidth     int
	SidebarOpen      bool
	LocalizedStrings map[string]string
}

// BuildInitPayload returns the structured init message. Annotations is the
// combined processed+imported set; Buf rides along base64-encoded by the
// JSON layer.
func BuildInitPayload(p InitParams) map[string]any {
	annotations := p.Annotations
	if annotations == nil {
		annotations = []annot.Raw{}
	}
	localized := p.LocalizedStrings
	if localized == nil {
		localized = map[string]string{}
	}
	return map[string]any{
		"type": p.Type,
		"data": map[string]any{
			"buf":     p.Buf,
			"baseURI": p.BaseURI,
		},
		"annotations":      annotations,
		"readOnly":         p.ReadOnly,
		"authorName":       p.AuthorName,
		"sidebarWidth":     p.SidebarWidth,
		"sidebarOpen":      p.SidebarOpen,
		"localizedStrings": localized,
		"showAnnotations":  true,
	}
}

// Handlers are the callback slots for inbound viewer events. A nil slot
// drops its event.
type Handlers struct {
	OnSaveAnnotations   func(ctx context.Context, annotations []annot.Raw) error
	OnDeleteAnnotations func(ctx context.Context, ids []string) error
	OnChangeViewState   func(ctx context.Context, state map[string]any) error
	OnOpenContextMenu   func(ctx context.Context, params map[string]any)
	OnOpenTagsPopup     func(ctx context.Context, params map[string]any)
}

// event is the inbound wire shape.
type event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn wraps one websocket connection to one viewer instance.
type Conn struct {
	ws     *websocket.Conn
	logger *log.Logger
}

func NewConn(ws *websocket.Conn, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.Default()
	}
	return &Conn{ws: ws, logger: logger}
}

// Init sends the startup payload. Used exactly once per viewer instance.
func (c *Conn) Init(ctx context.Context, payload map[string]any) error {
	message := map[string]any{"action": "init", "payload": payload}
	if err := wsjson.Write(ctx, c.ws, message); err != nil {
		return fmt.Errorf("bridge init: %w", err)
	}
	return nil
}

// PushAnnotations sends an updated combined annotation set to the running
// viewer.
func (c *Conn) PushAnnotations(ctx context.Context, annotations []annot.Raw) error {
	if annotations == nil {
		annotations = []annot.Raw{}
	}
	message := map[string]any{"action": "setAnnotations", "annotations": annotations}
	if err := wsjson.Write(ctx, c.ws, message); err != nil {
		return fmt.Errorf("bridge push: %w", err)
	}
	return nil
}

// PushEvent sends an arbitrary labeled message, used for navigation and
// error events surfaced to the host application.
func (c *Conn) PushEvent(ctx context.Context, action string, body map[string]any) error {
	message := map[string]any{"action": action}
	for key, value := range body {
		message[key] = value
	}
	if err := wsjson.Write(ctx, c.ws, message); err != nil {
		return fmt.Errorf("bridge event %s: %w", action, err)
	}
	return nil
}

// Listen reads viewer events until the socket closes or ctx is cancelled,
// dispatching each to its handler slot. Returns nil on a normal close.
func (c *Conn) Listen(ctx context.Context, handlers Handlers) error {
	for {
		var received event
		if err := wsjson.Read(ctx, c.ws, &received); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("bridge read: %w", err)
		}
		if err := c.dispatch(ctx, received, handlers); err != nil {
			c.logger.Printf("bridge: %s handler: %v", received.Event, err)
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, received event, handlers Handlers) error {
	switch received.Event {
	case "saveAnnotations":
		if handlers.OnSaveAnnotations == nil {
			return nil
		}
		var body struct {
			Annotations []annot.Raw `json:"annotations"`
		}
		if err := json.Unmarshal(received.Data, &body); err != nil {
			return fmt.Errorf("decode annotations: %w", err)
		}
		return handlers.OnSaveAnnotations(ctx, body.Annotations)
	case "deleteAnnotations":
		if handlers.OnDeleteAnnotations == nil {
			return nil
		}
		var body struct {
			IDs []string `json:"ids"`
		}
		if err := json.Unmarshal(received.Data, &body); err != nil {
			return fmt.Errorf("decode ids: %w", err)
		}
		return handlers.OnDeleteAnnotations(ctx, body.IDs)
	case "changeViewState":
		if handlers.OnChangeViewState == nil {
			return nil
		}
		var state map[string]any
		if err := json.Unmarshal(received.Data, &state); err != nil {
			return fmt.Errorf("decode view state: %w", err)
		}
		return handlers.OnChangeViewState(ctx, state)
	case "openContextMenu":
		if handlers.OnOpenContextMenu == nil {
			return nil
		}
		var params map[string]any
		if err := json.Unmarshal(received.Data, &params); err != nil {
			return fmt.Errorf("decode context menu params: %w", err)
		}
		handlers.OnOpenContextMenu(ctx, params)
		return nil
	case "openTagsPopup":
		if handlers.OnOpenTagsPopup == nil {
			return nil
		}
		var params map[string]any
		if err := json.Unmarshal(received.Data, &params); err != nil {
			return fmt.Errorf("decode tags popup params: %w", err)
		}
		handlers.OnOpenTagsPopup(ctx, params)
		return nil
	default:
		c.logger.Printf("bridge: unknown viewer event %q", received.Event)
		return nil
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
