package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"marginalia/api/internal/annot"
	"marginalia/api/internal/auth"
	"marginalia/api/internal/bridge"
	"marginalia/api/internal/export"
	"marginalia/api/internal/reader"
	"marginalia/api/internal/search"
)

type HTTPServer struct {
	service      *Service
	corsOrigin   string
	gatewayToken string
}

// NewHTTPServer wraps the service. gatewayToken guards the open-session
// endpoint; when empty the endpoint is open, for single-node dev runs.
func NewHTTPServer(service *Service, corsOrigin, gatewayToken string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, gatewayToken: gatewayToken}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/reader/sessions" {
		if s.gatewayToken != "" {
			provided := strings.TrimSpace(r.Header.Get("x-marginalia-gateway-token"))
			if provided != s.gatewayToken {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
		}
		var body OpenSessionRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		resp, err := s.service.OpenSession(r.Context(), body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/reader/socket" {
		s.handleSocket(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := search.Query{
			Text:       strings.TrimSpace(r.URL.Query().Get("q")),
			ParentKey:  strings.TrimSpace(r.URL.Query().Get("parentKey")),
			FilterType: strings.TrimSpace(r.URL.Query().Get("type")),
			Limit:      20,
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			q.Limit = parsed
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			q.Offset = parsed
		}
		writeJSON(w, http.StatusOK, s.service.Search(session, q))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/export" {
		format := export.Format(strings.TrimSpace(r.URL.Query().Get("format")))
		if format == "" {
			format = export.FormatHTML
		}
		includeComments := r.URL.Query().Get("comments") != "false"
		result, err := s.service.Export(r.Context(), session, format, includeComments)
		if err != nil {
			if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
				writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)
				return
			}
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/settings" {
		settings, err := s.service.Settings(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, settings)
		return
	}

	if r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/settings/") {
		key := strings.TrimPrefix(r.URL.Path, "/api/settings/")
		var body struct {
			Value any `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateSetting(r.Context(), session, key, body.Value); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleSocket upgrades a viewer connection and runs its pipeline session
// until the socket closes.
func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	acceptOpts := &websocket.AcceptOptions{}
	if s.corsOrigin == "*" {
		acceptOpts.InsecureSkipVerify = true
	} else if s.corsOrigin != "" {
		acceptOpts.OriginPatterns = []string{strings.TrimPrefix(strings.TrimPrefix(s.corsOrigin, "https://"), "http://")}
	}
	ws, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		log.Printf("app: websocket accept: %v", err)
		return
	}

	conn := bridge.NewConn(ws, s.service.logger)
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	rs := s.service.NewReader(session)
	go rs.Run(ctx, 500*time.Millisecond)
	go pumpEvents(ctx, rs, conn, s.service.logger)

	handlers := bridge.Handlers{
		OnSaveAnnotations: func(ctx context.Context, annotations []annot.Raw) error {
			return rs.SaveAnnotations(ctx, annotations)
		},
		OnDeleteAnnotations: func(ctx context.Context, ids []string) error {
			s.service.logger.Printf("app: delete request for %d annotations from %s ignored, items are never hard-deleted here", len(ids), session.ItemKey)
			return nil
		},
		OnChangeViewState: func(ctx context.Context, state map[string]any) error {
			return rs.SaveViewState(ctx, state)
		},
	}
	if err := conn.Listen(ctx, handlers); err != nil {
		s.service.logger.Printf("app: socket for %s/%s closed: %v", session.Library.Key, session.ItemKey, err)
	}
}

// pumpEvents forwards pipeline events to the live viewer.
func pumpEvents(ctx context.Context, rs *reader.Session, conn *bridge.Conn, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-rs.Events():
			var err error
			switch event.Type {
			case reader.EventInit:
				err = conn.Init(ctx, event.Payload)
			case reader.EventPush:
				err = conn.PushAnnotations(ctx, event.Annotations)
			case reader.EventNavigateBack:
				err = conn.PushEvent(ctx, "navigate", map[string]any{"target": "back"})
			case reader.EventNavigateAway:
				err = conn.PushEvent(ctx, "navigate", map[string]any{"target": "away"})
			case reader.EventError:
				err = conn.PushEvent(ctx, "error", map[string]any{"message": event.Err.Error()})
			}
			if err != nil {
				logger.Printf("app: push %s event: %v", event.Type, err)
				return
			}
		}
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
