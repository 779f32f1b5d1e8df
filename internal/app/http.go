package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"collab/syncd/internal/access"
	"collab/syncd/internal/auth"
	"collab/syncd/internal/export"
	"collab/syncd/internal/rbac"
	"collab/syncd/internal/search"
	"collab/syncd/internal/store"
	"collab/syncd/internal/transport"
)

const (
	syncTokenHeader = "X-Sync-Token"
	maxUpdateBytes  = 8 << 20
)

type HTTPServer struct {
	service *Service
	sync    *transport.Server
	logger  *slog.Logger
}

func NewHTTPServer(service *Service, sync *transport.Server) *HTTPServer {
	return &HTTPServer{service: service, sync: sync, logger: service.logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter().UseEncodedPath()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/api/docs", s.withPrincipal(s.handleListDocuments)).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docId}", s.withPrincipal(s.handleDocument)).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docId}/sync", s.handleSync).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docId}/state-vector", s.withPrincipal(s.handleStateVector)).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docId}/log", s.withPrincipal(s.handleLog)).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docId}/history", s.withPrincipal(s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docId}/history/{hash}", s.withPrincipal(s.handleHistoryAt)).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docId}/export", s.withPrincipal(s.handleExport)).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docId}/updates", s.withSyncToken(s.handleIngestUpdate)).Methods(http.MethodPost)
	r.HandleFunc("/api/search", s.withPrincipal(s.handleSearch)).Methods(http.MethodGet)

	r.HandleFunc("/api/internal/docs/{docId}/compact", s.withSyncToken(s.handleCompact)).Methods(http.MethodPost)
	r.HandleFunc("/api/internal/rooms", s.withSyncToken(s.handleRooms)).Methods(http.MethodGet)

	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.service.Ready(ctx)
	status, statusCode := "ready", http.StatusOK
	if !ok {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ok,
		"status": status,
		"checks": checks,
	})
}

// handleSync upgrades to a sync connection. Browsers cannot set headers on
// WebSocket requests, so the token may also come as a query parameter.
func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	principal, err := s.service.PrincipalFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	docID, ok := pathDocID(w, r)
	if !ok {
		return
	}
	// Frames for other documents are checked by the hub as they arrive.
	if err := s.service.Authorize(r.Context(), principal, docID, false); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.sync == nil {
		s.fail(w, r, unavailableError("SYNC_UNAVAILABLE", "Sync is not configured"))
		return
	}
	s.sync.Handle(w, r, principal)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, principal access.Principal) {
	if !rbac.Can(principal.Role, rbac.ActionAdmin) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	docs, err := s.service.ListDocuments(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		items = append(items, map[string]any{
			"docId":       d.DocID,
			"records":     d.Records,
			"latestClock": d.LatestClock,
			"bytes":       d.Bytes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": items})
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, principal access.Principal) {
	docID, ok := s.authorizedDoc(w, r, principal)
	if !ok {
		return
	}
	view, err := s.service.Document(r.Context(), docID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleStateVector(w http.ResponseWriter, r *http.Request, principal access.Principal) {
	docID, ok := s.authorizedDoc(w, r, principal)
	if !ok {
		return
	}
	sv, err := s.service.StateVector(r.Context(), docID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"docId": docID, "stateVector": sv})
}

func (s *HTTPServer) handleLog(w http.ResponseWriter, r *http.Request, principal access.Principal) {
	docID, ok := s.authorizedDoc(w, r, principal)
	if !ok {
		return
	}
	entries, err := s.service.DocumentLog(r.Context(), docID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"docId": docID, "records": entries})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, principal access.Principal) {
	docID, ok := s.authorizedDoc(w, r, principal)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	commits, err := s.service.History(docID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"docId": docID, "commits": commits})
}

func (s *HTTPServer) handleHistoryAt(w http.ResponseWriter, r *http.Request, principal access.Principal) {
	docID, ok := s.authorizedDoc(w, r, principal)
	if !ok {
		return
	}
	snapshot, err := s.service.HistoryAt(docID, mux.Vars(r)["hash"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, principal access.Principal) {
	docID, ok := s.authorizedDoc(w, r, principal)
	if !ok {
		return
	}
	q := r.URL.Query()
	result, err := s.service.Export(r.Context(), docID, q.Get("version"), q.Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, principal access.Principal) {
	if !rbac.Can(principal.Role, rbac.ActionRead) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	q := search.Query{Text: strings.TrimSpace(r.URL.Query().Get("q")), Limit: limit, Offset: offset}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func (s *HTTPServer) handleIngestUpdate(w http.ResponseWriter, r *http.Request) {
	docID, ok := pathDocID(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "UPDATE_TOO_LARGE", "Update exceeds the size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read body", nil)
		return
	}
	changed, err := s.service.IngestUpdate(r.Context(), docID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"docId": docID, "changed": changed})
}

func (s *HTTPServer) handleCompact(w http.ResponseWriter, r *http.Request) {
	docID, ok := pathDocID(w, r)
	if !ok {
		return
	}
	res, err := s.service.Compact(r.Context(), docID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"docId":       res.DocID,
		"upto":        res.Upto,
		"records":     res.Records,
		"bytesBefore": res.BytesBefore,
		"bytesAfter":  res.BytesAfter,
		"skipped":     res.Skipped,
	})
}

func (s *HTTPServer) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": s.service.Rooms()})
}

func (s *HTTPServer) withPrincipal(next func(http.ResponseWriter, *http.Request, access.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.requirePrincipal(w, r)
		if !ok {
			return
		}
		next(w, r, principal)
	}
}

func (s *HTTPServer) withSyncToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(syncTokenHeader))
		expected := s.service.SyncToken()
		if token == "" || expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next(w, r)
	}
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (access.Principal, bool) {
	principal, err := s.service.PrincipalFromToken(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return access.Principal{}, false
	}
	return principal, true
}

func (s *HTTPServer) authorizedDoc(w http.ResponseWriter, r *http.Request, principal access.Principal) (string, bool) {
	docID, ok := pathDocID(w, r)
	if !ok {
		return "", false
	}
	if err := s.service.Authorize(r.Context(), principal, docID, false); err != nil {
		s.fail(w, r, err)
		return "", false
	}
	return docID, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("request_id", requestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		setCORSHeaders(w.Header(), s.service.corsOrigin)
		w.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// httpsnoop keeps the Hijacker the WebSocket upgrade needs.
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", m.Code),
			slog.Int64("bytes", m.Written),
			slog.Int64("duration_ms", m.Duration.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+syncTokenHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// pathDocID returns the unescaped docId route variable. Document ids may
// contain slashes when sent as %2F.
func pathDocID(w http.ResponseWriter, r *http.Request) (string, bool) {
	docID, err := url.PathUnescape(mux.Vars(r)["docId"])
	if err != nil || strings.TrimSpace(docID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid docId", nil)
		return "", false
	}
	return docID, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("%s must be a non-negative integer", name), nil)
		return 0, false
	}
	return parsed, true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, access.ErrDenied):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case isDecodeError(err):
		return http.StatusBadRequest, "INVALID_UPDATE", "Update could not be decoded", nil
	case errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export format is not available on this server", nil
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Storage is unavailable, retry later", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
