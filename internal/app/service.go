package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"collab/syncd/internal/access"
	"collab/syncd/internal/auth"
	"collab/syncd/internal/compaction"
	"collab/syncd/internal/crdt"
	"collab/syncd/internal/export"
	"collab/syncd/internal/history"
	"collab/syncd/internal/hub"
	"collab/syncd/internal/rbac"
	"collab/syncd/internal/search"
	"collab/syncd/internal/store"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Log is the part of the update log the HTTP surface reads directly.
type Log interface {
	Pinger
	Records(ctx context.Context, docID string) ([]store.Record, error)
	Documents(ctx context.Context) ([]store.DocumentInfo, error)
}

type Options struct {
	Hub       *hub.Hub
	Log       Log
	Access    access.Checker
	Compactor *compaction.Compactor
	// History and Search are optional.
	History *history.Service
	Search  *search.Service
	// Checks are extra readiness probes, keyed by name.
	Checks map[string]Pinger
	// AuthDisabled treats every request as an anonymous editor.
	AuthDisabled bool
	JWTSecret    string
	SyncToken    string
	CORSOrigin   string
	Logger       *slog.Logger
}

type Service struct {
	hub        *hub.Hub
	log        Log
	access     access.Checker
	compactor  *compaction.Compactor
	history    *history.Service
	search     *search.Service
	exporter   *export.Service
	checks     map[string]Pinger
	noAuth     bool
	secret     []byte
	syncToken  string
	corsOrigin string
	logger     *slog.Logger
}

func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Access == nil {
		opts.Access = access.RoleChecker{}
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	checks := map[string]Pinger{"database": opts.Log}
	for name, p := range opts.Checks {
		checks[name] = p
	}
	svc := &Service{
		hub:        opts.Hub,
		log:        opts.Log,
		access:     opts.Access,
		compactor:  opts.Compactor,
		history:    opts.History,
		search:     opts.Search,
		checks:     checks,
		noAuth:     opts.AuthDisabled,
		secret:     []byte(opts.JWTSecret),
		syncToken:  opts.SyncToken,
		corsOrigin: opts.CORSOrigin,
		logger:     opts.Logger,
	}
	svc.exporter = export.NewService(exportSource{svc})
	return svc
}

func (s *Service) SyncToken() string {
	return s.syncToken
}

// Ready runs every readiness check and returns the per-check status.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ok := true
	checks := make(map[string]any, len(names))
	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			ok = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return ok, checks
}

func (s *Service) PrincipalFromToken(token string) (access.Principal, error) {
	if s.noAuth {
		return access.Principal{Subject: "anonymous", Name: "anonymous", Role: rbac.RoleEditor}, nil
	}
	if token == "" {
		return access.Principal{}, auth.ErrInvalidToken
	}
	return access.PrincipalFromToken(s.secret, token)
}

// Authorize checks that principal may read docID, and write it when write
// is set.
func (s *Service) Authorize(ctx context.Context, principal access.Principal, docID string, write bool) error {
	if strings.TrimSpace(docID) == "" {
		return validationError("docId is required")
	}
	decision, err := s.access.CanAccess(ctx, principal, docID)
	if err != nil {
		return fmt.Errorf("check access to %s: %w", docID, err)
	}
	if !decision.Allowed || (write && decision.ReadOnly) {
		return access.ErrDenied
	}
	return nil
}

type DocumentView struct {
	DocID       string         `json:"docId"`
	StateVector []byte         `json:"stateVector"`
	Content     map[string]any `json:"content"`
	Text        string         `json:"text"`
	Pending     int            `json:"pending"`
}

func (s *Service) Document(ctx context.Context, docID string) (DocumentView, error) {
	doc, err := s.hub.Document(ctx, docID)
	if err != nil {
		return DocumentView{}, err
	}
	return DocumentView{
		DocID:       docID,
		StateVector: doc.EncodeStateVector(),
		Content:     doc.ToJSON(),
		Text:        doc.PlainText(),
		Pending:     doc.PendingCount(),
	}, nil
}

func (s *Service) StateVector(ctx context.Context, docID string) ([]byte, error) {
	doc, err := s.hub.Document(ctx, docID)
	if err != nil {
		return nil, err
	}
	return doc.EncodeStateVector(), nil
}

// LogEntry describes one stored record without its payload.
type LogEntry struct {
	Clock     int64     `json:"clock"`
	Size      int       `json:"size"`
	Snapshot  bool      `json:"snapshot"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Service) DocumentLog(ctx context.Context, docID string) ([]LogEntry, error) {
	records, err := s.log.Records(ctx, docID)
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(records))
	for _, r := range records {
		out = append(out, LogEntry{Clock: r.Clock, Size: len(r.Payload), Snapshot: r.Snapshot, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.DocumentInfo, error) {
	return s.log.Documents(ctx)
}

// IngestUpdate merges an update received from another server.
func (s *Service) IngestUpdate(ctx context.Context, docID string, update []byte) (bool, error) {
	if len(update) == 0 {
		return false, validationError("update body is empty")
	}
	return s.hub.ApplyUpdate(ctx, docID, update)
}

func (s *Service) Compact(ctx context.Context, docID string) (compaction.Result, error) {
	if s.compactor == nil {
		return compaction.Result{}, unavailableError("COMPACTION_UNAVAILABLE", "Compaction is not configured")
	}
	return s.compactor.CompactDocument(ctx, docID)
}

type CommitView struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Service) History(docID string, limit int) ([]CommitView, error) {
	if s.history == nil {
		return nil, unavailableError("HISTORY_UNAVAILABLE", "History is not configured")
	}
	commits, err := s.history.History(docID, limit)
	if errors.Is(err, history.ErrNoHistory) {
		return []CommitView{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]CommitView, 0, len(commits))
	for _, c := range commits {
		out = append(out, CommitView{Hash: c.Hash, Message: c.Message, Author: c.Author, CreatedAt: c.CreatedAt})
	}
	return out, nil
}

type SnapshotView struct {
	DocID string          `json:"docId"`
	Clock int64           `json:"clock"`
	Doc   json.RawMessage `json:"doc"`
}

func (s *Service) HistoryAt(docID, hash string) (SnapshotView, error) {
	if s.history == nil {
		return SnapshotView{}, unavailableError("HISTORY_UNAVAILABLE", "History is not configured")
	}
	content, err := s.history.ContentAt(docID, hash)
	if errors.Is(err, history.ErrNoHistory) {
		return SnapshotView{}, store.ErrNotFound
	}
	if err != nil {
		return SnapshotView{}, err
	}
	return SnapshotView{DocID: content.DocID, Clock: content.Clock, Doc: content.Doc}, nil
}

// Export renders the live document, or the snapshot commit named by version.
func (s *Service) Export(ctx context.Context, docID, version, format string) (*export.Result, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, validationError(err.Error())
	}
	return s.exporter.Export(ctx, export.Request{DocID: docID, Version: version, Format: f})
}

type exportSource struct{ s *Service }

func (e exportSource) Content(ctx context.Context, docID, version string) (export.Content, error) {
	if version == "" {
		doc, err := e.s.hub.Document(ctx, docID)
		if err != nil {
			return export.Content{}, err
		}
		return export.Content{DocID: docID, Root: doc.ToJSON()}, nil
	}
	snap, err := e.s.HistoryAt(docID, version)
	if err != nil {
		return export.Content{}, err
	}
	var root map[string]any
	if err := json.Unmarshal(snap.Doc, &root); err != nil {
		return export.Content{}, fmt.Errorf("decode snapshot %s of %s: %w", version, docID, err)
	}
	return export.Content{DocID: docID, Clock: snap.Clock, Root: root}, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) Rooms() []hub.RoomInfo {
	return s.hub.Rooms()
}

func isDecodeError(err error) bool {
	return errors.Is(err, crdt.ErrDecode)
}
