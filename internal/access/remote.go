package access

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"collab/syncd/internal/rbac"
)

const (
	DefaultCacheSize = 4096
	DefaultCacheTTL  = 30 * time.Second
)

// Remote asks the document metadata service whether a principal may open a
// document. Answers, including denials, are cached for a short while.
type Remote struct {
	baseURL string
	client  *http.Client
	cache   *expirable.LRU[string, Decision]
	logger  *slog.Logger
}

type RemoteOption func(*Remote)

func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *Remote) {
		if client != nil {
			r.client = client
		}
	}
}

func WithCache(size int, ttl time.Duration) RemoteOption {
	return func(r *Remote) {
		if size <= 0 {
			size = DefaultCacheSize
		}
		if ttl <= 0 {
			ttl = DefaultCacheTTL
		}
		r.cache = expirable.NewLRU[string, Decision](size, nil, ttl)
	}
}

func NewRemote(baseURL string, logger *slog.Logger, opts ...RemoteOption) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		cache:   expirable.NewLRU[string, Decision](DefaultCacheSize, nil, DefaultCacheTTL),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type remoteAnswer struct {
	Allowed bool   `json:"allowed"`
	Role    string `json:"role"`
}

func (r *Remote) CanAccess(ctx context.Context, p Principal, docID string) (Decision, error) {
	if !p.InScope(docID) {
		return Decision{Role: p.Role}, nil
	}
	key := p.Subject + "\x00" + docID
	if d, ok := r.cache.Get(key); ok {
		return d, nil
	}

	endpoint := r.baseURL + "/api/documents/" + url.PathEscape(docID) + "/access"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("build access request: %w", err)
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("access request for %s: %w", docID, err)
	}
	defer resp.Body.Close()

	var d Decision
	switch resp.StatusCode {
	case http.StatusOK:
		var answer remoteAnswer
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&answer); err != nil {
			return Decision{}, fmt.Errorf("decode access answer for %s: %w", docID, err)
		}
		role := rbac.Normalize(answer.Role)
		if answer.Allowed {
			d = DecisionFor(role)
		} else {
			d = Decision{Role: role}
		}
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		d = Decision{}
	default:
		return Decision{}, fmt.Errorf("access request for %s: unexpected status %d", docID, resp.StatusCode)
	}

	r.cache.Add(key, d)
	r.logger.Debug("access decision",
		slog.String("doc_id", docID),
		slog.String("subject", p.Subject),
		slog.Bool("allowed", d.Allowed),
		slog.Bool("read_only", d.ReadOnly),
	)
	return d, nil
}

// Forget drops cached decisions for a subject and document.
func (r *Remote) Forget(subject, docID string) {
	r.cache.Remove(subject + "\x00" + docID)
}
