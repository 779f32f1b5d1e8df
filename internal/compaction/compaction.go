// Package compaction folds the update log of a document into one snapshot
// record and hands the result to best-effort sinks.
package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collab/syncd/internal/crdt"
	"collab/syncd/internal/reconcile"
	"collab/syncd/internal/store"
)

const (
	DefaultMinRecords = 100
	DefaultInterval   = time.Minute
)

// Log is the part of the store the compactor needs.
type Log interface {
	Records(ctx context.Context, docID string) ([]store.Record, error)
	ReplacePrefix(ctx context.Context, docID string, upto int64, snapshot []byte) error
	CompactionCandidates(ctx context.Context, minRecords int) ([]string, error)
}

// Snapshot is a compacted document as seen by sinks.
type Snapshot struct {
	DocID       string
	Clock       int64
	Update      []byte
	StateVector []byte
	JSON        json.RawMessage
	Text        string
}

type Sink interface {
	Name() string
	Store(ctx context.Context, snap Snapshot) error
}

type Result struct {
	DocID       string
	Upto        int64
	Records     int
	BytesBefore int
	BytesAfter  int
	Skipped     bool
}

type Compactor struct {
	log        Log
	logger     *slog.Logger
	sinks      []Sink
	minRecords int
	interval   time.Duration
}

type Option func(*Compactor)

func WithSinks(sinks ...Sink) Option {
	return func(c *Compactor) {
		c.sinks = append(c.sinks, sinks...)
	}
}

// WithMinRecords sets how many records a log needs before Run compacts it.
func WithMinRecords(n int) Option {
	return func(c *Compactor) {
		if n > 1 {
			c.minRecords = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(c *Compactor) {
		if d > 0 {
			c.interval = d
		}
	}
}

func New(log Log, logger *slog.Logger, opts ...Option) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Compactor{
		log:        log,
		logger:     logger,
		minRecords: DefaultMinRecords,
		interval:   DefaultInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompactDocument replaces every record of docID present now with one
// snapshot. Records appended meanwhile survive after the snapshot. Any
// failure leaves the log as it was.
func (c *Compactor) CompactDocument(ctx context.Context, docID string) (Result, error) {
	records, err := c.log.Records(ctx, docID)
	if err != nil {
		return Result{}, fmt.Errorf("read log of %s: %w", docID, err)
	}
	res := Result{DocID: docID, Records: len(records)}
	if len(records) < 2 {
		res.Skipped = true
		return res, nil
	}

	updates := make([][]byte, len(records))
	for i, r := range records {
		updates[i] = r.Payload
		res.BytesBefore += len(r.Payload)
	}
	res.Upto = records[len(records)-1].Clock

	snapshot, err := reconcile.MergeUpdates(updates...)
	if err != nil {
		return Result{}, fmt.Errorf("fold log of %s: %w", docID, err)
	}
	res.BytesAfter = len(snapshot)

	doc := crdt.NewDoc(crdt.WithClientID(0))
	if err := doc.ApplyUpdate(snapshot, nil); err != nil {
		return Result{}, fmt.Errorf("verify snapshot of %s: %w", docID, err)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := c.log.ReplacePrefix(ctx, docID, res.Upto, snapshot); err != nil {
		return Result{}, fmt.Errorf("replace log prefix of %s: %w", docID, err)
	}
	c.logger.Info("document compacted",
		slog.String("doc_id", docID),
		slog.Int64("upto", res.Upto),
		slog.Int("records", res.Records),
		slog.Int("bytes_before", res.BytesBefore),
		slog.Int("bytes_after", res.BytesAfter),
	)

	c.publish(ctx, docID, res.Upto, snapshot, doc)
	return res, nil
}

func (c *Compactor) publish(ctx context.Context, docID string, clock int64, snapshot []byte, doc *crdt.Doc) {
	if len(c.sinks) == 0 {
		return
	}
	body, err := json.Marshal(doc.ToJSON())
	if err != nil {
		c.logger.Warn("materialize snapshot", slog.String("doc_id", docID), slog.String("error", err.Error()))
		return
	}
	snap := Snapshot{
		DocID:       docID,
		Clock:       clock,
		Update:      snapshot,
		StateVector: doc.EncodeStateVector(),
		JSON:        body,
		Text:        doc.PlainText(),
	}
	for _, sink := range c.sinks {
		if err := sink.Store(ctx, snap); err != nil {
			c.logger.Warn("snapshot sink failed",
				slog.String("sink", sink.Name()),
				slog.String("doc_id", docID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RunOnce compacts every candidate document and returns how many were
// compacted. Failures are logged and left for the next pass.
func (c *Compactor) RunOnce(ctx context.Context) (int, error) {
	ids, err := c.log.CompactionCandidates(ctx, c.minRecords)
	if err != nil {
		return 0, fmt.Errorf("list compaction candidates: %w", err)
	}
	compacted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return compacted, ctx.Err()
		}
		res, err := c.CompactDocument(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return compacted, err
			}
			c.logger.Error("compaction failed", slog.String("doc_id", id), slog.String("error", err.Error()))
			continue
		}
		if !res.Skipped {
			compacted++
		}
	}
	return compacted, nil
}

// Run compacts on every tick until ctx is done.
func (c *Compactor) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("compaction pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
