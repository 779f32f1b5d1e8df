package compaction

import (
	"context"
	"fmt"

	"collab/syncd/internal/blobstore"
	"collab/syncd/internal/history"
	"collab/syncd/internal/search"
)

// HistorySink commits the materialized document to its git history and tags
// the commit with the compaction clock.
type HistorySink struct {
	History *history.Service
}

func (HistorySink) Name() string { return "history" }

func (s HistorySink) Store(_ context.Context, snap Snapshot) error {
	info, created, err := s.History.Commit(history.Content{
		DocID: snap.DocID,
		Clock: snap.Clock,
		Doc:   snap.JSON,
		Text:  snap.Text,
	}, fmt.Sprintf("Compaction at clock %d", snap.Clock))
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return s.History.Tag(snap.DocID, info.Hash, fmt.Sprintf("clock-%d", snap.Clock))
}

// ArchiveSink stores the raw snapshot update in object storage.
type ArchiveSink struct {
	Archive *blobstore.Archive
}

func (ArchiveSink) Name() string { return "archive" }

func (s ArchiveSink) Store(ctx context.Context, snap Snapshot) error {
	_, err := s.Archive.Put(ctx, snap.DocID, snap.Clock, snap.Update)
	return err
}

// SearchSink refreshes the text index.
type SearchSink struct {
	Search *search.Service
}

func (SearchSink) Name() string { return "search" }

func (s SearchSink) Store(ctx context.Context, snap Snapshot) error {
	return s.Search.IndexDocument(ctx, snap.DocID, snap.Clock, snap.Text)
}
