package store

import (
	"context"
	"fmt"

	"collab/syncd/internal/crdt"
)

// RecordReader is the read side of the update log.
type RecordReader interface {
	Records(ctx context.Context, docID string) ([]Record, error)
}

// LoadDocument replays the log of docID in storage order into a fresh
// replica. A missing document yields an empty replica.
func LoadDocument(ctx context.Context, r RecordReader, docID string, opts ...crdt.Option) (*crdt.Doc, error) {
	records, err := r.Records(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc := crdt.NewDoc(opts...)
	for _, rec := range records {
		if err := doc.ApplyUpdate(rec.Payload, nil); err != nil {
			return nil, fmt.Errorf("replay record %d of %s: %w", rec.Clock, docID, err)
		}
	}
	return doc, nil
}
