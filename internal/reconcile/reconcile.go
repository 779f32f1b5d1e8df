// Package reconcile computes and merges the updates exchanged between
// replicas: the diff a peer is missing given its state vector, merges that
// report whether anything changed, and folding of stored logs.
package reconcile

import (
	"fmt"

	"collab/syncd/internal/crdt"
)

// Diff returns the update the holder of remoteSV is missing. Clients the
// remote knows and this replica does not are ignored.
func Diff(doc *crdt.Doc, remoteSV []byte) ([]byte, error) {
	sv, err := crdt.DecodeStateVector(remoteSV)
	if err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	return doc.EncodeStateAsUpdate(sv), nil
}

// Merge applies update to doc and reports whether the replica changed.
func Merge(doc *crdt.Doc, update []byte, origin any) (bool, error) {
	delta, err := doc.Apply(update, origin)
	if err != nil {
		return false, err
	}
	return delta != nil, nil
}

// IsNoop reports whether update carries nothing a peer could apply.
// Malformed updates are not no-ops.
func IsNoop(update []byte) bool {
	empty, err := crdt.IsEmptyUpdate(update)
	return err == nil && empty
}

// MergeUpdates folds updates into one update equivalent to applying all of
// them in any order.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	doc := crdt.NewDoc(crdt.WithClientID(0))
	for i, update := range updates {
		if err := doc.ApplyUpdate(update, nil); err != nil {
			return nil, fmt.Errorf("merge update %d: %w", i, err)
		}
	}
	return doc.EncodeStateAsUpdate(nil), nil
}
