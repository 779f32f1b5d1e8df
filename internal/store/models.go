package store

import "time"

// Record is one row of a document's update log. Clock is assigned by the
// store and increases by one per append; a snapshot record replaces every
// record up to and including its clock.
type Record struct {
	DocID     string
	Clock     int64
	Payload   []byte
	Snapshot  bool
	CreatedAt time.Time
}

type DocumentInfo struct {
	DocID       string
	Records     int
	LatestClock int64
	Bytes       int64
}

const (
	MetaLastCompactionClock = "last_compaction_clock"
	MetaLastCompactionAt    = "last_compaction_at"
)
