// Package store keeps the append-only update log of every document and the
// small per-document metadata the compactor needs. Postgres and SQLite share
// one implementation; the Dialect covers the differences.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnavailable marks storage failures worth retrying.
	ErrUnavailable = errors.New("store unavailable")
	ErrNotFound    = errors.New("not found")
	// ErrConflict is returned when a compaction prefix no longer matches the
	// log, for example because the document was cleared in between.
	ErrConflict = errors.New("log changed concurrently")
)

type Store struct {
	db      *sql.DB
	dialect Dialect
	locks   docLocks
	now     func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func newStore(db *sql.DB, d Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: d,
		locks:   docLocks{m: map[string]*docLock{}},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Migrate applies the embedded migrations of the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := Migrations(s.dialect)
	if err != nil {
		return err
	}
	return ApplyMigrations(ctx, s.db, s.dialect, fsys)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AppendUpdate stores update as the next record of docID and returns its
// clock.
func (s *Store) AppendUpdate(ctx context.Context, docID string, update []byte) (int64, error) {
	var clock int64
	err := s.withDocTx(ctx, docID, "append update", func(tx *sql.Tx) error {
		latest, err := s.latestClock(ctx, tx, docID)
		if err != nil {
			return err
		}
		clock = latest + 1
		_, err = tx.ExecContext(ctx, s.dialect.bind(`
			INSERT INTO document_updates (doc_id, clock, payload, is_snapshot, created_at)
			VALUES (?, ?, ?, ?, ?)
		`), docID, clock, update, false, s.now().UnixMilli())
		return err
	})
	if err != nil {
		return 0, err
	}
	return clock, nil
}

// Records returns the log of docID in clock order.
func (s *Store) Records(ctx context.Context, docID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT clock, payload, is_snapshot, created_at
		FROM document_updates
		WHERE doc_id = ?
		ORDER BY clock
	`), docID)
	if err != nil {
		return nil, unavailable("list records", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			created int64
		)
		if err := rows.Scan(&r.Clock, &r.Payload, &r.Snapshot, &created); err != nil {
			return nil, unavailable("scan record", err)
		}
		r.DocID = docID
		r.CreatedAt = time.UnixMilli(created).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list records", err)
	}
	return records, nil
}

// GetAllUpdates returns the payloads of every record of docID in clock order.
func (s *Store) GetAllUpdates(ctx context.Context, docID string) ([][]byte, error) {
	records, err := s.Records(ctx, docID)
	if err != nil {
		return nil, err
	}
	updates := make([][]byte, len(records))
	for i, r := range records {
		updates[i] = r.Payload
	}
	return updates, nil
}

// GetStateVector replays the log and returns the encoded state vector of
// the resulting document.
func (s *Store) GetStateVector(ctx context.Context, docID string) ([]byte, error) {
	doc, err := LoadDocument(ctx, s, docID)
	if err != nil {
		return nil, err
	}
	return doc.EncodeStateVector(), nil
}

func (s *Store) GetMeta(ctx context.Context, docID, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT value FROM document_meta WHERE doc_id = ? AND key = ?`), docID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("read meta", err)
	}
	return value, nil
}

func (s *Store) SetMeta(ctx context.Context, docID, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.bind(upsertMeta), docID, key, value, s.now().UnixMilli()); err != nil {
		return unavailable("write meta", err)
	}
	return nil
}

const upsertMeta = `
	INSERT INTO document_meta (doc_id, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (doc_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`

// ClearDocument drops the whole log and metadata of docID.
func (s *Store) ClearDocument(ctx context.Context, docID string) error {
	return s.withDocTx(ctx, docID, "clear document", func(tx *sql.Tx) error {
		for _, table := range []string{"document_updates", "document_meta", "document_text"} {
			if _, err := tx.ExecContext(ctx, s.dialect.bind(`DELETE FROM `+table+` WHERE doc_id = ?`), docID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplacePrefix atomically swaps every record with clock <= upto for one
// snapshot record at clock upto and records the compaction in the
// document's metadata. Records appended after upto are untouched.
func (s *Store) ReplacePrefix(ctx context.Context, docID string, upto int64, snapshot []byte) error {
	return s.withDocTx(ctx, docID, "replace prefix", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, s.dialect.bind(`SELECT COUNT(*) FROM document_updates WHERE doc_id = ? AND clock = ?`), docID, upto).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("record %d of %s: %w", upto, docID, ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.bind(`DELETE FROM document_updates WHERE doc_id = ? AND clock <= ?`), docID, upto); err != nil {
			return err
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, s.dialect.bind(`
			INSERT INTO document_updates (doc_id, clock, payload, is_snapshot, created_at)
			VALUES (?, ?, ?, ?, ?)
		`), docID, upto, snapshot, true, now.UnixMilli()); err != nil {
			return err
		}
		for key, value := range map[string]string{
			MetaLastCompactionClock: fmt.Sprint(upto),
			MetaLastCompactionAt:    now.UTC().Format(time.RFC3339),
		} {
			if _, err := tx.ExecContext(ctx, s.dialect.bind(upsertMeta), docID, key, []byte(value), now.UnixMilli()); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompactionCandidates lists documents whose log holds at least minRecords
// records.
func (s *Store) CompactionCandidates(ctx context.Context, minRecords int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT doc_id
		FROM document_updates
		GROUP BY doc_id
		HAVING COUNT(*) >= ?
		ORDER BY doc_id
	`), minRecords)
	if err != nil {
		return nil, unavailable("list compaction candidates", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan compaction candidate", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list compaction candidates", err)
	}
	return ids, nil
}

// Documents summarizes every stored log.
func (s *Store) Documents(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, COUNT(*), MAX(clock), COALESCE(SUM(LENGTH(payload)), 0)
		FROM document_updates
		GROUP BY doc_id
		ORDER BY doc_id
	`)
	if err != nil {
		return nil, unavailable("list documents", err)
	}
	defer rows.Close()

	var docs []DocumentInfo
	for rows.Next() {
		var info DocumentInfo
		if err := rows.Scan(&info.DocID, &info.Records, &info.LatestClock, &info.Bytes); err != nil {
			return nil, unavailable("scan document", err)
		}
		docs = append(docs, info)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list documents", err)
	}
	return docs, nil
}

func (s *Store) latestClock(ctx context.Context, tx *sql.Tx, docID string) (int64, error) {
	var latest int64
	err := tx.QueryRowContext(ctx, s.dialect.bind(`SELECT COALESCE(MAX(clock), 0) FROM document_updates WHERE doc_id = ?`), docID).Scan(&latest)
	return latest, err
}

// withDocTx runs fn in a transaction that holds both the in-process and the
// dialect's lock for docID.
func (s *Store) withDocTx(ctx context.Context, docID, op string, fn func(tx *sql.Tx) error) error {
	unlock := s.locks.lock(docID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	if err := s.dialect.lockDoc(ctx, tx, docID); err != nil {
		_ = tx.Rollback()
		return unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

type docLock struct {
	sync.Mutex
	refs int
}

type docLocks struct {
	mu sync.Mutex
	m  map[string]*docLock
}

func (l *docLocks) lock(docID string) func() {
	l.mu.Lock()
	dl, ok := l.m[docID]
	if !ok {
		dl = &docLock{}
		l.m[docID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	dl.Lock()
	return func() {
		dl.Unlock()
		l.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(l.m, docID)
		}
		l.mu.Unlock()
	}
}
