package clientid

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
)

var poolBucket = []byte("pool")

// LocalBackend is the single-node backend: the pool lives in a bbolt file
// and locks are flock(2) files, one per (docId, clientId).
type LocalBackend struct {
	db      *bolt.DB
	lockDir string
	logger  *slog.Logger
}

// OpenLocalBackend opens (or creates) the pool database and lock directory
// under dir.
func OpenLocalBackend(dir string, logger *slog.Logger) (*LocalBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lockDir := filepath.Join(dir, "locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "clientid.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open client id pool: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(poolBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create pool bucket: %w", err)
	}
	return &LocalBackend{
		db:      db,
		lockDir: lockDir,
		logger:  logger,
	}, nil
}

func (b *LocalBackend) Pool(ctx context.Context) ([]uint32, error) {
	var ids []uint32
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(poolBucket).ForEach(func(k, _ []byte) error {
			if len(k) == 4 {
				ids = append(ids, binary.BigEndian.Uint32(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read pool: %w", err)
	}
	return ids, nil
}

func (b *LocalBackend) AddToPool(ctx context.Context, id uint32) (bool, error) {
	key := binary.BigEndian.AppendUint32(nil, id)
	added := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(poolBucket)
		if bucket.Get(key) != nil {
			return nil
		}
		added = true
		return bucket.Put(key, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return false, fmt.Errorf("add to pool: %w", err)
	}
	return added, nil
}

// TryLock takes a non-blocking exclusive flock on the (docID, id) file.
// Lock files stay on disk after release so that concurrent openers never
// lock an unlinked inode.
func (b *LocalBackend) TryLock(ctx context.Context, docID string, id uint32) (func(), bool, error) {
	path := filepath.Join(b.lockDir, lockName(docID, id))
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		if err := lock.Unlock(); err != nil {
			b.logger.Warn("release client id lock", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return release, true, nil
}

func (b *LocalBackend) Close() error {
	return b.db.Close()
}

// lockName hashes the doc id so arbitrary ids map to safe file names.
func lockName(docID string, id uint32) string {
	sum := blake2b.Sum256([]byte(docID))
	return hex.EncodeToString(sum[:16]) + "-" + strconv.FormatUint(uint64(id), 10) + ".lock"
}

func sortIDs(ids []uint32) {
	slices.Sort(ids)
}
