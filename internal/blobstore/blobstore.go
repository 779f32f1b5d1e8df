// Package blobstore archives compacted document snapshots in S3-compatible
// object storage.
package blobstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrChecksum = errors.New("snapshot checksum mismatch")
)

const checksumKey = "Checksum"

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string
}

// Object describes one archived snapshot.
type Object struct {
	Key          string
	DocID        string
	Clock        int64
	Size         int64
	Checksum     string
	LastModified time.Time
}

type Archive struct {
	client *minio.Client
	bucket string
	prefix string
}

func New(cfg Config) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blobstore: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Archive{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Put stores the snapshot of docID taken at clock.
func (a *Archive) Put(ctx context.Context, docID string, clock int64, snapshot []byte) (Object, error) {
	key := a.objectKey(docID, clock)
	sum := Checksum(snapshot)
	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(snapshot), int64(len(snapshot)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{checksumKey: sum},
	})
	if err != nil {
		return Object{}, fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return Object{
		Key:          key,
		DocID:        docID,
		Clock:        clock,
		Size:         info.Size,
		Checksum:     sum,
		LastModified: info.LastModified,
	}, nil
}

// Get reads the snapshot of docID at clock and verifies its checksum.
func (a *Archive) Get(ctx context.Context, docID string, clock int64) ([]byte, Object, error) {
	key := a.objectKey(docID, clock)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Object{}, a.mapError(key, err)
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return nil, Object{}, a.mapError(key, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, Object{}, a.mapError(key, err)
	}
	want := stat.UserMetadata[checksumKey]
	if want != "" && want != Checksum(data) {
		return nil, Object{}, fmt.Errorf("%s: %w", key, ErrChecksum)
	}
	return data, Object{
		Key:          key,
		DocID:        docID,
		Clock:        clock,
		Size:         stat.Size,
		Checksum:     want,
		LastModified: stat.LastModified,
	}, nil
}

// List returns the archived snapshots of docID ordered by clock.
func (a *Archive) List(ctx context.Context, docID string) ([]Object, error) {
	prefix := a.docPrefix(docID)
	var out []Object
	for info := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list snapshots of %s: %w", docID, info.Err)
		}
		clock, ok := clockFromKey(prefix, info.Key)
		if !ok {
			continue
		}
		out = append(out, Object{
			Key:          info.Key,
			DocID:        docID,
			Clock:        clock,
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Clock < out[j].Clock })
	return out, nil
}

// Latest reads the newest archived snapshot of docID.
func (a *Archive) Latest(ctx context.Context, docID string) ([]byte, Object, error) {
	objects, err := a.List(ctx, docID)
	if err != nil {
		return nil, Object{}, err
	}
	if len(objects) == 0 {
		return nil, Object{}, fmt.Errorf("%s: %w", docID, ErrNotFound)
	}
	return a.Get(ctx, docID, objects[len(objects)-1].Clock)
}

func (a *Archive) mapError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("read snapshot %s: %w", key, err)
}

func (a *Archive) docPrefix(docID string) string {
	return a.prefix + "/" + url.PathEscape(docID) + "/"
}

// objectKey zero-pads the clock so keys sort in clock order.
func (a *Archive) objectKey(docID string, clock int64) string {
	return fmt.Sprintf("%s%020d.bin", a.docPrefix(docID), clock)
}

func clockFromKey(prefix, key string) (int64, bool) {
	name, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return 0, false
	}
	name, ok = strings.CutSuffix(name, ".bin")
	if !ok || strings.Contains(name, "/") {
		return 0, false
	}
	clock, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return clock, true
}

// Checksum is the hex BLAKE2b-256 digest stored alongside each snapshot.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
