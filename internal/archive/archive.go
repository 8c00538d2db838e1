// Package archive stores raw upload files in object storage, so any
// batch can be re-derived from the exact bytes it was built from.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/golang/snappy"
)

// Common errors for archive backends.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrPutFailed      = errors.New("put failed")
	ErrGetFailed      = errors.New("get failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// ObjectStore abstracts the archive backend.
// Implementations include S3 and the local filesystem.
type ObjectStore interface {
	// Put stores data under key, overwriting any prior object.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the objects under the given key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// uploadPrefix is where archived batch uploads live.
const uploadPrefix = "batches"

// Uploads lays out the upload archive over an ObjectStore: one
// snappy-compressed object per batch, keyed by batch ID and the
// submitted filename.
type Uploads struct {
	store ObjectStore
}

// NewUploads creates the upload archive over the given backend.
func NewUploads(store ObjectStore) *Uploads {
	return &Uploads{store: store}
}

// Key returns the archive key for a batch's raw file.
func Key(batchID, filename string) string {
	name := path.Base(filename)
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	return path.Join(uploadPrefix, batchID, name+".sz")
}

// Archive compresses and stores raw upload bytes, returning the key
// they were stored under.
func (u *Uploads) Archive(ctx context.Context, batchID, filename string, raw []byte) (string, error) {
	key := Key(batchID, filename)
	if err := u.store.Put(ctx, key, snappy.Encode(nil, raw)); err != nil {
		return "", err
	}
	return key, nil
}

// Fetch retrieves and decompresses an archived upload by key.
func (u *Uploads) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := u.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("archive: corrupt object %q: %w", key, err)
	}
	return raw, nil
}

// FetchBatch retrieves the archived upload for a batch.
func (u *Uploads) FetchBatch(ctx context.Context, batchID, filename string) ([]byte, error) {
	return u.Fetch(ctx, Key(batchID, filename))
}

// SweepOlderThan deletes archived uploads last modified before cutoff
// and reports how many were removed. Backends without modification
// times are left untouched.
func (u *Uploads) SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	objects, err := u.store.List(ctx, uploadPrefix+"/")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, obj := range objects {
		if obj.Modified.IsZero() || !obj.Modified.Before(cutoff) {
			continue
		}
		if err := u.store.Delete(ctx, obj.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
