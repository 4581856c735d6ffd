package store

import (
	"context"
	"encoding/json"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/rendis/pipeflow/pkg/schema"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// BlobStore keeps snapshots as objects in a gocloud bucket
// (mem://, file:///path, or any registered driver).
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

// NewBlobStore opens the bucket at bucketURL. Objects are named <prefix><key>.json.
func NewBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return &BlobStore{bucket: bucket, prefix: prefix}, nil
}

func (s *BlobStore) keyFor(key string) string {
	return s.prefix + safeName(key) + fileExt
}

func (s *BlobStore) Save(ctx context.Context, key string, state *schema.PersistedState) error {
	cp := stateCopy(state)
	cp.UpdatedAt = timeOrNow(cp.UpdatedAt)
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, s.keyFor(key), data, opts); err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) Load(ctx context.Context, key string) (*schema.PersistedState, bool, error) {
	data, err := s.bucket.ReadAll(ctx, s.keyFor(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load state %s: %w", key, err)
	}
	var st schema.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("parse state %s: %w", key, err)
	}
	st.Data = nonNilData(st.Data)
	return &st, true, nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, s.keyFor(key))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) Close() error { return s.bucket.Close() }
