// Package objectstore implements the content-addressed object store
// (C3): a durable key-value store keyed by CID, with transparent
// compression, type-partitioned buckets, a bounded LRU+TTL cache in
// front of the durable tier, and coalesced concurrent reads of the
// same cold CID.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"gocloud.dev/blob"

	"github.com/plaenen/eventcore/pkg/cid"
)

// Errors returned by this package.
var (
	ErrNotFound           = errors.New("objectstore: not found")
	ErrIntegrityViolation = errors.New("objectstore: integrity violation")
	ErrStorageUnavailable = errors.New("objectstore: storage unavailable")
	ErrSerializationError = errors.New("objectstore: serialization error")
)

// header bytes distinguishing raw vs compressed content, per the
// persisted-state layout: 0x00 = raw, 0x01 = zstd.
const (
	headerRaw  byte = 0x00
	headerZstd byte = 0x01

	// defaultCompressionThreshold is the payload size at/above which
	// Put transparently compresses.
	defaultCompressionThreshold = 1024
)

// Config configures a Store.
type Config struct {
	// CompressionThresholdBytes is the payload size at/above which Put
	// compresses with zstd. Default 1024.
	CompressionThresholdBytes int

	// CacheCapacityEntries bounds the in-process LRU cache. Default 10000.
	CacheCapacityEntries int

	// CacheTTL bounds how long a cache entry is trusted before it is
	// evicted and re-fetched. Content addressing means cache entries
	// are never invalidated early, only evicted. Default 5 minutes.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.CompressionThresholdBytes <= 0 {
		c.CompressionThresholdBytes = defaultCompressionThreshold
	}
	if c.CacheCapacityEntries <= 0 {
		c.CacheCapacityEntries = 10000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	return c
}

// Store is a content-addressed, type-partitioned blob store.
type Store struct {
	bucket *blob.Bucket
	cfg    Config

	cache  *expirable.LRU[string, []byte]
	flight singleflight.Group

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New creates a Store backed by an already-open gocloud.dev bucket.
// Callers open the bucket with the driver appropriate to their
// deployment (fileblob, s3blob, gcsblob, memblob for tests, ...); the
// object store itself is storage-agnostic.
func New(bucket *blob.Bucket, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("objectstore: building zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("objectstore: building zstd decoder: %w", err)
	}

	cache := expirable.NewLRU[string, []byte](cfg.CacheCapacityEntries, nil, cfg.CacheTTL)

	return &Store{
		bucket:  bucket,
		cfg:     cfg,
		cache:   cache,
		encoder: enc,
		decoder: dec,
	}, nil
}

// key builds the bucket key for a CID within a type-partitioned
// namespace. One bucket hosts every type_tag, partitioned by key
// prefix rather than by separate physical buckets.
func key(typeTag string, c cid.CID) string {
	return typeTag + "/" + c.String()
}

// Put stores bytes under cid, compressing if they are at or above the
// configured threshold. Repeated writes of identical content (same
// CID) are no-ops — content addressing makes Put naturally idempotent,
// and concurrent identical writes race harmlessly to the same bytes.
func (s *Store) Put(ctx context.Context, c cid.CID, data []byte, typeTag string) error {
	if ok, err := s.Has(ctx, c, typeTag); err == nil && ok {
		return nil
	}

	var body []byte
	if len(data) >= s.cfg.CompressionThresholdBytes {
		compressed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)))
		body = append([]byte{headerZstd}, compressed...)
	} else {
		body = append([]byte{headerRaw}, data...)
	}

	if err := s.bucket.WriteAll(ctx, key(typeTag, c), body, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.cache.Add(key(typeTag, c), data)
	return nil
}

// Get retrieves and decompresses the bytes stored under cid in
// typeTag's partition, verifying their integrity against cid before
// returning them. Concurrent cold Get calls for the same key coalesce
// into a single underlying fetch.
func (s *Store) Get(ctx context.Context, c cid.CID, typeTag string) ([]byte, error) {
	k := key(typeTag, c)

	if cached, ok := s.cache.Get(k); ok {
		return cached, nil
	}

	v, err, _ := s.flight.Do(k, func() (any, error) {
		raw, err := s.bucket.ReadAll(ctx, k)
		if err != nil {
			if isNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}

		data, err := s.unwrap(raw)
		if err != nil {
			return nil, err
		}

		if recomputed := cid.HashBytes(data); !recomputed.Equal(c) {
			return nil, fmt.Errorf("%w: cid %s", ErrIntegrityViolation, c.String())
		}

		s.cache.Add(k, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Store) unwrap(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty stored object", ErrSerializationError)
	}
	header, body := raw[0], raw[1:]
	switch header {
	case headerRaw:
		return body, nil
	case headerZstd:
		out, err := s.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing: %v", ErrSerializationError, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown header byte 0x%02x", ErrSerializationError, header)
	}
}

// Has reports whether cid is present in typeTag's partition.
func (s *Store) Has(ctx context.Context, c cid.CID, typeTag string) (bool, error) {
	k := key(typeTag, c)
	if _, ok := s.cache.Get(k); ok {
		return true, nil
	}
	exists, err := s.bucket.Exists(ctx, k)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return exists, nil
}

// Delete removes cid from typeTag's partition. Reserved for explicit
// retention flows — never called from the hot append/replay path.
func (s *Store) Delete(ctx context.Context, c cid.CID, typeTag string) error {
	k := key(typeTag, c)
	s.cache.Remove(k)
	if err := s.bucket.Delete(ctx, k); err != nil {
		if isNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Close releases resources held by the store (compressors, not the
// underlying bucket, which the caller owns and closes itself).
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return nil
}

func isNotExist(err error) bool {
	return blob.IsNotExist(err)
}

// PutReader is a convenience for large payloads already available as
// a stream; it buffers just once to compute the CID's digest and to
// hand zstd a single []byte, matching Put's semantics exactly.
func (s *Store) PutReader(ctx context.Context, r io.Reader, typeTag string) (cid.CID, error) {
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, r); err != nil {
		return cid.CID{}, fmt.Errorf("%w: reading payload: %v", ErrSerializationError, err)
	}
	data := buf.Bytes()
	c := cid.HashBytes(data)
	if err := s.Put(ctx, c, data, typeTag); err != nil {
		return cid.CID{}, err
	}
	return c, nil
}
