// Package s83gcpstore implements s83store's BoardStore interface over GCP
// Cloud Storage. The bucket is expected to be provisioned out-of-band with
// an object-delete lifecycle rule around MaxContentAge, so GCP itself
// handles the bulk of expiration; this package's own Expire/ReapLoop only
// reach as far as its in-memory read cache.
package s83gcpstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"cloud.google.com/go/storage"
	gax "github.com/googleapis/gax-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/lets-dance/spring83/internal/s83store"
	"github.com/lets-dance/spring83/internal/s83store/s83memstore"
)

type GCPStorageStore struct {
	bucket        string
	logger        logrus.FieldLogger
	memoryStore   *s83memstore.MemoryStore
	storageClient *storage.Client

	// All for purposes of testability.
	storageReader func(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	storageWriter func(ctx context.Context, bucket, key string) io.WriteCloser
	listObjects   func(ctx context.Context, bucket string) ([]string, error)
	timeNow       func() time.Time
}

func NewGCPStorageStore(ctx context.Context, logger logrus.FieldLogger, serviceAccountJSON, bucket string) (*GCPStorageStore, error) {
	storageClient, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(serviceAccountJSON)))
	if err != nil {
		return nil, xerrors.Errorf("error creating storage client: %w", err)
	}

	storageClient.SetRetry(
		storage.WithBackoff(gax.Backoff{
			Initial: 1 * time.Second,
			Max:     5 * time.Second,
		}),
		// Always retries, even for non-idempotent operations: losing a board
		// publish to a transient network blip is worse than a duplicate PUT.
		storage.WithPolicy(storage.RetryAlways),
	)

	return &GCPStorageStore{
		bucket:        bucket,
		logger:        logger,
		memoryStore:   s83memstore.NewMemoryStore(logger),
		storageClient: storageClient,
		storageReader: func(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
			return storageClient.Bucket(bucket).Object(key).NewReader(ctx) //nolint:wrapcheck
		},
		storageWriter: func(ctx context.Context, bucket, key string) io.WriteCloser {
			return storageClient.Bucket(bucket).Object(key).NewWriter(ctx)
		},
		listObjects: func(ctx context.Context, bucket string) ([]string, error) {
			var keys []string
			it := storageClient.Bucket(bucket).Objects(ctx, nil)
			for {
				attrs, err := it.Next()
				if errors.Is(err, iterator.Done) {
					return keys, nil
				}
				if err != nil {
					return nil, xerrors.Errorf("error listing objects: %w", err)
				}
				keys = append(keys, attrs.Name)
			}
		},
		timeNow: time.Now,
	}, nil
}

func (s *GCPStorageStore) Get(ctx context.Context, key string) (*s83store.Board, error) {
	// Check the memory cache before making a round trip to GCP.
	board, err := s.memoryStore.Get(ctx, key)
	if err == nil {
		return board, nil
	}

	reader, err := s.storageReader(ctx, s.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, s83store.ErrKeyNotFound
		}
		return nil, xerrors.Errorf("error getting key reader: %w", err)
	}
	defer reader.Close()

	var storageBoard serializedBoard
	if err := json.NewDecoder(reader).Decode(&storageBoard); err != nil {
		return nil, xerrors.Errorf("error decoding board: %w", err)
	}

	// Just in case the bucket's delete lifecycle is behind, aggressively
	// prune possibly outdated content.
	if s.timeNow().After(storageBoard.Timestamp.Add(s83store.MaxContentAge)) {
		s.logger.WithField("key", key).Info("returning not found for stale key")
		return nil, s83store.ErrKeyNotFound
	}

	board = storageBoard.toBoard()

	if err := s.memoryStore.Put(ctx, key, board); err != nil {
		return nil, err
	}

	return board, nil
}

func (s *GCPStorageStore) Put(ctx context.Context, key string, board *s83store.Board) error {
	writer := s.storageWriter(ctx, s.bucket, key)

	if err := json.NewEncoder(writer).Encode(serializedBoardFrom(board)); err != nil {
		return xerrors.Errorf("error encoding board: %w", err)
	}

	if err := writer.Close(); err != nil {
		return xerrors.Errorf("error closing writer: %w", err)
	}

	s.logger.WithField("key", key).Info("stored key to GCP storage")

	return s.memoryStore.Put(ctx, key, board)
}

// GetAll lists every object in the bucket and fetches each through Get, so
// expired objects are filtered consistently with single-key lookups.
func (s *GCPStorageStore) GetAll(ctx context.Context) (map[string]*s83store.Board, error) {
	keys, err := s.listObjects(ctx, s.bucket)
	if err != nil {
		return nil, err
	}

	boards := make(map[string]*s83store.Board, len(keys))
	for _, key := range keys {
		board, err := s.Get(ctx, key)
		if errors.Is(err, s83store.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		boards[key] = board
	}
	return boards, nil
}

func (s *GCPStorageStore) Count(ctx context.Context) (int, error) {
	boards, err := s.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(boards), nil
}

// Expire only prunes the in-memory cache; the bucket's own object-delete
// lifecycle rule is responsible for removing the backing objects.
func (s *GCPStorageStore) Expire(ctx context.Context, now time.Time) (int, error) {
	return s.memoryStore.Expire(ctx, now)
}

// SetTimeNow overrides the store's clock. For testing purposes only.
func (s *GCPStorageStore) SetTimeNow(timeNow func() time.Time) {
	s.memoryStore.SetTimeNow(timeNow)
	s.timeNow = timeNow
}

// ReapLoop starts a reaper loop against the in-memory cache only. It
// blocks, so callers start it on a goroutine.
func (s *GCPStorageStore) ReapLoop(ctx context.Context, shutdown <-chan struct{}) {
	s.memoryStore.ReapLoop(ctx, shutdown)
}

// serializedBoard is s83store.Board's on-disk representation in the bucket.
type serializedBoard struct {
	Content   []byte    `json:"content"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

func serializedBoardFrom(b *s83store.Board) *serializedBoard {
	return &serializedBoard{
		Content:   b.Content,
		Signature: b.Signature,
		Timestamp: b.Timestamp,
	}
}

func (b *serializedBoard) toBoard() *s83store.Board {
	return &s83store.Board{
		Content:   b.Content,
		Signature: b.Signature,
		Timestamp: b.Timestamp,
	}
}
