// Package s83memstore is an in-memory BoardStore, suitable as the sole
// backend for small deployments or as a read-through cache in front of a
// slower external store.
package s83memstore

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lets-dance/spring83/internal/s83store"
)

type MemoryStore struct {
	boards          map[string]*s83store.Board
	logger          logrus.FieldLogger
	mut             sync.RWMutex
	reapLoopStarted bool
	timeNow         func() time.Time
}

func NewMemoryStore(logger logrus.FieldLogger) *MemoryStore {
	return &MemoryStore{
		boards:  make(map[string]*s83store.Board),
		logger:  logger,
		timeNow: time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*s83store.Board, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	board, ok := s.boards[key]
	if !ok {
		return nil, s83store.ErrKeyNotFound
	}

	// Just in case the reap loop is behind, aggressively hide expired
	// content from readers.
	if s.timeNow().After(board.Timestamp.Add(s83store.MaxContentAge)) {
		s.logger.WithField("key", key).Info("returning not found for stale key")
		return nil, s83store.ErrKeyNotFound
	}

	return board, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, board *s83store.Board) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.boards[key] = board
	return nil
}

func (s *MemoryStore) GetAll(_ context.Context) (map[string]*s83store.Board, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	now := s.timeNow()
	boards := make(map[string]*s83store.Board, len(s.boards))
	for key, board := range s.boards {
		if now.After(board.Timestamp.Add(s83store.MaxContentAge)) {
			continue
		}
		boards[key] = board
	}
	return boards, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	now := s.timeNow()
	var count int
	for _, board := range s.boards {
		if now.After(board.Timestamp.Add(s83store.MaxContentAge)) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) Expire(_ context.Context, now time.Time) (int, error) {
	return s.reapAt(now), nil
}

// ReapLoop runs a forever loop that periodically expires stale boards. It
// blocks, so callers start it on a goroutine.
func (s *MemoryStore) ReapLoop(_ context.Context, shutdown <-chan struct{}) {
	if s.reapLoopStarted {
		panic("ReapLoop already started -- should only be run once")
	}

	s.reapLoopStarted = true

	for {
		s.reapAt(s.timeNow())

		select {
		case <-shutdown:
			s.logger.Info("memory store received shutdown signal")
			return

		case <-time.After(1 * time.Minute):
		}
	}
}

// SetTimeNow overrides the store's clock. For testing purposes only.
func (s *MemoryStore) SetTimeNow(timeNow func() time.Time) {
	s.timeNow = timeNow
}

func (s *MemoryStore) reapAt(now time.Time) int {
	s.mut.Lock()
	defer s.mut.Unlock()

	var numReaped int

	for key, board := range s.boards {
		if now.After(board.Timestamp.Add(s83store.MaxContentAge)) {
			delete(s.boards, key)
			numReaped++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"num_reaped": numReaped,
		"total":      len(s.boards),
	}).Infof("reaped %d board(s) [total: %d]", numReaped, len(s.boards))

	return numReaped
}
