// Package s83store defines the storage contract every Spring '83 board
// backend implements, independent of whether boards ultimately live in
// memory, in a SQL database, or in a cloud object store.
package s83store

import (
	"context"
	"math"
	"time"

	"golang.org/x/xerrors"
)

const (
	// MaxContentAge is the protocol's maximum board lifetime: content older
	// than this is expired and must no longer be served.
	MaxContentAge = 22 * 24 * time.Hour

	// MaxBoardCount is the number of boards a server is expected to hold at
	// full capacity; it's the denominator of the Spring-Difficulty formula.
	MaxBoardCount = 10_000_000
)

var ErrKeyNotFound = xerrors.New("key not found")

// Board is a single signed piece of content, keyed by the public key that
// signed it.
type Board struct {
	Content   []byte
	Signature string
	Timestamp time.Time
}

// BoardStore is the storage contract a Spring '83 server needs: fetch and
// upsert individual boards, enumerate and count the full set, and cooperate
// in expiring content past MaxContentAge.
type BoardStore interface {
	// Get fetches the board published under key. It returns ErrKeyNotFound
	// if the key has never been published or its content has expired.
	Get(ctx context.Context, key string) (*Board, error)

	// Put upserts the board published under key, replacing any previous
	// content at that key.
	Put(ctx context.Context, key string, board *Board) error

	// GetAll returns every currently unexpired board, for federation
	// broadcast and administrative listing.
	GetAll(ctx context.Context) (map[string]*Board, error)

	// Count returns the number of currently unexpired boards, the input to
	// the Spring-Difficulty calculation.
	Count(ctx context.Context) (int, error)

	// Expire permanently removes boards whose Timestamp is older than
	// MaxContentAge as of now. It returns the number of boards removed.
	Expire(ctx context.Context, now time.Time) (int, error)

	// ReapLoop gives the store an opportunity to run its own background
	// expiration loop. It's called on a goroutine, so implementations that
	// already expire content some other way (a database TTL, say) may
	// no-op.
	ReapLoop(ctx context.Context, shutdown <-chan struct{})
}

// Difficulty computes the current proof-of-work difficulty factor from a
// board count: (count / MaxBoardCount) ^ 4, clamped to [0, 1]. It climbs
// toward 1 as a server's board count approaches capacity, at which point
// new keys are rejected outright regardless of their suffix.
func Difficulty(count int) float64 {
	d := math.Pow(float64(count)/float64(MaxBoardCount), 4)
	if d > 1 {
		return 1
	}
	if d < 0 {
		return 0
	}
	return d
}
