// Package s83gossip implements federation fan-out: when a board is
// published, broadcast it to a sample of this server's peers, retrying
// failed deliveries with exponential backoff.
package s83gossip

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lets-dance/spring83/internal/s83client"
	"github.com/lets-dance/spring83/internal/s83peer"
	"github.com/lets-dance/spring83/internal/s83scheduler"
	"github.com/lets-dance/spring83/internal/s83store"
)

const (
	// broadcastDelay debounces broadcast scheduling: a "broadcast:{key}" job
	// is enqueued with KeepExisting, so two PUTs to the same key within this
	// window collapse into a single broadcast.
	broadcastDelay = 300 * time.Second

	// initialBackoff is how long Publish waits before its first retry after
	// a server error.
	initialBackoff = 300 * time.Second

	// maxBackoff bounds how far the exponential backoff is allowed to grow
	// before Publish gives up on a peer entirely.
	maxBackoff = 3 * 24 * time.Hour
)

// Gossip broadcasts boards to a sample of peers and retries failed
// deliveries via a Scheduler.
type Gossip struct {
	client    func(peerURL string) client
	logger    logrus.FieldLogger
	onOutcome func(outcome string)
	peers     func() []s83peer.Peer
	rng       *rand.Rand
	scheduler *s83scheduler.Scheduler
	store     s83store.BoardStore
}

// client is the subset of *s83client.Client that Gossip needs, broken out
// as an interface so tests can substitute a fake.
type client interface {
	PutBoardAndClassify(ctx context.Context, key string, board *s83store.Board) error
}

// New builds a Gossip that fans out over the given Scheduler, using peers()
// to look up the current peer list at broadcast time (so configuration
// reloads are picked up without restarting the gossip loop).
func New(logger logrus.FieldLogger, scheduler *s83scheduler.Scheduler, store s83store.BoardStore, peers func() []s83peer.Peer) *Gossip {
	return &Gossip{
		client:    func(peerURL string) client { return s83client.New(peerURL) },
		logger:    logger,
		onOutcome: func(string) {},
		peers:     peers,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
		scheduler: scheduler,
		store:     store,
	}
}

// OnOutcome registers fn to be called with "success", "retry", or
// "given_up" every time a publish attempt resolves, so a caller (typically
// internal/s83server) can feed the result into its own metrics without
// Gossip needing to know anything about Prometheus.
func (g *Gossip) OnOutcome(fn func(outcome string)) {
	g.onOutcome = fn
}

// Debounce schedules a broadcast of key's current board after
// broadcastDelay, under KeepExisting policy so repeated PUTs to the same
// key within the debounce window enqueue at most one broadcast.
func (g *Gossip) Debounce(key string) {
	g.scheduler.Add("broadcast:"+key, time.Now().Add(broadcastDelay), func(ctx context.Context) error {
		g.Broadcast(ctx, key)
		return nil
	}, nil, s83scheduler.KeepExisting)
}

// Broadcast samples min(round(peerCount*0.5), 5) peers at random and
// schedules an immediate Publish job against each. Sampling this way
// (rather than broadcasting to every peer on every publish) keeps a busy
// server's fan-out bounded as its peer list grows.
func (g *Gossip) Broadcast(ctx context.Context, key string) {
	peers := g.peers()
	sampleSize := sampleCount(len(peers))
	if sampleSize == 0 {
		return
	}

	board, err := g.store.Get(ctx, key)
	if err != nil {
		g.logger.WithFields(logrus.Fields{"key": key, "error": err}).Warn("gossip: board vanished before broadcast")
		return
	}

	g.logger.WithFields(logrus.Fields{"key": key, "peer_count": sampleSize}).Info("broadcasting board to peers")

	for _, peer := range sample(g.rng, peers, sampleSize) {
		peer := peer
		jobName := fmt.Sprintf("publish:%s:%s", key, peer.URL)

		g.scheduler.Add(jobName, time.Now(), g.publishFunc(key, board, peer), g.retryPolicy(jobName, key, peer, board), s83scheduler.Replace)
	}
}

func (g *Gossip) publishFunc(key string, board *s83store.Board, peer s83peer.Peer) s83scheduler.Func {
	return func(ctx context.Context) error {
		err := g.client(peer.URL).PutBoardAndClassify(ctx, key, board)
		if err == nil {
			g.onOutcome("success")
		}
		return err
	}
}

// retryPolicy implements backoff = backoff + backoff*U[0,1), applied
// cumulatively across retries and starting from initialBackoff, giving up
// once the resulting delay exceeds maxBackoff.
func (g *Gossip) retryPolicy(jobName, key string, peer s83peer.Peer, board *s83store.Board) func(attempt int, err error) (time.Time, bool) {
	backoff := initialBackoff

	return func(attempt int, err error) (time.Time, bool) {
		backoff = time.Duration(float64(backoff) * (1 + g.rng.Float64()))

		if backoff > maxBackoff {
			g.logger.WithFields(logrus.Fields{"job": jobName, "key": key, "peer": peer.URL}).Info("giving up on peer after exceeding backoff ceiling")
			g.onOutcome("given_up")
			return time.Time{}, false
		}

		g.logger.WithFields(logrus.Fields{"job": jobName, "key": key, "peer": peer.URL, "backoff": backoff}).Info("scheduling retry")
		g.onOutcome("retry")
		return time.Now().Add(backoff), true
	}
}

// sampleCount implements min(round(n*0.5), 5).
func sampleCount(n int) int {
	count := int(math.Round(float64(n) * 0.5))
	if count > 5 {
		return 5
	}
	return count
}

// sample picks k distinct peers at random out of peers, preserving none of
// the input order.
func sample(rng *rand.Rand, peers []s83peer.Peer, k int) []s83peer.Peer {
	if k >= len(peers) {
		k = len(peers)
	}

	shuffled := make([]s83peer.Peer, len(peers))
	copy(shuffled, peers)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	return shuffled[:k]
}
