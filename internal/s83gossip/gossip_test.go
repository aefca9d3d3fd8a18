package s83gossip

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/lets-dance/spring83/internal/s83peer"
	"github.com/lets-dance/spring83/internal/s83scheduler"
	"github.com/lets-dance/spring83/internal/s83store"
	"github.com/lets-dance/spring83/internal/s83store/s83memstore"
)

func testRand() *rand.Rand {
	return rand.New(rand.NewSource(1)) //nolint:gosec
}

func TestSampleCount(t *testing.T) {
	require.Equal(t, 0, sampleCount(0))
	require.Equal(t, 1, sampleCount(1))
	require.Equal(t, 1, sampleCount(2))
	require.Equal(t, 2, sampleCount(3))
	require.Equal(t, 5, sampleCount(10))
	require.Equal(t, 5, sampleCount(100))
}

func TestSample(t *testing.T) {
	peers := []s83peer.Peer{{URL: "a"}, {URL: "b"}, {URL: "c"}, {URL: "d"}}

	picked := sample(testRand(), peers, 2)
	require.Len(t, picked, 2)

	picked = sample(testRand(), peers, 10)
	require.Len(t, picked, len(peers))
}

func TestGossipBroadcast(t *testing.T) {
	var received atomic.Int32
	peerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer peerServer.Close()

	logger, _ := test.NewNullLogger()
	scheduler := s83scheduler.New(logger, 5*time.Millisecond)
	scheduler.Start()
	defer scheduler.Stop()
	store := s83memstore.NewMemoryStore(logger)

	ctx := context.Background()
	const key = "samplekey"
	require.NoError(t, store.Put(ctx, key, &s83store.Board{
		Content:   []byte("hello"),
		Signature: "deadbeef",
		Timestamp: time.Now(),
	}))

	gossip := New(logger, scheduler, store, func() []s83peer.Peer {
		return []s83peer.Peer{{URL: peerServer.URL}}
	})

	gossip.Broadcast(ctx, key)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && received.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, int32(1), received.Load())
}
