// Package s83keygen searches for Ed25519 keypairs whose public half ends in
// a target Spring '83 expiry suffix, spreading the brute-force search across
// every available core.
package s83keygen

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/lets-dance/spring83/internal/s83key"
)

const (
	// expiryDigitsTimeFormat encodes the month/year digits embedded in a
	// Spring '83 public key's suffix.
	expiryDigitsTimeFormat = "0106"

	// progressEvery controls how often the search logs a progress line,
	// counted in total generation attempts across all workers.
	progressEvery = 5000
)

// GenerateConformingKey runs a parallel search for an Ed25519 keypair whose
// public key expires in the same month as expiryMonth. Callers generally
// want to pass a time two years in the future, the protocol's maximum key
// lifetime.
func GenerateConformingKey(ctx context.Context, logger logrus.FieldLogger, expiryMonth time.Time) (*s83key.KeyPair, int, error) {
	return generateConformingKeyWithSuffix(ctx, logger, keySuffixWithExpiry(expiryMonth))
}

// generateConformingKeyWithSuffix is broken out from GenerateConformingKey
// so tests can target a short, cheap-to-find suffix instead of a full
// Spring '83 expiry suffix.
func generateConformingKeyWithSuffix(ctx context.Context, logger logrus.FieldLogger, targetSuffix string) (*s83key.KeyPair, int, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var (
		conformingKeyChan = make(chan *s83key.KeyPair, runtime.NumCPU())
		done              atomic.Bool
		totalIterations   int64
	)

	targetSuffixBytes, oddChars := hexBytes(targetSuffix)

	{
		errGroup, _ := errgroup.WithContext(ctx)

		for i := 0; i < runtime.NumCPU(); i++ {
			errGroup.Go(func() error {
				for numIterations := 0; ; numIterations++ {
					if done.Load() {
						atomic.AddInt64(&totalIterations, int64(numIterations))
						return nil
					}

					_, privateKey, err := ed25519.GenerateKey(rand.Reader)
					if err != nil {
						return xerrors.Errorf("error generating key: %w", err)
					}

					if total := atomic.AddInt64(&totalIterations, 1); total%progressEvery == 0 {
						logger.WithField("iterations", total).Debug("still searching for conforming key")
					}

					if !suffixBytesEqual([]byte(privateKey), targetSuffixBytes, oddChars) {
						continue
					}

					conformingKeyChan <- s83key.KeyPairFromRaw(privateKey)

					done.Store(true)
				}
			})
		}

		if err := errGroup.Wait(); err != nil {
			return nil, 0, xerrors.Errorf("error finding key: %w", err)
		}
	}

	return <-conformingKeyChan, int(totalIterations), nil
}

// hexBytes breaks s into bytes. The returned bool reports whether s had an
// odd number of hex characters, meaning the most significant byte only
// carries half a byte of real suffix information.
func hexBytes(s string) ([]byte, bool) {
	var oddChars bool
	if len(s)%2 == 1 {
		oddChars = true
		s = "0" + s
	}

	sBytes, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}

	return sBytes, oddChars
}

// suffixBytesEqual compares the trailing bytes of b against suffix without
// hex-encoding every generated key. oddChars handles the half-byte boundary
// that comes up when matching an odd number of hex characters, as with
// Spring '83's seven-hex-character suffix.
func suffixBytesEqual(b, suffix []byte, oddChars bool) bool {
	if len(suffix) < 1 {
		return true
	}

	if oddChars {
		bBoundary := b[len(b)-len(suffix)]
		suffixBoundary := suffix[0]

		return bBoundary&0x0f == suffixBoundary&0x0f &&
			bytes.Equal(b[len(b)-len(suffix)+1:], suffix[1:])
	}

	return bytes.Equal(b[len(b)-len(suffix):], suffix)
}

func keySuffixWithExpiry(t time.Time) string {
	return "83e" + t.Add(s83key.MaxLifetime).Format(expiryDigitsTimeFormat)
}
