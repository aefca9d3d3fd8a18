// Package s83key implements parsing, validation, and signing for Spring '83
// keys: hex-encoded Ed25519 keypairs whose public half carries an embedded
// expiry suffix of the form `83e<MM><YY>`.
package s83key

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/xerrors"
)

const (
	// MaxLifetime is the longest span of time a key may be valid for,
	// counting backward from the expiry embedded in its suffix.
	MaxLifetime = 2 * 365 * 24 * time.Hour
)

// TestPrivateKey and TestPublicKey are the fixed keypair the protocol
// reserves for client testing. Boards published under it are never
// persisted; requests for it always receive generated placeholder content.
const (
	TestPrivateKey = "3371f8b011f51632fea33ed0a3688c26a45498205c6097c352bd4d079d224419"
	TestPublicKey  = "ab589f4dde9fce4180fcf42c7b05185b0a02a5d682e353fa39177995083e0583"
)

var (
	ErrKeyExpired      = xerrors.New("key is expired")
	ErrKeyInvalid      = xerrors.New("key is invalid")
	ErrKeyNotYetValid  = xerrors.New("key is not yet valid")
	ErrKeyPairMismatch = xerrors.New("private key does not correspond to public key")
)

// keyRE matches the 64-char hex key format mandated by the protocol: 57
// arbitrary hex digits, the literal marker "83e", a two-digit month in
// 01-12, and a two-digit year.
var keyRE = regexp.MustCompile(`\A[0-9a-f]{57}83e(0[1-9]|1[0-2])(\d\d)\z`)

// Key is a Spring '83 public key. It can verify signed content but not
// produce any.
type Key struct {
	PublicKey      string
	publicKeyBytes ed25519.PublicKey
}

// KeyFromRaw produces a Key from raw Ed25519 bytes without checking that it
// conforms to Spring '83's format or expiry rules.
func KeyFromRaw(publicKey ed25519.PublicKey) *Key {
	return &Key{
		PublicKey:      hex.EncodeToString([]byte(publicKey)),
		publicKeyBytes: publicKey,
	}
}

// ParseKey parses a hex-encoded public key and checks that it conforms to
// the key format and is within its validity window as of now.
func ParseKey(key string, now time.Time) (*Key, error) {
	matches := keyRE.FindAllStringSubmatch(key, 1)
	if matches == nil {
		return nil, ErrKeyInvalid
	}

	monthStr, yearStr := matches[0][1], matches[0][2]
	month, _ := strconv.Atoi(monthStr)
	year, _ := strconv.Atoi(yearStr)

	century := now.Year() / 100 * 100
	year += century

	expiryMonth := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)

	// Add a month, then subtract a second, to land on the last valid instant
	// of the target month.
	expiresAt := relativeMonth(expiryMonth, 1).Add(-1 * time.Second)
	if now.After(expiresAt) {
		return nil, ErrKeyExpired
	}

	validAt := expiryMonth.Add(-MaxLifetime)
	if validAt.After(now) {
		return nil, ErrKeyNotYetValid
	}

	return parseKeyUnchecked(key)
}

func parseKeyUnchecked(publicKey string) (*Key, error) {
	publicKeyBytes, err := hex.DecodeString(publicKey)
	if err != nil {
		return nil, xerrors.Errorf("error parsing public key: %w", err)
	}

	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, xerrors.Errorf("public key's length is %d, but should be %d", len(publicKeyBytes), ed25519.PublicKeySize)
	}

	return &Key{publicKey, publicKeyBytes}, nil
}

// Verify reports whether sig is a valid Ed25519 signature of message under
// this key.
func (k *Key) Verify(message, sig []byte) bool {
	return ed25519.Verify(k.publicKeyBytes, message, sig)
}

// String returns the key's full hex-encoded public key.
func (k *Key) String() string {
	return k.PublicKey
}

// Shorthand abbreviates the key to its first 8 and last 4 hex characters,
// for logging where the full 64-char key would just be noise.
func (k *Key) Shorthand() string {
	return fmt.Sprintf("%s...%s", k.PublicKey[0:8], k.PublicKey[len(k.PublicKey)-4:])
}

// KeyPair is a Spring '83 private/public keypair. Unlike Key, it can sign
// content.
type KeyPair struct {
	Key
	PrivateKey      string
	privateKeyBytes ed25519.PrivateKey
}

// KeyPairFromRaw produces a KeyPair from a raw Ed25519 private key
// ("seed", in Go's terminology) without any Spring '83 validity checks.
func KeyPairFromRaw(privateKey ed25519.PrivateKey) *KeyPair {
	return &KeyPair{
		Key:             *KeyFromRaw(privateKey.Public().(ed25519.PublicKey)),
		PrivateKey:      hex.EncodeToString(privateKey),
		privateKeyBytes: privateKey,
	}
}

// ParseKeyPairUnchecked parses a keypair from its hex-encoded private key
// alone. The derived public key is not checked against Spring '83's format
// or expiry rules.
func ParseKeyPairUnchecked(privateKey string) (*KeyPair, error) {
	seedBytes, err := hex.DecodeString(privateKey)
	if err != nil {
		return nil, xerrors.Errorf("error parsing private key: %w", err)
	}

	// Go calls private keys encoded this way "seeds"; it's the format
	// Spring '83 (and most other Ed25519 tooling) expects on the wire.
	if len(seedBytes) != ed25519.SeedSize {
		return nil, xerrors.Errorf("private key's length is %d, but should be %d", len(seedBytes), ed25519.SeedSize)
	}

	privateKeyBytes := ed25519.NewKeyFromSeed(seedBytes)

	return &KeyPair{*KeyFromRaw(privateKeyBytes.Public().(ed25519.PublicKey)), privateKey, privateKeyBytes}, nil
}

// ParseKeyPair parses a keypair from both its hex-encoded private and public
// keys, confirming that the public key is in fact the one derived from the
// private key. Useful when a caller (a CLI flag pair, a config file) has
// both halves on hand and wants them cross-checked rather than just
// trusting the private half.
func ParseKeyPair(privateKey, publicKey string) (*KeyPair, error) {
	keyPair, err := ParseKeyPairUnchecked(privateKey)
	if err != nil {
		return nil, err
	}

	if keyPair.PublicKey != publicKey {
		return nil, ErrKeyPairMismatch
	}

	return keyPair, nil
}

// MustParseKeyPairUnchecked is like ParseKeyPairUnchecked, but panics on
// failure. Intended for wiring known-good constants (like TestPrivateKey).
func MustParseKeyPairUnchecked(privateKey string) *KeyPair {
	keyPair, err := ParseKeyPairUnchecked(privateKey)
	if err != nil {
		panic(err)
	}
	return keyPair
}

// Sign produces an Ed25519 signature of message.
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.privateKeyBytes, message)
}

// SignHex is Sign with the result hex-encoded, matching the wire format of
// the Authorization header's Signature parameter.
func (kp *KeyPair) SignHex(message []byte) string {
	return hex.EncodeToString(kp.Sign(message))
}

// relativeMonth returns the first instant of the month relativeMonths away
// from t's month. AddDate(0, n, 0) looks like it should do this, but it's a
// footgun: applied to e.g. Oct 31st it returns Oct 1st rather than Nov 30th,
// because Nov 31st doesn't exist. Operating only on year/month avoids that.
func relativeMonth(t time.Time, relativeMonths int) time.Time {
	year, month := t.Year(), t.Month()

	targetYear, targetMonth := year, month+time.Month(relativeMonths)
	switch targetMonth { //nolint:exhaustive
	case 0:
		targetYear--
		targetMonth = 12
	case 13:
		targetYear++
		targetMonth = 1
	}

	return time.Date(targetYear, targetMonth, 1, 0, 0, 0, 0, time.UTC)
}
