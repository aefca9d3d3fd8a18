// Package s83server implements the Spring '83 HTTP surface: the
// GET/PUT-per-key protocol handler, the index page, and the middleware
// chain every request passes through.
package s83server

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"regexp"
	"syscall"
	"text/template"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/lets-dance/spring83/internal/s83body"
	"github.com/lets-dance/spring83/internal/s83denylist"
	"github.com/lets-dance/spring83/internal/s83gossip"
	"github.com/lets-dance/spring83/internal/s83key"
	"github.com/lets-dance/spring83/internal/s83store"
	"github.com/lets-dance/spring83/internal/s83time"
	"github.com/lets-dance/spring83/internal/util/keylock"
	"github.com/lets-dance/spring83/internal/util/randutil"
	"github.com/lets-dance/spring83/internal/util/stringutil"
)

// timestampOnlyRE matches content that, once trimmed, is nothing but a
// single self-contained or void <time datetime="..."> tag.
var timestampOnlyRE = regexp.MustCompile(`^\s*<time\s+datetime="[^"]*"\s*/?>\s*(</time>)?\s*$`)

// MaxContentSize is the protocol's maximum board size, in bytes.
const MaxContentSize = 2217

const (
	MessageKeyCreated = "Key created."
	MessageKeyUpdated = "Key updated."
)

const (
	ErrMessageContentTooLarge           = "Board content is too large."
	ErrMessageDeniedKey                 = "This key has been administratively denied."
	ErrMessageIfUnmodifiedSinceMissing  = "If-Unmodified-Since header is required when updating an existing board."
	ErrMessageIfUnmodifiedSinceNotAfter = "If-Unmodified-Since must be strictly after the board's current last modified time."
	ErrMessageInternalError             = "Internal server error."
	ErrMessageKeyExpired                = "Key has expired."
	ErrMessageKeyInvalid                = "Key is not a valid Spring '83 key."
	ErrMessageKeyNotYetValid            = "Key is not yet valid."
	ErrMessageSignatureBadLength        = "Authorization signature is the wrong length."
	ErrMessageSignatureInvalid          = "Authorization signature does not verify against the given key and body."
	ErrMessageSignatureMissing          = "Authorization header is missing or does not start with 'Spring-83 Signature='."
	ErrMessageSignatureUnparseable      = "Authorization signature could not be hex-decoded."
	ErrMessageTestKey                   = "The test key may not be used to PUT content."
	ErrMessageTimestampInFuture         = "Board's <time> tag may not be in the future."
	ErrMessageTimestampMissing          = "Board content must contain exactly one <time datetime=\"...\"> tag."
	ErrMessageTimestampMultiple         = "Board content must contain exactly one <time datetime=\"...\"> tag, found more than one."
	ErrMessageTimestampNotAfterExisting = "Board's <time> tag must be strictly after the existing board's timestamp."
	ErrMessageTimestampTooOld           = "Board's <time> tag is older than the maximum content age."
	ErrMessageTimestampUnparseable      = "Board's <time> tag datetime attribute could not be parsed."
)

// BoardNotFoundError is returned (wrapped in a ServerError) when a key has
// no board on file.
type BoardNotFoundError struct {
	Key string
}

func (e *BoardNotFoundError) Error() string {
	return fmt.Sprintf("no board found for key %q", e.Key)
}

// authorizationPrefix is the mandatory prefix of a conforming Authorization
// header: the hex signature follows immediately after it.
const authorizationPrefix = "Spring-83 Signature="

// Server holds the dependencies a running Spring '83 server needs and wires
// them into an http.Handler via NewServer.
type Server struct {
	denyList  s83denylist.DenyList
	gossip    *s83gossip.Gossip
	logger    logrus.FieldLogger
	port      int
	putLocks  *keylock.KeyLock
	router    *mux.Router
	store     s83store.BoardStore
	template  *template.Template
	timeNow   func() time.Time

	requestsTotal  *prometheus.CounterVec
	gossipOutcomes *prometheus.CounterVec
}

// NewServer builds a Server and wires its routes and middleware chain.
// gossip may be nil, in which case successful PUTs are persisted but never
// broadcast to peers (useful for standalone or test deployments).
func NewServer(logger logrus.FieldLogger, store s83store.BoardStore, denyList s83denylist.DenyList, gossip *s83gossip.Gossip, port int) *Server {
	// Each Server gets its own registry rather than registering into the
	// global default one, so constructing more than one Server in a test
	// process doesn't panic on a duplicate metric name.
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	server := &Server{
		denyList: denyList,
		gossip:   gossip,
		logger:   logger,
		port:     port,
		putLocks: keylock.New(),
		store:    store,
		timeNow:  time.Now,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "s83_requests_total",
			Help: "Total HTTP requests handled, by method, route, and status.",
		}, []string{"method", "route", "status"}),

		gossipOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "s83_gossip_publish_total",
			Help: "Total outbound gossip publish attempts, by outcome.",
		}, []string{"outcome"}),
	}

	if err := server.parseTemplates(); err != nil {
		logger.WithError(err).Warn("error parsing index template; index page will be unavailable")
	}

	if gossip != nil {
		gossip.OnOutcome(func(outcome string) {
			server.gossipOutcomes.WithLabelValues(outcome).Inc()
		})
	}

	contextContainerMiddleware := &ContextContainerMiddleware{}
	canonicalLogLineMiddleware := &CanonicalLogLineMiddleware{logger: logger}

	router := mux.NewRouter()
	router.Use(mux.MiddlewareFunc(contextContainerMiddleware.Wrapper))
	router.Use(mux.MiddlewareFunc(canonicalLogLineMiddleware.Wrapper))
	router.Use(mux.MiddlewareFunc(CORSMiddleware))

	router.HandleFunc("/", server.wrapEndpoint(server.handleIndex)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/{key:[0-9a-f]{64}}", server.wrapEndpoint(server.handleGetKey)).Methods(http.MethodGet)
	router.HandleFunc("/{key:[0-9a-f]{64}}", server.wrapEndpoint(server.handlePutKey)).Methods(http.MethodPut)

	server.router = router

	return server
}

// Start runs the server's HTTP listener until the process receives SIGTERM
// or SIGINT, then shuts it down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.port).Info("starting server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return xerrors.Errorf("error running server: %w", err)
	case <-signalCtx.Done():
		s.logger.Info("received shutdown signal, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// handleGetKey implements GET /{key}.
func (s *Server) handleGetKey(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	key := mux.Vars(r)["key"]

	if s.denyList.Contains(key) {
		return nil, NewServerError(http.StatusForbidden, ErrMessageDeniedKey)
	}

	if key == s83key.TestPublicKey {
		return s.handleGetTestKey(r)
	}

	// Unlike PUT, GET performs no suffix or expiry validation of its own:
	// the path pattern already restricts {key} to 64 hex characters, and a
	// board published under a key whose suffix has since expired is still
	// served until it ages out on its own via MaxContentAge.
	board, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, s83store.ErrKeyNotFound) {
			return nil, NewServerError(http.StatusNotFound, (&BoardNotFoundError{key}).Error())
		}
		return nil, xerrors.Errorf("error fetching board: %w", err)
	}

	if isTimestampOnly(string(board.Content)) {
		return nil, NewServerError(http.StatusNotFound, (&BoardNotFoundError{key}).Error())
	}

	if ifModifiedSince := r.Header.Get("If-Modified-Since"); ifModifiedSince != "" {
		parsed, err := s83time.Parse(ifModifiedSince)
		if err != nil {
			return nil, NewServerError(http.StatusBadRequest, (&IfModifiedSinceParseError{ifModifiedSince}).Error())
		}
		if parsed.After(board.Timestamp) {
			return NewServerResponse(http.StatusNotModified, nil, http.Header{"Spring-Version": []string{"83"}}), nil
		}
	}

	return NewServerResponse(http.StatusOK, board.Content, http.Header{
		"Authorization":  []string{authorizationPrefix + board.Signature},
		"Last-Modified":  []string{s83time.Format(board.Timestamp)},
		"Spring-Version": []string{"83"},
	}), nil
}

// handleGetTestKey synthesizes a fresh board signed under the well-known
// test keypair, rather than reading (or ever writing) from the store.
func (s *Server) handleGetTestKey(r *http.Request) (*ServerResponse, error) {
	keyPair := s83key.MustParseKeyPairUnchecked(s83key.TestPrivateKey)
	content := randomizeTestKeyBoard(s.timeNow())
	signature := keyPair.SignHex(content)

	return NewServerResponse(http.StatusOK, content, http.Header{
		"Authorization":  []string{authorizationPrefix + signature},
		"Last-Modified":  []string{s83time.Format(s.timeNow())},
		"Spring-Version": []string{"83"},
	}), nil
}

// handlePutKey implements PUT /{key}, running the nine-step validation
// pipeline in order before persisting and debouncing a gossip broadcast.
func (s *Server) handlePutKey(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	key := mux.Vars(r)["key"]

	if s.denyList.Contains(key) {
		return nil, NewServerError(http.StatusForbidden, ErrMessageDeniedKey)
	}

	body, err := readAllLimited(r, MaxContentSize+1)
	if err != nil {
		return nil, xerrors.Errorf("error reading request body: %w", err)
	}
	if len(body) > MaxContentSize {
		s.logger.WithFields(logrus.Fields{"key": key, "content": stringutil.SampleLong(string(body))}).Debug("rejected oversized PUT body")
		return nil, NewServerError(http.StatusRequestEntityTooLarge, ErrMessageContentTooLarge)
	}

	if key == s83key.TestPublicKey {
		return nil, NewServerError(http.StatusUnauthorized, ErrMessageTestKey)
	}

	parsedKey, err := s83key.ParseKey(key, s.timeNow())
	if err != nil {
		return nil, serverErrorFromKeyParseError(err)
	}

	signature, err := parseAuthorizationSignature(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	if !parsedKey.Verify(body, signature) {
		return nil, NewServerError(http.StatusUnauthorized, ErrMessageSignatureInvalid)
	}

	// The existing-board read and the eventual write below must be atomic
	// with respect to other PUTs of the same key, or two concurrent
	// requests could both read the same "existing" state and both pass
	// their monotonicity checks before either writes, letting an older
	// timestamp win the race. A per-key lock serializes same-key PUTs
	// without making unrelated keys contend with each other.
	s.putLocks.Lock(key)
	defer s.putLocks.Unlock(key)

	existing, err := s.store.Get(ctx, key)
	existingFound := true
	if err != nil {
		if !errors.Is(err, s83store.ErrKeyNotFound) {
			return nil, xerrors.Errorf("error fetching existing board: %w", err)
		}
		existingFound = false
	}

	if existingFound {
		ifUnmodifiedSince := r.Header.Get("If-Unmodified-Since")
		if ifUnmodifiedSince == "" {
			return nil, NewServerError(http.StatusBadRequest, ErrMessageIfUnmodifiedSinceMissing)
		}

		parsed, err := s83time.Parse(ifUnmodifiedSince)
		if err != nil {
			return nil, NewServerError(http.StatusBadRequest, (&IfModifiedSinceParseError{ifUnmodifiedSince}).Error())
		}
		if !parsed.After(existing.Timestamp) {
			return nil, NewServerError(http.StatusConflict, ErrMessageIfUnmodifiedSinceNotAfter)
		}
	}

	timestamp, err := s83body.ExtractTimestamp(body)
	if err != nil {
		switch {
		case errors.Is(err, s83body.ErrTimestampMissing):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageTimestampMissing)
		case errors.Is(err, s83body.ErrTimestampMultiple):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageTimestampMultiple)
		default:
			return nil, NewServerError(http.StatusBadRequest, ErrMessageTimestampUnparseable)
		}
	}

	if timestamp.After(s.timeNow()) {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageTimestampInFuture)
	}

	if s.timeNow().Sub(timestamp) > s83store.MaxContentAge {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageTimestampTooOld)
	}

	if existingFound && !timestamp.After(existing.Timestamp) {
		return nil, NewServerError(http.StatusConflict, ErrMessageTimestampNotAfterExisting)
	}

	board := &s83store.Board{
		Content:   body,
		Signature: hexEncode(signature),
		Timestamp: timestamp,
	}
	if err := s.store.Put(ctx, key, board); err != nil {
		return nil, xerrors.Errorf("error persisting board: %w", err)
	}

	s.logger.WithField("key", parsedKey.Shorthand()).Debug("stored board")

	if s.gossip != nil {
		s.gossip.Debounce(key)
	}

	message := MessageKeyCreated
	if existingFound {
		message = MessageKeyUpdated
	}

	return NewServerResponse(http.StatusOK, []byte(message), http.Header{
		"Authorization":  []string{authorizationPrefix + board.Signature},
		"Spring-Version": []string{"83"},
	}), nil
}

// handleIndex renders a minimal HTML page listing known boards newest
// first, along with the server's current Spring-Difficulty.
func (s *Server) handleIndex(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	boards, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, xerrors.Errorf("error listing boards: %w", err)
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, xerrors.Errorf("error counting boards: %w", err)
	}
	difficulty := s83store.Difficulty(count)

	keys := make([]indexEntry, 0, len(boards))
	for key, board := range boards {
		keys = append(keys, indexEntry{Key: key, Timestamp: board.Timestamp})
	}

	var buf bytes.Buffer
	if s.template != nil {
		if err := s.template.Execute(&buf, indexData{Boards: keys, Difficulty: difficulty}); err != nil {
			return nil, xerrors.Errorf("error rendering index template: %w", err)
		}
	}

	return NewServerResponse(http.StatusOK, buf.Bytes(), http.Header{
		"Spring-Difficulty": []string{fmt.Sprintf("%f", difficulty)},
		"Spring-Version":    []string{"83"},
	}), nil
}

type indexEntry struct {
	Key       string
	Timestamp time.Time
}

type indexData struct {
	Boards     []indexEntry
	Difficulty float64
}

const indexTemplateText = `<!DOCTYPE html>
<html>
<head><title>lets-dance</title></head>
<body>
<p>Spring-Difficulty: {{printf "%f" .Difficulty}}</p>
<ul>
{{range .Boards}}<li>{{.Key}} ({{.Timestamp}})</li>
{{end}}</ul>
</body>
</html>
`

func (s *Server) parseTemplates() error {
	tmpl, err := template.New("index").Parse(indexTemplateText)
	if err != nil {
		return xerrors.Errorf("error parsing index template: %w", err)
	}
	s.template = tmpl
	return nil
}

// serverErrorFromKeyParseError maps a ParseKey failure to the PUT
// pipeline's step-3 status: validate_public_key is a single pass/fail check
// per spec, so every failure reason (bad format, expired, not yet valid) is
// a 400, not a 403 -- only the message varies, to keep logs useful.
func serverErrorFromKeyParseError(err error) error {
	switch {
	case errors.Is(err, s83key.ErrKeyExpired):
		return NewServerError(http.StatusBadRequest, ErrMessageKeyExpired)
	case errors.Is(err, s83key.ErrKeyNotYetValid):
		return NewServerError(http.StatusBadRequest, ErrMessageKeyNotYetValid)
	default:
		return NewServerError(http.StatusBadRequest, ErrMessageKeyInvalid)
	}
}

func parseAuthorizationSignature(header string) ([]byte, error) {
	if header == "" || len(header) <= len(authorizationPrefix) || header[:len(authorizationPrefix)] != authorizationPrefix {
		return nil, NewServerError(http.StatusUnauthorized, ErrMessageSignatureMissing)
	}

	hexSig := header[len(authorizationPrefix):]
	sig, err := hexDecode(hexSig)
	if err != nil {
		return nil, NewServerError(http.StatusUnauthorized, ErrMessageSignatureUnparseable)
	}

	if len(sig) != 64 {
		return nil, NewServerError(http.StatusUnauthorized, ErrMessageSignatureBadLength)
	}

	return sig, nil
}

// isTimestampOnly reports whether content, once trimmed of surrounding
// whitespace, is a single <time> tag and nothing else -- the soft-delete
// convention Spring '83 servers converge on in the field.
func isTimestampOnly(content string) bool {
	return timestampOnlyRE.MatchString(content)
}

// randomizeTestKeyBoard builds placeholder content for the test key's GET
// response: a fresh timestamp followed by a few bytes of random filler, so
// repeated requests don't all return byte-identical bodies.
func randomizeTestKeyBoard(now time.Time) []byte {
	return []byte(fmt.Sprintf(`<time datetime="%s">test board %d</time>`, now.UTC().Format("2006-01-02T15:04:05Z"), randutil.Intn(1_000_000_000)))
}

// IfModifiedSinceParseError is returned (wrapped in a ServerError) when a
// conditional-request header can't be parsed as a valid timestamp.
type IfModifiedSinceParseError struct {
	Value string
}

func (e *IfModifiedSinceParseError) Error() string {
	return fmt.Sprintf("could not parse timestamp header value %q", e.Value)
}

func readAllLimited(r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
