package s83server

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/lets-dance/spring83/internal/s83denylist"
	"github.com/lets-dance/spring83/internal/s83key"
	"github.com/lets-dance/spring83/internal/s83store"
	"github.com/lets-dance/spring83/internal/s83store/s83memstore"
)

const (
	samplePrivateKey = "90ba51828ecc30132d4707d55d24456fbd726514cf56ab4668b62392798e2540"
	samplePublicKey  = "e90e9091b13a6e5194c1fed2728d1fdb6de7df362497d877b8c0b8f0883e1124"
)

var logger, _ = test.NewNullLogger()

func newTestStore() *s83memstore.MemoryStore {
	return s83memstore.NewMemoryStore(logger)
}

func TestBundledKeys(t *testing.T) {
	keyPair, err := s83key.ParseKeyPairUnchecked(s83key.TestPrivateKey)
	require.NoError(t, err)
	require.Equal(t, s83key.TestPublicKey, keyPair.PublicKey)
}

func TestServerHandleGetKey(t *testing.T) {
	var (
		ctx      context.Context
		denyList *s83denylist.MemoryDenyList
		server   *Server
		store    *s83memstore.MemoryStore
	)

	requestForKey := func(key string) *http.Request {
		return mustNewRequest(ctx, http.MethodGet, "/"+key, map[string]string{"key": key}, nil)
	}

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			store = newTestStore()
			denyList = s83denylist.NewMemoryDenyList()
			server = NewServer(logger, store, denyList, nil, 4434)
			server.timeNow = stableTimeFunc

			test(t)
		}
	}

	storeKeyContent := func(keyPair *s83key.KeyPair, timestamp time.Time, content string) *s83store.Board {
		board := &s83store.Board{
			Content:   []byte(content),
			Signature: keyPair.SignHex([]byte(content)),
			Timestamp: timestamp,
		}
		err := store.Put(ctx, keyPair.PublicKey, board)
		require.NoError(t, err)
		return board
	}

	t.Run("Success", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)
		board := storeKeyContent(keyPair, stableTime, "some board content")

		resp, err := server.handleGetKey(ctx, requestForKey(keyPair.PublicKey))
		require.NoError(t, err)
		requireServerResponse(t, NewServerResponse(http.StatusOK, board.Content, http.Header{
			"Authorization":  []string{"Spring-83 Signature=" + board.Signature},
			"Last-Modified":  []string{"Wed, 09 Nov 2022 10:11:12 GMT"},
			"Spring-Version": []string{"83"},
		}), resp)
	}))

	t.Run("TestKey", setup(func(t *testing.T) {
		keyPair := s83key.MustParseKeyPairUnchecked(s83key.TestPrivateKey)

		resp, err := server.handleGetKey(ctx, requestForKey(s83key.TestPublicKey))
		require.NoError(t, err)

		require.Equal(t, http.StatusOK, resp.StatusCode)
		sig := strings.TrimPrefix(resp.Header.Get("Authorization"), "Spring-83 Signature=")
		sigBytes, err := hex.DecodeString(sig)
		require.NoError(t, err)
		require.True(t, keyPair.Verify(resp.Body, sigBytes))
	}))

	t.Run("NoSuffixValidation", setup(func(t *testing.T) {
		// GET performs no suffix or expiry validation of its own (spec §4.3
		// GET has no such step; only the routing layer's hex pattern
		// applies), so a key that would fail ParseKey's format check still
		// reaches the store and comes back 404, not 400.
		_, err := server.handleGetKey(ctx, requestForKey("not-a-key"))
		requireServerError(t, NewServerError(http.StatusNotFound, (&BoardNotFoundError{"not-a-key"}).Error()), err)
	}))

	t.Run("DenyList", setup(func(t *testing.T) {
		_, err := server.handleGetKey(ctx, requestForKey(s83denylist.InfernalPublicKey))
		requireServerError(t, NewServerError(http.StatusForbidden, ErrMessageDeniedKey), err)
	}))

	t.Run("KeyNotFound", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)
		_, err := server.handleGetKey(ctx, requestForKey(keyPair.PublicKey))
		requireServerError(t, NewServerError(http.StatusNotFound, (&BoardNotFoundError{keyPair.PublicKey}).Error()), err)
	}))

	t.Run("TimestampOnly", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)
		_ = storeKeyContent(keyPair, stableTime, timestampTag(stableTime))

		_, err := server.handleGetKey(ctx, requestForKey(keyPair.PublicKey))
		requireServerError(t, NewServerError(http.StatusNotFound, (&BoardNotFoundError{keyPair.PublicKey}).Error()), err)
	}))

	t.Run("IfModifiedSinceParseError", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)
		_ = storeKeyContent(keyPair, stableTime, "some board content")

		r := requestForKey(keyPair.PublicKey)
		r.Header.Set("If-Modified-Since", "not-a-date")
		_, err := server.handleGetKey(ctx, r)
		requireServerError(t, NewServerError(http.StatusBadRequest, (&IfModifiedSinceParseError{"not-a-date"}).Error()), err)
	}))

	t.Run("IfModifiedSinceAfterTimestamp", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)
		_ = storeKeyContent(keyPair, stableTime, "some board content")

		r := requestForKey(keyPair.PublicKey)
		r.Header.Set("If-Modified-Since", stableTime.Add(5*time.Second).Format(time.RFC1123))
		resp, err := server.handleGetKey(ctx, r)
		require.NoError(t, err)
		require.Equal(t, http.StatusNotModified, resp.StatusCode)
	}))

	t.Run("ServesBoardUnderExpiredSuffix", setup(func(t *testing.T) {
		// samplePublicKey's suffix expires at the end of November 2024.
		// Serving this board well after that date still succeeds: GET
		// performs no suffix/expiry validation of the key itself, only the
		// board's own MaxContentAge governs whether it's still servable.
		keyPair := mustParseSampleKeyPair(t)
		now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
		board := storeKeyContent(keyPair, now.Add(-time.Hour), "some board content")

		server.timeNow = func() time.Time { return now }

		resp, err := server.handleGetKey(ctx, requestForKey(keyPair.PublicKey))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, board.Content, resp.Body)
	}))
}

func TestServerHandlePutKey(t *testing.T) {
	var (
		ctx      context.Context
		denyList *s83denylist.MemoryDenyList
		server   *Server
		store    *s83memstore.MemoryStore
	)

	requestForKey := func(key string, content string) *http.Request {
		r := mustNewRequest(ctx, http.MethodPut, "/"+key, map[string]string{"key": key}, bytes.NewReader([]byte(content)))
		r.Header.Set("Authorization", "Spring-83 Signature=not valid")
		return r
	}

	signedRequestForKey := func(keyPair *s83key.KeyPair, content string) *http.Request {
		r := mustNewRequest(ctx, http.MethodPut, "/"+keyPair.PublicKey, map[string]string{"key": keyPair.PublicKey}, bytes.NewReader([]byte(content)))
		r.Header.Set("Authorization", "Spring-83 Signature="+hex.EncodeToString(keyPair.Sign([]byte(content))))
		return r
	}

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			store = newTestStore()
			denyList = s83denylist.NewMemoryDenyList()
			server = NewServer(logger, store, denyList, nil, 4434)
			server.timeNow = stableTimeFunc

			test(t)
		}
	}

	storeKeyContent := func(keyPair *s83key.KeyPair, timestamp time.Time) *s83store.Board {
		content := []byte("some test board content")
		board := &s83store.Board{
			Content:   content,
			Signature: keyPair.SignHex(content),
			Timestamp: timestamp,
		}
		err := store.Put(ctx, keyPair.PublicKey, board)
		require.NoError(t, err)
		return board
	}

	t.Run("Success", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)

		resp, err := server.handlePutKey(ctx, signedRequestForKey(keyPair, timestampTag(stableTime)+" some other content"))
		require.NoError(t, err)
		requireServerResponse(t, NewServerResponse(http.StatusOK, []byte(MessageKeyCreated), http.Header{
			"Authorization":  []string{"Spring-83 Signature=" + hex.EncodeToString(keyPair.Sign([]byte(timestampTag(stableTime)+" some other content")))},
			"Spring-Version": []string{"83"},
		}), resp)

		_, err = store.Get(ctx, keyPair.PublicKey)
		require.NoError(t, err)
	}))

	t.Run("TestKey", setup(func(t *testing.T) {
		keyPair := s83key.MustParseKeyPairUnchecked(s83key.TestPrivateKey)

		_, err := server.handlePutKey(ctx, signedRequestForKey(keyPair, timestampTag(stableTime)+" some other content"))
		requireServerError(t, NewServerError(http.StatusUnauthorized, ErrMessageTestKey), err)
	}))

	t.Run("KeyInvalid", setup(func(t *testing.T) {
		_, err := server.handlePutKey(ctx, requestForKey("not-a-key", timestampTag(stableTime)+" some other content"))
		requireServerError(t, NewServerError(http.StatusBadRequest, ErrMessageKeyInvalid), err)
	}))

	t.Run("DenyList", setup(func(t *testing.T) {
		_, err := server.handlePutKey(ctx, requestForKey(s83denylist.InfernalPublicKey, timestampTag(stableTime)+" some other content"))
		requireServerError(t, NewServerError(http.StatusForbidden, ErrMessageDeniedKey), err)
	}))

	t.Run("ContentTooLarge", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)

		var sb strings.Builder
		for sb.Len() <= MaxContentSize {
			sb.WriteString(" here's some string content that'll keep being concatenated until we hit max length")
		}

		_, err := server.handlePutKey(ctx, signedRequestForKey(keyPair, timestampTag(stableTime)+sb.String()))
		requireServerError(t, NewServerError(http.StatusRequestEntityTooLarge, ErrMessageContentTooLarge), err)
	}))

	t.Run("SignatureMissing", setup(func(t *testing.T) {
		r := requestForKey(samplePublicKey, timestampTag(stableTime)+" some other content")
		r.Header.Set("Authorization", "")

		_, err := server.handlePutKey(ctx, r)
		requireServerError(t, NewServerError(http.StatusUnauthorized, ErrMessageSignatureMissing), err)
	}))

	t.Run("SignatureUnparseable", setup(func(t *testing.T) {
		r := requestForKey(samplePublicKey, timestampTag(stableTime)+" some other content")
		r.Header.Set("Authorization", "Spring-83 Signature=zxt")

		_, err := server.handlePutKey(ctx, r)
		requireServerError(t, NewServerError(http.StatusUnauthorized, ErrMessageSignatureUnparseable), err)
	}))

	t.Run("SignatureBadLength", setup(func(t *testing.T) {
		r := requestForKey(samplePublicKey, timestampTag(stableTime)+" some other content")
		r.Header.Set("Authorization", "Spring-83 Signature=abcd")

		_, err := server.handlePutKey(ctx, r)
		requireServerError(t, NewServerError(http.StatusUnauthorized, ErrMessageSignatureBadLength), err)
	}))

	t.Run("SignatureInvalid", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)

		r := requestForKey(keyPair.PublicKey, timestampTag(stableTime)+" some other content")
		r.Header.Set("Authorization", "Spring-83 Signature="+hex.EncodeToString(keyPair.Sign([]byte("other content"))))

		_, err := server.handlePutKey(ctx, r)
		requireServerError(t, NewServerError(http.StatusUnauthorized, ErrMessageSignatureInvalid), err)
	}))

	t.Run("TimestampMissing", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)

		_, err := server.handlePutKey(ctx, signedRequestForKey(keyPair, "some content without timestamp"))
		requireServerError(t, NewServerError(http.StatusBadRequest, ErrMessageTimestampMissing), err)
	}))

	t.Run("TimestampUnparseable", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)

		_, err := server.handlePutKey(ctx, signedRequestForKey(keyPair, `<time datetime="2022-11-09T10:11:79Z"> some other content`))
		requireServerError(t, NewServerError(http.StatusBadRequest, ErrMessageTimestampUnparseable), err)
	}))

	t.Run("TimestampMultiple", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)

		content := timestampTag(stableTime) + "hello" + timestampTag(stableTime.Add(-time.Minute))
		_, err := server.handlePutKey(ctx, signedRequestForKey(keyPair, content))
		requireServerError(t, NewServerError(http.StatusBadRequest, ErrMessageTimestampMultiple), err)
	}))

	t.Run("TimestampInFuture", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)

		_, err := server.handlePutKey(ctx, signedRequestForKey(keyPair, timestampTag(stableTime.Add(3*time.Hour))+" some other content"))
		requireServerError(t, NewServerError(http.StatusBadRequest, ErrMessageTimestampInFuture), err)
	}))

	t.Run("TimestampTooOld", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)

		_, err := server.handlePutKey(ctx, signedRequestForKey(keyPair, timestampTag(stableTime.Add(-s83store.MaxContentAge).Add(-3*time.Hour))+" some other content"))
		requireServerError(t, NewServerError(http.StatusBadRequest, ErrMessageTimestampTooOld), err)
	}))

	t.Run("IfUnmodifiedSinceMissingOnUpdate", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)
		_ = storeKeyContent(keyPair, stableTime)

		_, err := server.handlePutKey(ctx, signedRequestForKey(keyPair, timestampTag(stableTime.Add(5*time.Minute))+" some other content"))
		requireServerError(t, NewServerError(http.StatusBadRequest, ErrMessageIfUnmodifiedSinceMissing), err)
	}))

	t.Run("TimestampOlderThanCurrent", setup(func(t *testing.T) {
		keyPair := mustParseSampleKeyPair(t)
		board := storeKeyContent(keyPair, stableTime)

		r := signedRequestForKey(keyPair, timestampTag(stableTime.Add(-5*time.Minute))+" some other content")
		r.Header.Set("If-Unmodified-Since", board.Timestamp.Add(time.Second).Format(time.RFC1123))

		_, err := server.handlePutKey(ctx, r)
		requireServerError(t, NewServerError(http.StatusConflict, ErrMessageTimestampNotAfterExisting), err)
	}))
}

func TestParseTemplates(t *testing.T) {
	server := NewServer(logger, nil, nil, nil, 4434)
	err := server.parseTemplates()
	require.NoError(t, err)
}

// High-level integration test that exercises the entire stack including
// middleware. Each route should only get one assertion -- the bulk of
// logic testing goes into the specific handler tests above.
func TestServerRouter(t *testing.T) {
	ctx := context.Background()
	denyList := s83denylist.NewMemoryDenyList()
	keyPair := mustParseSampleKeyPair(t)
	store := newTestStore()

	server := NewServer(logger, store, denyList, nil, 4434)
	server.timeNow = stableTimeFunc

	serveReq := func(ctx context.Context, method, path string, header http.Header, body []byte) {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		r, _ := http.NewRequestWithContext(ctx, method, "http://spring83.example.com"+path, bodyReader)
		r.Header = header

		recorder := httptest.NewRecorder()
		server.router.ServeHTTP(recorder, r)

		res := recorder.Result() //nolint:bodyclose
		if res.StatusCode >= 400 {
			require.Failf(t, "Request failure", "Expected non-error status code, was %d with body: %s",
				res.StatusCode,
				recorder.Body.String(),
			)
		}
	}

	content := []byte(timestampTag(stableTime) + " some content")

	serveReq(ctx, http.MethodGet, "/", nil, nil)
	serveReq(ctx, http.MethodGet, "/metrics", nil, nil)
	serveReq(ctx, http.MethodPut, "/"+keyPair.PublicKey, http.Header{"Authorization": []string{"Spring-83 Signature=" + keyPair.SignHex(content)}}, content)
	serveReq(ctx, http.MethodGet, "/"+keyPair.PublicKey, nil, nil)
}

func TestServerWrapEndpoint(t *testing.T) {
	var (
		ctx          context.Context
		ctxContainer *ContextContainer
		recorder     *httptest.ResponseRecorder
		server       *Server
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			ctxContainer = &ContextContainer{}
			ctx = context.WithValue(ctx, contextContainerContextKey{}, ctxContainer)
			recorder = httptest.NewRecorder()
			server = NewServer(logger, nil, nil, nil, 4434)

			test(t)
		}
	}

	t.Run("ServerResponse", setup(func(t *testing.T) {
		handler := server.wrapEndpoint(func(ctx context.Context, r *http.Request) (*ServerResponse, error) {
			return NewServerResponse(http.StatusCreated, []byte("a body"), http.Header{"Spring-Version": []string{"83"}}), nil
		})

		handler.ServeHTTP(recorder, mustNewRequest(ctx, http.MethodGet, "/", nil, nil))

		require.Equal(t, http.StatusCreated, recorder.Code)
		require.Equal(t, "a body", recorder.Body.String())
		require.Equal(t, "text/html;charset=utf-8", recorder.Header().Get("Content-Type"))
		require.Equal(t, "83", recorder.Header().Get("Spring-Version"))

		require.Equal(t, http.StatusCreated, ctxContainer.StatusCode)
	}))

	t.Run("ServerError", setup(func(t *testing.T) {
		handler := server.wrapEndpoint(func(ctx context.Context, r *http.Request) (*ServerResponse, error) {
			return nil, NewServerError(http.StatusBadRequest, "an error")
		})

		handler.ServeHTTP(recorder, mustNewRequest(ctx, http.MethodGet, "/", nil, nil))

		require.Equal(t, http.StatusBadRequest, recorder.Code)
		require.Equal(t, "an error", recorder.Body.String())
		require.Equal(t, "text/html;charset=utf-8", recorder.Header().Get("Content-Type"))

		require.Equal(t, http.StatusBadRequest, ctxContainer.StatusCode)
	}))

	t.Run("InternalError", setup(func(t *testing.T) {
		handler := server.wrapEndpoint(func(ctx context.Context, r *http.Request) (*ServerResponse, error) {
			return nil, fmt.Errorf("internal error")
		})

		handler.ServeHTTP(recorder, mustNewRequest(ctx, http.MethodGet, "/", nil, nil))

		require.Equal(t, http.StatusInternalServerError, recorder.Code)
		require.Equal(t, ErrMessageInternalError, recorder.Body.String())
		require.Equal(t, "text/html;charset=utf-8", recorder.Header().Get("Content-Type"))

		require.Equal(t, http.StatusInternalServerError, ctxContainer.StatusCode)
	}))
}

func TestIsTimestampOnly(t *testing.T) {
	timestampStr := `<time datetime="2006-01-02T15:04:05Z">`

	require.False(t, isTimestampOnly(timestampStr+" some other content"))
	require.True(t, isTimestampOnly(timestampStr))
	require.True(t, isTimestampOnly("    "+timestampStr+"    "))
}

func mustNewRequest(ctx context.Context, method, path string, muxVars map[string]string, body io.Reader) *http.Request {
	r, _ := http.NewRequestWithContext(ctx, method, "http://spring83.example.com"+path, body)
	r = mux.SetURLVars(r, muxVars)
	return r
}

func requireServerError(t *testing.T, expectedErr *ServerError, err error) {
	t.Helper()
	require.Equal(t, expectedErr, err)
}

func requireServerResponse(t *testing.T, expectedResp, resp *ServerResponse) {
	t.Helper()
	require.Equal(t, expectedResp, resp)
}

func mustParseSampleKeyPair(t *testing.T) *s83key.KeyPair {
	t.Helper()
	keyPair, err := s83key.ParseKeyPairUnchecked(samplePrivateKey)
	require.NoError(t, err)
	return keyPair
}

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

// For injecting a stable time into a server because eventually any sample
// key will expire, and if we were using time.Now(), that would start
// failing tests.
func stableTimeFunc() time.Time {
	return stableTime
}

func timestampTag(timestamp time.Time) string {
	return fmt.Sprintf(`<time datetime="%s">`, timestamp.UTC().Format("2006-01-02T15:04:05Z"))
}
