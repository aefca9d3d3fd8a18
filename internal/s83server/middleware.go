package s83server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// contextContainerContextKey is the unexported type used to stash a
// ContextContainer on a request's context, so it can't collide with a key
// some other package puts there.
type contextContainerContextKey struct{}

// ContextContainer carries per-request state (currently just the status
// code a handler decided on) from a handler out to the logging middleware
// that wraps it.
type ContextContainer struct {
	StatusCode int
}

// ContextContainerMiddleware stashes a fresh ContextContainer on every
// request's context before it reaches the router.
type ContextContainerMiddleware struct{}

func (m *ContextContainerMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := &ContextContainer{}
		ctx := context.WithValue(r.Context(), contextContainerContextKey{}, ctxContainer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ContextContainerFrom extracts the ContextContainer a ContextContainerMiddleware
// stashed on ctx. It returns nil if none is present.
func ContextContainerFrom(ctx context.Context) *ContextContainer {
	ctxContainer, _ := ctx.Value(contextContainerContextKey{}).(*ContextContainer)
	return ctxContainer
}

// CanonicalLogLineMiddleware emits one structured log line per request,
// after the request has finished, carrying the fields operators need to
// reconstruct what happened without correlating multiple log lines.
type CanonicalLogLineMiddleware struct {
	logger logrus.FieldLogger

	// logDataChan, if non-nil, receives a copy of each request's log fields.
	// Used by tests to assert on exactly what was logged.
	logDataChan chan map[string]any
}

func (m *CanonicalLogLineMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		ctxContainer := ContextContainerFrom(r.Context())
		var status int
		if ctxContainer != nil {
			status = ctxContainer.StatusCode
		}

		var routeTemplate string
		if route := mux.CurrentRoute(r); route != nil {
			routeTemplate, _ = route.GetPathTemplate()
		}

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		var ip *string
		if err == nil {
			ip = &host
		}

		logData := map[string]any{
			"content_type": r.Header.Get("Content-Type"),
			"duration":     duration.Seconds(),
			"http_method":  r.Method,
			"http_path":    r.URL.Path,
			"http_route":   routeTemplate,
			"ip":           fmt.Sprintf("%v", ip),
			"query_string": r.URL.RawQuery,
			"status":       status,
			"user_agent":   r.Header.Get("User-Agent"),
		}

		m.logger.WithFields(logData).Info("request handled")

		if m.logDataChan != nil {
			m.logDataChan <- logData
		}
	})
}

// CORSMiddleware allows cross-origin requests from any origin, since
// Spring '83 boards are meant to be freely fetchable by any client.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS, PUT")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-Modified-Since, If-Unmodified-Since, Authorization, Spring-Version")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Type, Last-Modified, Authorization, Spring-Version, Spring-Difficulty")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// InspectableWriter wraps an http.ResponseWriter, recording the status code
// and body written through it so middleware further up the chain can
// inspect what a handler produced.
type InspectableWriter struct {
	http.ResponseWriter
	Body       *bytes.Buffer
	StatusCode int
}

func newInspectableWriter(w http.ResponseWriter) *InspectableWriter {
	return &InspectableWriter{ResponseWriter: w, Body: &bytes.Buffer{}, StatusCode: http.StatusOK}
}

func (iw *InspectableWriter) Write(b []byte) (int, error) {
	iw.Body.Write(b)
	return iw.ResponseWriter.Write(b)
}

func (iw *InspectableWriter) WriteHeader(statusCode int) {
	iw.StatusCode = statusCode
	iw.ResponseWriter.WriteHeader(statusCode)
}

// InspectableWriterMiddleware substitutes an InspectableWriter for the
// ResponseWriter passed down the handler chain.
type InspectableWriterMiddleware struct{}

// NewInspectableWriterMiddleware builds an InspectableWriterMiddleware.
func NewInspectableWriterMiddleware() *InspectableWriterMiddleware {
	return &InspectableWriterMiddleware{}
}

func (m *InspectableWriterMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(newInspectableWriter(w), r)
	})
}

// TimeoutMiddleware aborts a request with 504 if it runs longer than
// timeout, distinguishing a server-side timeout from the client itself
// canceling the request.
type TimeoutMiddleware struct {
	timeout time.Duration
}

// NewTimeoutMiddleware builds a TimeoutMiddleware enforcing the given
// per-request timeout.
func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	return &TimeoutMiddleware{timeout: timeout}
}

func (m *TimeoutMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()

		start := time.Now()
		done := make(chan struct{})

		go func() {
			next.ServeHTTP(w, r.WithContext(ctx))
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			elapsed := time.Since(start).Seconds()
			w.WriteHeader(http.StatusGatewayTimeout)

			if errors.Is(ctx.Err(), context.Canceled) {
				fmt.Fprintf(w, "The request was canceled after %fs (maximum request time is %fs).", elapsed, m.timeout.Seconds())
			} else {
				fmt.Fprintf(w, "The request timed out after %fs (maximum request time is %fs).", elapsed, m.timeout.Seconds())
			}
		}
	})
}
