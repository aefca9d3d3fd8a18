package s83server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"golang.org/x/xerrors"
)

func routeTemplateOrPath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if template, err := route.GetPathTemplate(); err == nil {
			return template
		}
	}
	return r.URL.Path
}

func httpStatusLabel(statusCode int) string {
	return strconv.Itoa(statusCode)
}

// endpointFunc is the signature every protocol handler implements: given a
// request, produce a response or a tagged error. wrapEndpoint adapts this
// into a plain http.Handler.
type endpointFunc func(ctx context.Context, r *http.Request) (*ServerResponse, error)

// ServerError is a tagged error carrying the HTTP status code its message
// should be reported under. Handlers return one whenever a request fails
// validation; wrapEndpoint turns it into the matching response.
type ServerError struct {
	StatusCode int
	Message    string
}

// NewServerError builds a ServerError.
func NewServerError(statusCode int, message string) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: message}
}

func (e *ServerError) Error() string {
	return e.Message
}

// ServerResponse is the success path counterpart to ServerError: a status
// code, body, and any headers a handler wants set beyond the defaults
// wrapEndpoint applies to every response.
type ServerResponse struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// NewServerResponse builds a ServerResponse.
func NewServerResponse(statusCode int, body []byte, header http.Header) *ServerResponse {
	return &ServerResponse{StatusCode: statusCode, Body: body, Header: header}
}

// wrapEndpoint adapts an endpointFunc into an http.Handler: it runs the
// handler, writes whatever ServerResponse or ServerError comes back (an
// unrecognized error becomes a bare 500), records the status on this
// request's ContextContainer for the logging middleware, and counts the
// request in s.requestsTotal.
func (s *Server) wrapEndpoint(f endpointFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := f(r.Context(), r)

		var statusCode int
		var body []byte
		var header http.Header

		switch {
		case err == nil:
			statusCode = resp.StatusCode
			body = resp.Body
			header = resp.Header

		default:
			var serverErr *ServerError
			if errors.As(err, &serverErr) {
				statusCode = serverErr.StatusCode
				body = []byte(serverErr.Message)
			} else {
				s.logger.WithError(xerrors.Errorf("internal error handling request: %w", err)).Error("unhandled endpoint error")
				statusCode = http.StatusInternalServerError
				body = []byte(ErrMessageInternalError)
			}
			header = http.Header{}
		}

		header.Set("Spring-Version", "83")
		for key, values := range header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.Header().Set("Content-Type", "text/html;charset=utf-8")

		if ctxContainer := ContextContainerFrom(r.Context()); ctxContainer != nil {
			ctxContainer.StatusCode = statusCode
		}

		s.requestsTotal.WithLabelValues(r.Method, routeTemplateOrPath(r), httpStatusLabel(statusCode)).Inc()

		w.WriteHeader(statusCode)
		_, _ = w.Write(body)
	}
}
