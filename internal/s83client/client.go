// Package s83client implements the outbound half of Spring '83 federation:
// PUTting a signed board to a peer server.
package s83client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/lets-dance/spring83/internal/s83store"
	"github.com/lets-dance/spring83/internal/s83time"
)

const userAgent = "lets-dance/1.0"

// Client issues outbound requests to a single peer server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client targeting baseURL, a peer's scheme+host (e.g.
// "https://example.com").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// PutBoard PUTs board to the peer under key, with the headers the protocol
// requires: Authorization carrying the hex signature, If-Unmodified-Since
// carrying the board's timestamp, and the Spring-Version marker.
func (c *Client) PutBoard(ctx context.Context, key string, board *s83store.Board) (*http.Response, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(board.Content))
	if err != nil {
		return nil, xerrors.Errorf("error building request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/html;charset=utf-8")
	req.Header.Set("Spring-Version", "83")
	req.Header.Set("If-Unmodified-Since", s83time.Format(board.Timestamp))
	req.Header.Set("Authorization", fmt.Sprintf("Spring-83 Signature=%s", board.Signature))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("error performing request: %w", err)
	}

	return resp, nil
}

// ErrServerError reports that a peer returned a 5xx status, the only class
// of response that warrants a retry.
var ErrServerError = xerrors.New("peer returned a server error")

// PutBoardAndClassify is PutBoard plus response classification: it drains
// and closes the body, and maps a 5xx status to ErrServerError so callers
// building a retry policy don't need to inspect status codes themselves.
func (c *Client) PutBoardAndClassify(ctx context.Context, key string, board *s83store.Board) error {
	resp, err := c.PutBoard(ctx, key, board)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 && resp.StatusCode < 600 {
		return xerrors.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	}

	return nil
}
