// Package s83time centralizes the one timestamp format Spring '83 uses on
// the wire, so the server and client packages don't each repeat the format
// string and parsing error handling.
package s83time

import (
	"net/http"
	"time"

	"golang.org/x/xerrors"
)

// Format renders t the way it must appear in Last-Modified and
// If-Unmodified-Since headers: IMF-fixdate, e.g.
// "Sun, 06 Nov 1994 08:49:37 GMT". time.RFC1123 is close but renders the
// zone as "UTC" rather than the required literal "GMT", so we use
// http.TimeFormat instead.
func Format(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// Parse reads a header value produced by Format. It rejects anything that
// doesn't round-trip through RFC 1123, which is stricter than http.ParseTime
// but matches what every Spring '83 implementation in the wild emits.
func Parse(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC1123, value)
	if err != nil {
		return time.Time{}, xerrors.Errorf("error parsing timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}
