// Package s83body inspects board content for the `<time datetime="...">`
// tag that every valid Spring '83 board must carry, using a real HTML5
// tokenizer instead of a hand-rolled regular expression.
package s83body

import (
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/xerrors"
)

// datetimeFormat is the exact layout the protocol requires inside a <time>
// tag's datetime attribute: YYYY-MM-DDTHH:MM:SSZ, always UTC.
const datetimeFormat = "2006-01-02T15:04:05Z"

var (
	ErrTimestampMissing     = xerrors.New("content has no <time datetime=\"...\"> tag")
	ErrTimestampMultiple    = xerrors.New("content has more than one <time datetime=\"...\"> tag")
	ErrTimestampUnparseable = xerrors.New("content's <time> tag datetime attribute is not in YYYY-MM-DDTHH:MM:SSZ format")
)

// ExtractTimestamp scans all of content for <time> elements and parses the
// datetime attribute of the one it finds. The protocol requires exactly one
// <time> element in the document, whether or not it carries a datetime
// attribute, so every <time> tag counts toward that limit, not just the
// ones with a datetime attribute; the whole document is tokenized (not just
// up to the first match) to catch a second one rather than silently
// ignoring it.
func ExtractTimestamp(content []byte) (time.Time, error) {
	tokenizer := html.NewTokenizer(strings.NewReader(string(content)))

	var count int
	var result time.Time
	var haveResult bool

	for {
		tokenType := tokenizer.Next()

		switch tokenType {
		case html.ErrorToken:
			switch {
			case count == 0, !haveResult:
				return time.Time{}, ErrTimestampMissing
			default:
				return result, nil
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data != "time" {
				continue
			}

			count++
			if count > 1 {
				return time.Time{}, ErrTimestampMultiple
			}

			for _, attr := range token.Attr {
				if attr.Key != "datetime" {
					continue
				}

				parsed, err := time.Parse(datetimeFormat, attr.Val)
				if err != nil {
					return time.Time{}, xerrors.Errorf("%w: %s", ErrTimestampUnparseable, attr.Val)
				}

				result = parsed.UTC()
				haveResult = true
			}
		}
	}
}
