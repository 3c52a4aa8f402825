// Package rewrite turns absolute URLs in fetched pages into references that
// route back through the proxy.
//
// The scan is a plain byte search: any double-quoted literal starting with
// "http is a candidate, whether it sits in an HTML attribute, a script string
// or anywhere else. Pages are never parsed.
package rewrite

import (
	"bytes"
	"strconv"
)

var (
	openMarker = []byte(`"http`)
	quote      = []byte(`"`)
)

// Stats describes a single rewrite pass.
type Stats struct {
	Replacements int
}

// Body rewrites every "http..." literal in body into
//
//	window.location.origin + ":<port>/?proxy=<url>"
//
// where <url> is the original text between the quotes, copied verbatim.
// A literal with no closing quote ends the scan; it and everything after it
// are kept as-is. The input slice is not modified.
func Body(body []byte, port uint16) ([]byte, Stats) {
	var stats Stats

	prefix := []byte(`window.location.origin + ":` + strconv.Itoa(int(port)) + `/?proxy=`)

	var out bytes.Buffer
	cursor := 0
	for {
		start := bytes.Index(body[cursor:], openMarker)
		if start < 0 {
			break
		}
		start += cursor

		urlStart := start + 1
		end := bytes.Index(body[urlStart:], quote)
		if end < 0 {
			break
		}
		end += urlStart

		if stats.Replacements == 0 {
			out.Grow(len(body) + len(prefix))
		}
		out.Write(body[cursor:start])
		out.Write(prefix)
		out.Write(body[urlStart:end])
		out.Write(quote)

		stats.Replacements++
		cursor = end + 1
	}

	if stats.Replacements == 0 {
		return body, stats
	}

	out.Write(body[cursor:])
	return out.Bytes(), stats
}
