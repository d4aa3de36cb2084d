package diff

import (
	"strings"
)

// Delimiter is the marker the agent process prints immediately before and
// after the diff payload. Anything outside the markers is ordinary log text.
const Delimiter = "================================================================================"

// Extract isolates the diff payload bounded by the delimiter protocol inside
// raw backend output. Extraction failure is never fatal: text with zero
// delimiters, a single delimiter followed by nothing, or an empty payload all
// yield ok=false and the caller stores an empty diff.
//
// The payload is taken between the last two delimiter occurrences so that
// delimiter-looking noise earlier in the log (e.g. the agent echoing its own
// instructions) is skipped. With only one occurrence, everything after it is
// treated as the payload.
func Extract(output string) (payload string, ok bool) {
	end := strings.LastIndex(output, Delimiter)
	if end < 0 {
		return "", false
	}
	start := strings.LastIndex(output[:end], Delimiter)
	if start >= 0 {
		payload = output[start+len(Delimiter) : end]
	} else {
		payload = output[end+len(Delimiter):]
	}
	payload = strings.TrimSpace(payload)
	return payload, payload != ""
}
