// ABOUTME: Media marker parsing for message content.
// ABOUTME: Recognizes [photo_url: ...], [video_url: ...], [audio_url: ...] stubs left by channel adapters.

package store

import "strings"

var mediaKinds = []string{"photo", "video", "audio"}

// ParseMediaMarker reports whether content starts with a media stub of
// the form "[photo_url: https://...]" and returns its kind and URL.
// Channel adapters write these stubs when a user sends media; any text
// after the stub (a user caption, say) is left alone. The caption
// worker later fills in a textual description.
func ParseMediaMarker(content string) (kind, url string, ok bool) {
	trimmed := strings.TrimSpace(content)
	for _, k := range mediaKinds {
		prefix := "[" + k + "_url:"
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		rest := trimmed[len(prefix):]
		end := strings.Index(rest, "]")
		if end < 0 {
			continue
		}
		u := strings.TrimSpace(rest[:end])
		if u == "" {
			return "", "", false
		}
		return k, u, true
	}
	return "", "", false
}

// MediaMarker renders the stub for a media URL of the given kind.
func MediaMarker(kind, url string) string {
	return "[" + kind + "_url: " + url + "]"
}
