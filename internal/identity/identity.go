// ABOUTME: Canonical identity normalization for users arriving from different channels.
// ABOUTME: Maps channel-prefixed raw IDs to a single canonical key, so one person is one conversation.

package identity

import (
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidIdentity is returned when a raw ID cannot be normalized.
var ErrInvalidIdentity = errors.New("invalid identity")

// Normalize converts a channel-specific raw user ID into the canonical
// form used as the session key. The same person reaching us through
// different channels must normalize to the same string.
//
// Current conventions:
//   - Telegram numeric IDs arrive prefixed: "tg_123456" -> "123456".
//     The prefix is only stripped when the remainder is all digits, so
//     a chosen username that happens to start with "tg_" is untouched.
//   - Everything else passes through verbatim after trimming.
//
// Normalize is pure and idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(rawID, channel string) (string, error) {
	id := strings.TrimSpace(rawID)
	if id == "" {
		return "", ErrInvalidIdentity
	}

	if rest, ok := strings.CutPrefix(id, "tg_"); ok && isAllDigits(rest) {
		return rest, nil
	}
	return id, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
