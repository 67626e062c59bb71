// ABOUTME: Tests for canonical identity normalization.
// ABOUTME: Covers prefix stripping, pass-through, idempotence, and rejection of empty IDs.

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		rawID   string
		channel string
		want    string
	}{
		{"telegram numeric prefix stripped", "tg_123456", "telegram", "123456"},
		{"bare numeric id untouched", "123456", "web", "123456"},
		{"username with tg_ prefix but letters kept", "tg_alice", "telegram", "tg_alice"},
		{"tg_ with trailing letters kept", "tg_123a", "telegram", "tg_123a"},
		{"bare tg_ kept", "tg_", "telegram", "tg_"},
		{"matrix user id pass-through", "@alice:example.org", "matrix", "@alice:example.org"},
		{"whitespace trimmed", "  tg_42  ", "telegram", "42"},
		{"web uuid pass-through", "9b2c1d0e", "web", "9b2c1d0e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.rawID, tt.channel)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, raw := range []string{"tg_99", "99", "@bob:example.org", "tg_bob"} {
		once, err := Normalize(raw, "telegram")
		require.NoError(t, err)
		twice, err := Normalize(once, "telegram")
		require.NoError(t, err)
		assert.Equal(t, once, twice, "normalization of %q must be idempotent", raw)
	}
}

func TestNormalizeCrossChannelEquivalence(t *testing.T) {
	fromTelegram, err := Normalize("tg_424242", "telegram")
	require.NoError(t, err)
	fromWeb, err := Normalize("424242", "web")
	require.NoError(t, err)
	assert.Equal(t, fromWeb, fromTelegram)
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "\t\n"} {
		_, err := Normalize(raw, "web")
		assert.ErrorIs(t, err, ErrInvalidIdentity)
	}
}
