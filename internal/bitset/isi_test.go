package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecodeStreamID(t *testing.T) {
	require.Equal(t, -1, DecodeStreamID(511))
	for raw := 256; raw <= 510; raw++ {
		require.Equal(t, raw-256, DecodeStreamID(raw))
	}
	for raw := 0; raw <= 255; raw++ {
		require.Equal(t, raw, DecodeStreamID(raw))
	}
}

func TestDecodeISIListMultistream(t *testing.T) {
	payload := []byte{0b00000111}
	require.Equal(t, []int{0, 1, 2}, DecodeISIList(payload))
}

func TestISIBitsetRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 16).Draw(t, "n")
		seen := map[int]bool{}
		var isis []int
		for i := 0; i < n; i++ {
			v := rapid.IntRange(0, MaxISI).Draw(t, "isi")
			if !seen[v] {
				seen[v] = true
				isis = append(isis, v)
			}
		}
		encoded := EncodeISIList(isis)
		decoded := DecodeISIList(encoded)
		require.ElementsMatch(t, isis, decoded)
		require.Equal(t, encoded, EncodeISIList(decoded))
	})
}
