package spectrum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDedupeCandidatesKeepsStrongest mirrors the scenario in spec §4.B's
// Unicable dedup description: three candidates within a 2MHz window
// collapse to the strongest.
func TestDedupeCandidatesKeepsStrongest(t *testing.T) {
	cands := []Candidate{
		{FreqKHz: 11_012_000, LevelCdB: -4000},
		{FreqKHz: 11_012_500, LevelCdB: -3900},
		{FreqKHz: 11_013_800, LevelCdB: -4100},
	}

	out := dedupeCandidates(cands)
	require.Len(t, out, 1)
	require.EqualValues(t, 11_012_500, out[0].FreqKHz)
	require.EqualValues(t, -3900, out[0].LevelCdB)
}

func TestDedupeCandidatesKeepsFarApartPeaks(t *testing.T) {
	cands := []Candidate{
		{FreqKHz: 11_000_000, LevelCdB: -4000},
		{FreqKHz: 11_500_000, LevelCdB: -4100},
	}
	out := dedupeCandidates(cands)
	require.Len(t, out, 2)
}

func TestDedupeCandidatesEmpty(t *testing.T) {
	require.Nil(t, dedupeCandidates(nil))
}

func TestSliceBoundsCoversRangeWithOverlapAtEnd(t *testing.T) {
	bounds := sliceBounds(950_000, 2_150_000, 50_000)
	require.NotEmpty(t, bounds)
	require.Equal(t, int64(975_000), bounds[0])
	require.Equal(t, int64(2_125_000), bounds[len(bounds)-1])
	for i := 1; i < len(bounds); i++ {
		require.Greater(t, bounds[i], bounds[i-1])
	}
}
