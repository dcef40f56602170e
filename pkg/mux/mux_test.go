package mux

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lsd-tv/blindscan/pkg/network"
)

func TestMaterialiseCreatesAndCounts(t *testing.T) {
	reg := network.NewReference(nil)
	cands := []Candidate{
		{FreqKHz: 11_012_000, Polarisation: "H", SymbolRate: 22_000_000},
		{FreqKHz: 11_623_000, Polarisation: "V", SymbolRate: 6_000_000, Locked: true, StreamID: 0, IsGSE: true},
	}

	created, err := Materialise(reg, "net-1", cands)
	require.NoError(t, err)
	require.Equal(t, 2, created)
}

func TestMaterialiseSkipsWithinTolerance(t *testing.T) {
	reg := network.NewReference(nil)
	reg.AddMux(network.Mux{
		Key: network.MuxKey{NetworkUUID: "net-1", FreqKHz: 11_012_000, Polarisation: "H", SymbolRate: 22_000_000, StreamID: DefaultStreamID},
	})

	// 22 Msym/s falls in the 5-30 Msym/s tolerance band (+/-5MHz); 3MHz
	// away is within tolerance and must be treated as the same mux.
	created, err := Materialise(reg, "net-1", []Candidate{
		{FreqKHz: 11_015_000, Polarisation: "H", SymbolRate: 22_000_000},
	})
	require.NoError(t, err)
	require.Equal(t, 0, created)
}

// TestMaterialiseMultistreamProducesDistinctRecords mirrors spec scenario
// 4: three ISIs on the same frequency/SR produce three distinct muxes
// differing only in stream_id.
func TestMaterialiseMultistreamProducesDistinctRecords(t *testing.T) {
	reg := network.NewReference(nil)
	var cands []Candidate
	for _, isi := range []int{0, 1, 2} {
		cands = append(cands, Candidate{
			FreqKHz: 11_623_000, Polarisation: "V", SymbolRate: 6_000_000,
			Locked: true, StreamID: isi, IsGSE: true,
		})
	}

	created, err := Materialise(reg, "net-1", cands)
	require.NoError(t, err)
	require.Equal(t, 3, created)
}

func TestMaterialiseUsesDefaultsWhenNotLocked(t *testing.T) {
	reg := network.NewReference(nil)
	_, err := Materialise(reg, "net-1", []Candidate{
		{FreqKHz: 12_000_000, Polarisation: "H", SymbolRate: 27_500_000},
	})
	require.NoError(t, err)

	m, ok := reg.FindNear("net-1", "H", 12_000_000, 0, DefaultStreamID)
	require.True(t, ok)
	require.False(t, m.IsGSE)
}
