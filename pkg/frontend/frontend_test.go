package frontend

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lsd-tv/blindscan/pkg/satconf"
)

func TestPLSRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mode := uint32(rapid.IntRange(0, 1).Draw(t, "mode"))
		code := uint32(rapid.IntRange(0, 0x3FFFF).Draw(t, "code"))
		encoded := EncodePLS(mode, code)
		gotMode, gotCode := DecodePLS(encoded)
		require.Equal(t, mode, gotMode)
		require.Equal(t, code, gotCode)
	})
}

func TestStatusBitsLocked(t *testing.T) {
	require.True(t, (StatusHasCarrier | StatusHasSync).Locked())
	require.False(t, StatusHasCarrier.Locked(), "carrier lock alone is a known false positive")
	require.False(t, StatusHasSync.Locked())
	require.True(t, (StatusHasSignal | StatusHasCarrier | StatusHasSync | StatusHasLock).Locked())
}

func TestSatconfCacheSkipsRepeatedSequencing(t *testing.T) {
	s := NewStub()
	chain := &satconf.Chain{}

	require.NoError(t, s.SendSatconfChain(chain, satconf.PolH, satconf.BandLow, Voltage13V, 10_700_000))
	require.Equal(t, 1, s.ChainCallCount)

	require.NoError(t, s.SendSatconfChain(chain, satconf.PolH, satconf.BandLow, Voltage13V, 10_750_000))
	require.Equal(t, 1, s.ChainCallCount, "unchanged (pol,band,voltage) must skip resequencing")

	s.InvalidateCache()
	require.NoError(t, s.SendSatconfChain(chain, satconf.PolH, satconf.BandLow, Voltage13V, 10_700_000))
	require.Equal(t, 2, s.ChainCallCount, "InvalidateCache must force fresh DiSEqC traffic")
}

func TestBandConversionRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		band := satconf.BandLow
		if rapid.Bool().Draw(t, "high") {
			band = satconf.BandHigh
		}
		lo, hi := int64(10_700_000), int64(12_750_000)
		if band == satconf.BandLow {
			hi = satconf.BandSplitKHz
		} else {
			lo = satconf.BandSplitKHz
		}
		f := rapid.Int64Range(lo, hi).Draw(t, "f")
		driver := satconf.ToDriver(f, band)
		require.Equal(t, f, satconf.ToTransponder(driver, band))
	})
}

func TestBandForFreq(t *testing.T) {
	require.Equal(t, satconf.BandLow, satconf.BandFor(satconf.BandSplitKHz-1))
	require.Equal(t, satconf.BandHigh, satconf.BandFor(satconf.BandSplitKHz))
}
