package peakdetect

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const freqStepKHz = 40

// triangularSpectrum builds a 2048-sample buffer: flat floor at floorCdB
// with a single triangular bump centered at sample 1024, apex apexCdB,
// decaying by slopeCdBPerSample per sample until it reaches the floor.
func triangularSpectrum(floorCdB, apexCdB int32, slopeCdBPerSample int32) []Sample {
	const n = 2048
	const center = 1024
	samples := make([]Sample, n)
	for i := 0; i < n; i++ {
		d := i - center
		if d < 0 {
			d = -d
		}
		level := apexCdB - slopeCdBPerSample*int32(d)
		if level < floorCdB {
			level = floorCdB
		}
		samples[i] = Sample{FreqKHz: int64(i) * freqStepKHz, LevelCdB: level}
	}
	return samples
}

func TestDetectSingleTriangularBump(t *testing.T) {
	// -6dB edge at 100 samples (4000 kHz) each side => 8000 kHz -6dB
	// width => symbol rate 8000 * 800 = 6.4 Msym/s, within spec's
	// [1.5e7/... wait see below] bounds, and snr = apex - floor = 3000.
	samples := triangularSpectrum(-7000, -4000, 6)

	peaks, err := Detect(samples, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, peaks, 1)

	p := peaks[0]
	require.InDelta(t, 1024*freqStepKHz, p.FreqKHz, freqStepKHz)
	require.InDelta(t, 6_400_000, p.SymbolRate, 1)
	require.EqualValues(t, 3000, p.SNRCdB)
	require.EqualValues(t, -4000, p.LevelCdB)
}

func TestDetectRequiresMinimumSamples(t *testing.T) {
	_, err := Detect(make([]Sample, 99), DefaultOptions())
	require.ErrorIs(t, err, ErrTooFewSamples)
}

func TestDetectTwoSeparatedPeaksSurviveDeepValley(t *testing.T) {
	const n = 400
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{FreqKHz: int64(i) * freqStepKHz, LevelCdB: -7000}
	}
	// Two narrow spikes far enough apart, with a deep valley between them.
	for d := -5; d <= 5; d++ {
		samples[100+d].LevelCdB = -4000 + int32(d*d*10)
		samples[300+d].LevelCdB = -4200 + int32(d*d*10)
	}
	samples[100].LevelCdB = -4000
	samples[300].LevelCdB = -4200

	peaks, err := Detect(samples, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, peaks, 2)
}

// TestValleyMergeIdempotent checks spec §8's idempotence invariant: running
// the merge step twice over the same candidate list yields the same
// result.
func TestValleyMergeIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(100, 300).Draw(t, "n")
		samples := make([]Sample, n)
		for i := 0; i < n; i++ {
			level := int32(rapid.IntRange(-8000, -3000).Draw(t, "level"))
			samples[i] = Sample{FreqKHz: int64(i) * freqStepKHz, LevelCdB: level}
		}

		opts := DefaultOptions()
		raw := sweepLocalMaxima(samples, -6000)
		once := mergeValleys(samples, raw, opts.ValleyFloorCdB)
		twice := mergeValleys(samples, once, opts.ValleyFloorCdB)
		require.Equal(t, once, twice)
	})
}

// TestPeakLevelAboveThreshold checks spec §8's invariant:
// min_sample_level + 1000 <= peak.level for every detected peak.
func TestPeakLevelAboveThreshold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(100, 256).Draw(t, "n")
		samples := make([]Sample, n)
		minLevel := int32(1 << 30)
		for i := 0; i < n; i++ {
			level := int32(rapid.IntRange(-9000, -2000).Draw(t, "level"))
			samples[i] = Sample{FreqKHz: int64(i) * freqStepKHz, LevelCdB: level}
			if level < minLevel {
				minLevel = level
			}
		}

		peaks, err := Detect(samples, DefaultOptions())
		require.NoError(t, err)
		for _, p := range peaks {
			require.GreaterOrEqual(t, p.LevelCdB, minLevel+1000)
			require.GreaterOrEqual(t, p.SymbolRate, int64(minSymbolRate))
			require.LessOrEqual(t, p.SymbolRate, int64(maxSymbolRate))
		}
	})
}
