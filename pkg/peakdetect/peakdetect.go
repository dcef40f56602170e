// Package peakdetect implements the software peak-detection algorithm of
// spec §4.C: a deterministic, pure function over a single spectrum buffer
// that finds candidate carriers when hardware candidates are unavailable
// or software detection is requested.
package peakdetect

import (
	"errors"

	"gonum.org/v1/gonum/floats"
)

// Sample is one (frequency, level) point of a spectrum buffer. Frequency
// is in kHz, Level is in hundredths of a dB (0.01 dB units).
type Sample struct {
	FreqKHz int64
	LevelCdB int32
}

// Peak is a detected candidate carrier.
type Peak struct {
	FreqKHz    int64
	SymbolRate int64 // symbols/s
	LevelCdB   int32
	SNRCdB     int32
}

// Options exposes the empirical constants spec §9's open question says
// belong in session options rather than hardcoded: the noise-floor
// threshold delta and the valley-merge floor, both in 0.01 dB units.
type Options struct {
	ThresholdDeltaCdB int32
	ValleyFloorCdB    int32
}

// DefaultOptions returns the spec's empirical defaults: 10 dB threshold
// delta, 4 dB valley floor.
func DefaultOptions() Options {
	return Options{ThresholdDeltaCdB: 1000, ValleyFloorCdB: 400}
}

const (
	minSamples        = 100
	windowHalfWidth   = 10
	skipAfterAccept   = 10
	maxCandidates     = 512
	symbolRateEdgeCdB = 600 // -6 dB from peak level
	minSymbolRate     = 2_000_000
	maxSymbolRate     = 45_000_000
	// symbolRateFactor encodes the ~0.25 rolloff assumption: SR ~= B/1.25
	// = B * 0.8, expressed as a ratio of integers for exact arithmetic.
	symbolRateNumer = 4
	symbolRateDenom = 5
)

var ErrTooFewSamples = errors.New("peakdetect: spectrum has fewer than 100 samples")

type candidate struct {
	index int
	freq  int64
	level int32
}

// Detect runs the full algorithm of spec §4.C over samples, which must be
// ordered by ascending frequency.
func Detect(samples []Sample, opts Options) ([]Peak, error) {
	if len(samples) < minSamples {
		return nil, ErrTooFewSamples
	}

	levels := make([]float64, len(samples))
	for i, s := range samples {
		levels[i] = float64(s.LevelCdB)
	}
	minLevel := levels[floats.MinIdx(levels)]
	threshold := int32(minLevel) + opts.ThresholdDeltaCdB

	raw := sweepLocalMaxima(samples, threshold)
	merged := mergeValleys(samples, raw, opts.ValleyFloorCdB)

	peaks := make([]Peak, 0, len(merged))
	for _, c := range merged {
		sr := estimateSymbolRate(samples, c)
		peaks = append(peaks, Peak{
			FreqKHz:    peakCentreFreq(samples, c),
			SymbolRate: sr,
			LevelCdB:   c.level,
			SNRCdB:     c.level - int32(minLevel),
		})
	}
	return peaks, nil
}

// sweepLocalMaxima implements the local-maximum sweep: a sample is a
// candidate iff it is above threshold and is the maximum of its own
// +/-10-sample window; after acceptance the sweep skips 10 samples.
func sweepLocalMaxima(samples []Sample, threshold int32) []candidate {
	var out []candidate
	n := len(samples)
	for i := 0; i < n && len(out) < maxCandidates; i++ {
		if samples[i].LevelCdB <= threshold {
			continue
		}
		lo := i - windowHalfWidth
		if lo < 0 {
			lo = 0
		}
		hi := i + windowHalfWidth
		if hi >= n {
			hi = n - 1
		}
		isMax := true
		for j := lo; j <= hi; j++ {
			if j == i {
				continue
			}
			if samples[j].LevelCdB > samples[i].LevelCdB {
				isMax = false
				break
			}
		}
		if !isMax {
			continue
		}
		out = append(out, candidate{index: i, freq: samples[i].FreqKHz, level: samples[i].LevelCdB})
		i += skipAfterAccept
	}
	return out
}

// mergeValleys implements the valley-based merge pass: consecutive kept
// peaks separated by a valley shallower than floorCdB are merged by
// keeping the stronger of the two. Cascading merges are resolved with a
// stack so the result is idempotent under a second pass (no two adjacent
// survivors are left with a shallow valley between them).
func mergeValleys(samples []Sample, cands []candidate, floorCdB int32) []candidate {
	var kept []candidate
	for _, c := range cands {
		consumed := false
		for len(kept) > 0 {
			prev := kept[len(kept)-1]
			valley := minLevelBetween(samples, prev.index, c.index)
			weaker := prev.level
			if c.level < weaker {
				weaker = c.level
			}
			depth := weaker - valley
			if depth >= floorCdB {
				break // valley deep enough: both survive, stop merging
			}
			if c.level >= prev.level {
				kept = kept[:len(kept)-1] // c wins, drop prev, retry vs new top
				continue
			}
			consumed = true // prev wins, discard c entirely
			break
		}
		if !consumed {
			kept = append(kept, c)
		}
	}
	return kept
}

func minLevelBetween(samples []Sample, a, b int) int32 {
	if b <= a+1 {
		// No samples strictly between; treat as no valley (infinitely deep
		// would be wrong — fall back to the lower of the two endpoints so
		// adjacent candidates without a gap always merge).
		if samples[a].LevelCdB < samples[b].LevelCdB {
			return samples[a].LevelCdB
		}
		return samples[b].LevelCdB
	}
	min := samples[a+1].LevelCdB
	for i := a + 2; i < b; i++ {
		if samples[i].LevelCdB < min {
			min = samples[i].LevelCdB
		}
	}
	return min
}

// estimateSymbolRate finds the nearest left/right samples whose level
// falls below peak-level-6dB and converts the resulting bandwidth to a
// symbol-rate estimate, clamped to [2, 45] Msym/s.
func estimateSymbolRate(samples []Sample, c candidate) int64 {
	edgeLevel := c.level - symbolRateEdgeCdB

	left := c.index
	for left > 0 && samples[left].LevelCdB >= edgeLevel {
		left--
	}
	right := c.index
	for right < len(samples)-1 && samples[right].LevelCdB >= edgeLevel {
		right++
	}

	bandwidthKHz := samples[right].FreqKHz - samples[left].FreqKHz
	if bandwidthKHz < 0 {
		bandwidthKHz = 0
	}
	sr := bandwidthKHz * 1000 * symbolRateNumer / symbolRateDenom // B*800, kHz->Hz
	if sr < minSymbolRate {
		sr = minSymbolRate
	}
	if sr > maxSymbolRate {
		sr = maxSymbolRate
	}
	return sr
}

// peakCentreFreq returns the midpoint of the -6dB left/right edges rather
// than the argmax frequency, to counter FFT-leakage-induced asymmetry.
func peakCentreFreq(samples []Sample, c candidate) int64 {
	edgeLevel := c.level - symbolRateEdgeCdB

	left := c.index
	for left > 0 && samples[left].LevelCdB >= edgeLevel {
		left--
	}
	right := c.index
	for right < len(samples)-1 && samples[right].LevelCdB >= edgeLevel {
		right++
	}
	return (samples[left].FreqKHz + samples[right].FreqKHz) / 2
}
