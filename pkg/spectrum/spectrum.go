// Package spectrum implements the two acquisition strategies of spec
// §4.B: direct-LNB and Unicable-stacked. Both strategies share a common
// post-condition — one or more (frequency-kHz, level-0.01dB) arrays plus
// up to 512 hardware-detected candidate peaks.
package spectrum

import (
	"fmt"
	"sort"
	"time"

	"github.com/lsd-tv/blindscan/internal/xlog"
	"github.com/lsd-tv/blindscan/pkg/frontend"
	"github.com/lsd-tv/blindscan/pkg/satconf"
)

var log = xlog.For("spectrum")

// Point is one (frequency, level) sample of an acquired spectrum buffer.
type Point struct {
	FreqKHz  int64
	LevelCdB int32
}

// Buffer is the spec §3 "Spectrum buffer" triple, minus the session's
// storage concerns: polarisation, band, and the ordered sample array.
type Buffer struct {
	Pol    satconf.Polarisation
	Band   satconf.Band
	Points []Point
}

// Candidate is a hardware-detected peak, already converted to transponder
// frequency.
type Candidate struct {
	FreqKHz      int64
	SymbolRate   int64
	LevelCdB     int32
	SNRCdB       int32
}

// Options parametrises one acquisition. TransformSize and ResolutionKHz
// default as spec §3 describes (512-point transform, 0 = driver default).
type Options struct {
	TransformSize int
	ResolutionKHz int64
	FFTMethod     int
	SliceWidthKHz int64 // Unicable only; default 50_000 (50 MHz)
}

// DefaultOptions returns spec's defaults.
func DefaultOptions() Options {
	return Options{TransformSize: 512, SliceWidthKHz: 50_000}
}

const (
	directTimeout   = 60 * time.Second
	directRetries   = 10
	sliceTimeout    = 10 * time.Second
	sliceHalfWindow = 25_000 // kHz, +/-25MHz around the SCR IF
	sliceDefaultResolutionKHz = 100
	dedupeWindowKHz = 2_000
	maxHWCandidates = 512
)

// Acquirer drives one frontend through either strategy. It holds no
// session state; the worker owns accumulation across (pol, band) slots.
type Acquirer struct {
	Device frontend.Device
	Chain  *satconf.Chain
}

func voltageFor(pol satconf.Polarisation) frontend.Voltage {
	if pol == satconf.PolV {
		return frontend.Voltage18V
	}
	return frontend.Voltage13V
}

// awaitReady polls AwaitEvent up to the given deadline with up to
// maxRetries attempts, stopping early if stop reports true (cancellation).
func awaitReady(dev frontend.Device, timeout time.Duration, maxRetries int, stop func() bool) (frontend.StatusBits, error) {
	perTry := timeout / time.Duration(maxRetries)
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if stop != nil && stop() {
			return 0, fmt.Errorf("acquisition cancelled")
		}
		status, err := dev.AwaitEvent(perTry)
		if err == nil {
			return status, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("spectrum acquisition timed out: %w", lastErr)
}

func normalizeLevels(raw frontend.SpectrumResult) Buffer {
	pts := make([]Point, len(raw.FreqKHz))
	for i := range raw.FreqKHz {
		pts[i] = Point{FreqKHz: raw.FreqKHz[i], LevelCdB: raw.LevelMilliDB[i] / 10}
	}
	return Buffer{Points: pts}
}

// AcquireDirect implements spec §4.B's direct strategy for one (pol, band)
// slot spanning [startTponKHz, endTponKHz] transponder frequencies.
func (a *Acquirer) AcquireDirect(pol satconf.Polarisation, band satconf.Band, startTponKHz, endTponKHz int64, opts Options, stop func() bool) (Buffer, []Candidate, error) {
	centre := (startTponKHz + endTponKHz) / 2
	if err := a.Device.SendSatconfChain(a.Chain, pol, band, voltageFor(pol), centre); err != nil {
		return Buffer{}, nil, fmt.Errorf("satconf sequencing: %w", err)
	}

	startDriver := satconf.ToDriver(startTponKHz, band)
	endDriver := satconf.ToDriver(endTponKHz, band)

	if err := a.Device.SetProperties([]frontend.Property{
		{Cmd: frontend.CmdClear},
		{Cmd: frontend.CmdDeliverySystem, Data: frontend.DeliverySystemDVBS2},
		{Cmd: frontend.CmdStartFrequency, Data: uint32(startDriver)},
		{Cmd: frontend.CmdEndFrequency, Data: uint32(endDriver)},
		{Cmd: frontend.CmdResolution, Data: uint32(opts.ResolutionKHz)},
		{Cmd: frontend.CmdFFTSize, Data: uint32(opts.TransformSize)},
		{Cmd: frontend.CmdFFTMethod, Data: uint32(opts.FFTMethod)},
	}); err != nil {
		return Buffer{}, nil, fmt.Errorf("configure spectrum scan: %w", err)
	}

	if _, err := awaitReady(a.Device, directTimeout, directRetries, stop); err != nil {
		return Buffer{}, nil, err
	}

	raw, err := a.Device.GetSpectrumScan(frontend.SpectrumRequest{
		StartDriverKHz: startDriver,
		EndDriverKHz:   endDriver,
		ResolutionKHz:  opts.ResolutionKHz,
		FFTSize:        opts.TransformSize,
		MaxSamples:     1 << 20,
		MaxCandidates:  maxHWCandidates,
	})
	if err != nil {
		return Buffer{}, nil, fmt.Errorf("fetch spectrum buffer: %w", err)
	}

	buf := normalizeLevels(raw)
	buf.Pol, buf.Band = pol, band
	for i := range buf.Points {
		buf.Points[i].FreqKHz = satconf.ToTransponder(buf.Points[i].FreqKHz, band)
	}

	cands := make([]Candidate, len(raw.HWCandidates))
	for i, c := range raw.HWCandidates {
		cands[i] = Candidate{
			FreqKHz:    satconf.ToTransponder(c.FreqKHz, band),
			SymbolRate: c.SymbolRate,
			LevelCdB:   c.LevelMilliDB / 10,
			SNRCdB:     c.SNRCentiDB,
		}
	}
	return buf, cands, nil
}

// sliceBounds returns the transponder-frequency centres of each
// overlapping Unicable slice covering [start, end]. Per spec's open
// question on boundary behaviour, the final slice is deliberately
// allowed to centre at end-halfWidth even if that overlaps the previous
// slice by up to almost a full slice width — this is intentional, not a
// bug, and the downstream dedupe pass cleans up the resulting duplicate.
func sliceBounds(start, end, sliceWidth int64) []int64 {
	half := sliceWidth / 2
	var centres []int64
	for c := start + half; c < end-half; c += sliceWidth {
		centres = append(centres, c)
	}
	last := end - half
	if len(centres) == 0 || centres[len(centres)-1] != last {
		centres = append(centres, last)
	}
	return centres
}

// AcquireUnicable implements spec §4.B's Unicable-sliced strategy. onSlice,
// when non-nil, is invoked after each slice attempt (successful or not) so
// callers can report finer-grained progress than one acquisition per slot.
func (a *Acquirer) AcquireUnicable(pol satconf.Polarisation, band satconf.Band, startTponKHz, endTponKHz int64, opts Options, stop func() bool, onSlice func(done, total int)) (Buffer, []Candidate, error) {
	sliceWidth := opts.SliceWidthKHz
	if sliceWidth <= 0 {
		sliceWidth = DefaultOptions().SliceWidthKHz
	}
	resolution := opts.ResolutionKHz
	if resolution == 0 {
		resolution = sliceDefaultResolutionKHz
	}

	scr := a.Chain.Unicable
	combined := Buffer{Pol: pol, Band: band}
	var allCandidates []Candidate

	centres := sliceBounds(startTponKHz, endTponKHz, sliceWidth)
	for sliceIdx, centre := range centres {
		if stop != nil && stop() {
			return combined, dedupeCandidates(allCandidates), fmt.Errorf("acquisition cancelled")
		}

		if err := a.Chain.SendODU(centre, time.Sleep); err != nil {
			return combined, nil, fmt.Errorf("unicable ODU command: %w", err)
		}
		if err := a.Device.SendSatconfChain(a.Chain, pol, band, voltageFor(pol), scr.SCRFreqKHz); err != nil {
			return combined, nil, fmt.Errorf("satconf sequencing: %w", err)
		}

		windowStartDriver := scr.SCRFreqKHz - sliceHalfWindow
		windowEndDriver := scr.SCRFreqKHz + sliceHalfWindow

		if err := a.Device.SetProperties([]frontend.Property{
			{Cmd: frontend.CmdClear},
			{Cmd: frontend.CmdDeliverySystem, Data: frontend.DeliverySystemDVBS2},
			{Cmd: frontend.CmdStartFrequency, Data: uint32(windowStartDriver)},
			{Cmd: frontend.CmdEndFrequency, Data: uint32(windowEndDriver)},
			{Cmd: frontend.CmdResolution, Data: uint32(resolution)},
			{Cmd: frontend.CmdFFTSize, Data: uint32(opts.TransformSize)},
			{Cmd: frontend.CmdFFTMethod, Data: uint32(opts.FFTMethod)},
		}); err != nil {
			return combined, nil, fmt.Errorf("configure unicable slice: %w", err)
		}

		if _, err := awaitReady(a.Device, sliceTimeout, directRetries, stop); err != nil {
			log.Warn("unicable slice timed out, abandoning slot", "centre_khz", centre, "err", err)
			if onSlice != nil {
				onSlice(sliceIdx+1, len(centres))
			}
			continue
		}

		raw, err := a.Device.GetSpectrumScan(frontend.SpectrumRequest{
			StartDriverKHz: windowStartDriver,
			EndDriverKHz:   windowEndDriver,
			ResolutionKHz:  resolution,
			FFTSize:        opts.TransformSize,
			MaxSamples:     1 << 20,
			MaxCandidates:  maxHWCandidates,
		})
		if err != nil {
			log.Warn("unicable slice get-property failed, abandoning slot", "centre_khz", centre, "err", err)
			if onSlice != nil {
				onSlice(sliceIdx+1, len(centres))
			}
			continue
		}

		sliceBuf := normalizeLevels(raw)
		for i := range sliceBuf.Points {
			ifOffset := sliceBuf.Points[i].FreqKHz - scr.SCRFreqKHz
			sliceBuf.Points[i].FreqKHz = centre + ifOffset
		}
		combined.Points = append(combined.Points, sliceBuf.Points...)

		for _, c := range raw.HWCandidates {
			ifOffset := c.FreqKHz - scr.SCRFreqKHz
			allCandidates = append(allCandidates, Candidate{
				FreqKHz:    centre + ifOffset,
				SymbolRate: c.SymbolRate,
				LevelCdB:   c.LevelMilliDB / 10,
				SNRCdB:     c.SNRCentiDB,
			})
		}

		if onSlice != nil {
			onSlice(sliceIdx+1, len(centres))
		}
	}

	sort.Slice(combined.Points, func(i, j int) bool { return combined.Points[i].FreqKHz < combined.Points[j].FreqKHz })
	return combined, dedupeCandidates(allCandidates), nil
}

// dedupeCandidates keeps, within each +/-2MHz window, only the strongest
// candidate, per spec §4.B / §8's Unicable dedup invariant.
func dedupeCandidates(cands []Candidate) []Candidate {
	if len(cands) == 0 {
		return nil
	}
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FreqKHz < sorted[j].FreqKHz })

	var out []Candidate
	for _, c := range sorted {
		merged := false
		for i := range out {
			if abs64(out[i].FreqKHz-c.FreqKHz) < dedupeWindowKHz {
				if c.LevelCdB > out[i].LevelCdB {
					out[i] = c
				}
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, c)
		}
	}
	// A second pass resolves chains where a merge changed a frequency
	// enough to now fall within 2MHz of a neighbour it wasn't compared
	// against in the first pass.
	changed := true
	for changed {
		changed = false
		for i := 0; i < len(out)-1; i++ {
			if abs64(out[i+1].FreqKHz-out[i].FreqKHz) < dedupeWindowKHz {
				weaker := i
				if out[i].LevelCdB > out[i+1].LevelCdB {
					weaker = i + 1
				}
				out = append(out[:weaker], out[weaker+1:]...)
				changed = true
				break
			}
		}
	}
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
