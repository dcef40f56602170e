package session

import (
	"github.com/lsd-tv/blindscan/pkg/frontend"
	"github.com/lsd-tv/blindscan/pkg/satconf"
	"github.com/lsd-tv/blindscan/pkg/spectrum"
)

type scanSlot struct {
	pol      satconf.Polarisation
	band     satconf.Band
	startKHz int64
	endKHz   int64
}

// buildPlan constructs the {H,V}x{low,high} set intersected with the
// user's polarisation selection and frequency range, per spec §4.B/§8's
// boundary behaviour (an empty range yields zero slots).
func buildPlan(p Params) []scanSlot {
	var pols []satconf.Polarisation
	switch p.Polarisation {
	case PolSelectH:
		pols = []satconf.Polarisation{satconf.PolH}
	case PolSelectV:
		pols = []satconf.Polarisation{satconf.PolV}
	default:
		pols = []satconf.Polarisation{satconf.PolH, satconf.PolV}
	}

	var plan []scanSlot
	for _, pol := range pols {
		if lo, hi, ok := bandRange(satconf.BandLow, p.StartFreqKHz, p.EndFreqKHz); ok {
			plan = append(plan, scanSlot{pol, satconf.BandLow, lo, hi})
		}
		if lo, hi, ok := bandRange(satconf.BandHigh, p.StartFreqKHz, p.EndFreqKHz); ok {
			plan = append(plan, scanSlot{pol, satconf.BandHigh, lo, hi})
		}
	}
	return plan
}

func bandRange(b satconf.Band, f0, f1 int64) (lo, hi int64, ok bool) {
	if b == satconf.BandLow {
		lo = f0
		hi = f1
		if hi > satconf.BandSplitKHz {
			hi = satconf.BandSplitKHz
		}
	} else {
		lo = f0
		if lo < satconf.BandSplitKHz {
			lo = satconf.BandSplitKHz
		}
		hi = f1
	}
	return lo, hi, lo < hi
}

// runWorker is the single goroutine spawned per active session, per
// spec §4.E/§5.
func (m *Manager) runWorker(s *Session, dev frontend.Device, chain *satconf.Chain) {
	defer func() {
		s.running.Store(false)
		close(s.workerDone)
		m.notify(s)
	}()

	dev.InvalidateCache()
	plan := buildPlan(s.Params)
	if len(plan) == 0 {
		s.finish(StateComplete)
		return
	}

	acquirer := &spectrum.Acquirer{Device: dev, Chain: chain}
	reg, regOK := m.resolver.ResolveNetwork(s.Params.NetworkUUID)

	for i, slot := range plan {
		if s.stopRequested.Load() {
			s.finish(StateCancelled)
			return
		}
		if _, ok := m.resolver.ResolveFrontend(s.Params.FrontendUUID); !ok {
			s.setMessage("frontend no longer available")
			s.finish(StateError)
			return
		}

		s.setState(StateAcquiring)
		s.setProgress(int(float64(i) / float64(len(plan)) * 50))

		buf, hwCands, err := m.acquireSlot(acquirer, slot, s, i, len(plan))
		if err != nil {
			log.Warn("slot acquisition failed, abandoning slot", "slot", i, "pol", slot.pol, "band", slot.band, "err", err)
			s.setMessage(err.Error())
			s.setProgress(int(float64(i+1) / float64(len(plan)) * 50))
			continue
		}

		s.storeBuffer(toSessionBuffer(slot, buf))
		s.setProgress(int(float64(i+1) / float64(len(plan)) * 50))
		s.setState(StateScanning)

		peaks, err := m.detectPeaks(s.Params, buf, hwCands)
		if err != nil {
			log.Warn("peak detection failed, abandoning slot", "slot", i, "err", err)
		} else {
			polStr := polString(slot.pol)
			for _, pk := range peaks {
				c := &Candidate{
					FreqKHz:      pk.FreqKHz,
					Polarisation: polStr,
					SymbolRate:   pk.SymbolRate,
					LevelCdB:     pk.LevelCdB,
					SNRCdB:       pk.SNRCdB,
					Status:       CandidateStatusPending,
				}
				if regOK {
					classifyOverlap(c, reg, s.Params.NetworkUUID)
				}
				s.appendCandidate(c)
			}
		}

		s.setProgress(50 + int(float64(i+1)/float64(len(plan))*50))
	}

	s.finish(StateComplete)
}

func (m *Manager) acquireSlot(acquirer *spectrum.Acquirer, slot scanSlot, s *Session, slotIdx, totalSlots int) (spectrum.Buffer, []spectrum.Candidate, error) {
	opts := spectrum.DefaultOptions()
	opts.ResolutionKHz = s.Params.ResolutionKHz
	opts.TransformSize = s.Params.FFTSize

	if acquirer.Chain.IsUnicable() {
		onSlice := func(done, total int) {
			frac := (float64(slotIdx) + float64(done)/float64(total)) / float64(totalSlots) * 50
			s.setProgress(int(frac))
		}
		return acquirer.AcquireUnicable(slot.pol, slot.band, slot.startKHz, slot.endKHz, opts, s.stopRequestedFn(), onSlice)
	}
	return acquirer.AcquireDirect(slot.pol, slot.band, slot.startKHz, slot.endKHz, opts, s.stopRequestedFn())
}

type peakLike struct {
	FreqKHz    int64
	SymbolRate int64
	LevelCdB   int32
	SNRCdB     int32
}

func (m *Manager) detectPeaks(p Params, buf spectrum.Buffer, hwCands []spectrum.Candidate) ([]peakLike, error) {
	useHW := false
	switch p.PeakDetect {
	case PeakDetectHardwareOnly:
		useHW = true
	case PeakDetectSoftwareOnly:
		useHW = false
	default:
		useHW = len(hwCands) > 0
	}

	if useHW {
		out := make([]peakLike, len(hwCands))
		for i, c := range hwCands {
			out[i] = peakLike{FreqKHz: c.FreqKHz, SymbolRate: c.SymbolRate, LevelCdB: c.LevelCdB, SNRCdB: c.SNRCdB}
		}
		return out, nil
	}

	peaks, err := peaksFromBuffer(buf)
	if err != nil {
		return nil, err
	}
	out := make([]peakLike, len(peaks))
	for i, pk := range peaks {
		out[i] = peakLike{FreqKHz: pk.FreqKHz, SymbolRate: pk.SymbolRate, LevelCdB: pk.LevelCdB, SNRCdB: pk.SNRCdB}
	}
	return out, nil
}

func toSessionBuffer(slot scanSlot, buf spectrum.Buffer) SpectrumBuffer {
	points := make([]Point, len(buf.Points))
	for i, p := range buf.Points {
		points[i] = Point{FreqKHz: p.FreqKHz, LevelCdB: p.LevelCdB}
	}
	band := 0
	if slot.band == satconf.BandHigh {
		band = 1
	}
	return SpectrumBuffer{Polarisation: polString(slot.pol), Band: band, Points: points}
}

func (m *Manager) notify(s *Session) {
	st := s.Status()
	m.bus.publish(Event{UUID: s.ID, State: st.State, PeakCount: st.PeakCount, DurationMS: st.DurationMS})
}
