package session

import "github.com/lsd-tv/blindscan/pkg/network"

const defaultRolloff = 0.35

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// overlapsStrict is spec §4.E's mux overlap test, used by the worker when
// it first inserts a candidate.
func overlapsStrict(pol string, freqKHz int64, mux network.Mux) bool {
	if pol != mux.Key.Polarisation {
		return false
	}
	tol := float64(mux.Key.SymbolRate) / 1000 * (1 + mux.Rolloff) / 2
	return float64(abs64(freqKHz-mux.Key.FreqKHz)) <= tol
}

// overlapsLoose is the peaks-reporter's looser symbol-rate-indexed
// tolerance, per spec §4.E: max(srm/2000 kHz, 1000 kHz).
func overlapsLoose(pol string, freqKHz int64, mux network.Mux) bool {
	if pol != mux.Key.Polarisation {
		return false
	}
	tol := mux.Key.SymbolRate / 2000
	if tol < 1000 {
		tol = 1000
	}
	return abs64(freqKHz-mux.Key.FreqKHz) <= tol
}

// classifyOverlap runs at worker insertion time: a pending candidate
// overlapping an OK mux is auto-skipped; overlapping a FAILED mux sets
// HasFailedMux without changing Status.
func classifyOverlap(c *Candidate, reg network.Registry, networkUUID string) {
	for _, m := range reg.MuxesOverlapping(networkUUID, c.Polarisation) {
		if !overlapsStrict(c.Polarisation, c.FreqKHz, m) {
			continue
		}
		switch m.LastResult {
		case network.ScanResultOK:
			c.Status = CandidateStatusSkipped
			c.VerifiedFreqKHz = m.Key.FreqKHz
			c.MuxRef = m.Ref
			return
		case network.ScanResultFailed:
			c.HasFailedMux = true
		}
	}
}

// refreshOverlaps re-checks every still-pending candidate against reg
// using the looser tolerance, silently re-labelling pending -> skipped
// when a mux created after insertion now covers it. Spec §4.E/§7: "peaks"
// may flip pending->skipped; prescan never mutates other candidates, so
// this only runs from the Peaks operation.
func (s *Session) refreshOverlaps(reg network.Registry, networkUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.candidates {
		if c.Status != CandidateStatusPending {
			continue
		}
		for _, m := range reg.MuxesOverlapping(networkUUID, c.Polarisation) {
			if !overlapsLoose(c.Polarisation, c.FreqKHz, m) {
				continue
			}
			switch m.LastResult {
			case network.ScanResultOK:
				c.Status = CandidateStatusSkipped
				c.VerifiedFreqKHz = m.Key.FreqKHz
				c.MuxRef = m.Ref
			case network.ScanResultFailed:
				c.HasFailedMux = true
			}
			if c.Status == CandidateStatusSkipped {
				break
			}
		}
	}
}

// findCandidate locates the stored candidate closest to (pol, freqKHz)
// within a narrow tolerance, for Prescan's "mutates matching candidate in
// place" contract.
func (s *Session) findCandidate(pol string, freqKHz int64) *Candidate {
	const matchToleranceKHz = 1000
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Candidate
	var bestDiff int64
	for _, c := range s.candidates {
		if c.Polarisation != pol {
			continue
		}
		diff := abs64(c.FreqKHz - freqKHz)
		if diff > matchToleranceKHz {
			continue
		}
		if best == nil || diff < bestDiff {
			best, bestDiff = c, diff
		}
	}
	return best
}
