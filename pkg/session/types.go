// Package session implements component E: the session manager owning
// one scan's parameters, worker goroutine, progress, cancellation, and
// results, per spec §3/§4.E/§5.
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a session's position in the {idle -> acquiring -> (scanning)*
// -> complete|cancelled|error} digraph spec §8 names. No backward edges.
type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateScanning   State = "scanning"
	StateComplete   State = "complete"
	StateCancelled  State = "cancelled"
	StateError      State = "error"
)

// PeakDetectMode selects how candidates are produced from a spectrum
// buffer, per spec §3/§4.C.
type PeakDetectMode int

const (
	PeakDetectAuto PeakDetectMode = iota
	PeakDetectHardwareOnly
	PeakDetectSoftwareOnly
)

// Polarisation selection for a scan request; Both expands to two slots
// per band at plan time.
type PolSelect string

const (
	PolSelectH    PolSelect = "H"
	PolSelectV    PolSelect = "V"
	PolSelectBoth PolSelect = "B"
)

// Params are the immutable inputs of one scan, set at Start and never
// mutated afterward.
type Params struct {
	FrontendUUID string
	SatconfUUID  string
	NetworkUUID  string

	StartFreqKHz int64
	EndFreqKHz   int64
	Polarisation PolSelect

	FFTSize       int
	ResolutionKHz int64
	PeakDetect    PeakDetectMode
}

// Point is one (frequency, level) sample, mirroring spectrum.Point but
// kept as the session's own storage type per spec §3's "grow-only during
// acquisition, then read-only" buffer.
type Point struct {
	FreqKHz  int64
	LevelCdB int32
}

// SpectrumBuffer is spec §3's (polarisation, band, samples) triple.
type SpectrumBuffer struct {
	Polarisation string // "H" or "V"
	Band         int    // 0=low, 1=high
	Points       []Point
}

// CandidateStatus is the storage-level status vocabulary of spec §3:
// {pending, scanning, locked, failed, skipped}. The peaks report returns
// this status unchanged alongside HasFailedMux and VerifiedFreqKHz; it
// does not produce separate "retry" or "existing" labels.
type CandidateStatus string

const (
	CandidateStatusPending  CandidateStatus = "pending"
	CandidateStatusScanning CandidateStatus = "scanning"
	CandidateStatusLocked   CandidateStatus = "locked"
	CandidateStatusFailed   CandidateStatus = "failed"
	CandidateStatusSkipped  CandidateStatus = "skipped"
)

// Candidate is one detected carrier, owned exclusively by its session.
type Candidate struct {
	FreqKHz      int64
	Polarisation string // "H" or "V"
	SymbolRate   int64
	LevelCdB     int32
	SNRCdB       int32
	Status       CandidateStatus

	// HasFailedMux is set when an overlapping mux's last scan result
	// was FAILED; the peaks report carries it as this flag without
	// changing Status.
	HasFailedMux bool

	// Post-lock fields, populated by Prescan.
	Locked      bool
	ActualFreqKHz int64
	ActualSR    int64
	DelSys      uint32
	Modulation  uint32
	FEC         uint32
	Rolloff     uint32
	Pilot       uint32
	StreamID    int
	PLSMode     uint32
	PLSCode     uint32
	IsGSE       bool
	ISIList     []int
	Multistream bool

	// Verified-mux fields, populated when a candidate is found to
	// overlap an existing, successfully-scanned mux.
	VerifiedFreqKHz int64
	MuxRef          string
}

// Snapshot is an immutable copy of a Candidate for external queries;
// query results are never handed out by internal reference, per spec §3.
type Snapshot = Candidate

// Session owns one scan's full state. All mutable fields below mu are
// guarded by mu; stopRequested/running are atomics and workerDone is a
// channel, so Cancel and Release never contend with the worker's own lock
// usage.
type Session struct {
	ID     string
	Params Params

	mu         sync.Mutex
	state      State
	progress   int
	message    string
	spectra    [2][2]*SpectrumBuffer // [pol][band], pol 0=H 1=V
	candidates []*Candidate
	peakCount  int
	muxesCreated int
	muxesLocked  int
	startedAt  time.Time
	duration   time.Duration

	stopRequested atomic.Bool
	running       atomic.Bool
	workerDone    chan struct{}
}

func newSession(id string, p Params) *Session {
	return &Session{
		ID:         id,
		Params:     p,
		state:      StateIdle,
		workerDone: make(chan struct{}),
	}
}

func polIndex(pol string) int {
	if pol == "V" {
		return 1
	}
	return 0
}

// StatusSnapshot is the result of the Status operation.
type StatusSnapshot struct {
	State        State
	Progress     int
	Message      string
	PeakCount    int
	MuxesCreated int
	MuxesLocked  int
	DurationMS   int64
}

// Status returns an immutable snapshot of the session's current state.
func (s *Session) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.duration
	if s.state == StateAcquiring || s.state == StateScanning {
		d = time.Since(s.startedAt)
	}
	return StatusSnapshot{
		State:        s.state,
		Progress:     s.progress,
		Message:      s.message,
		PeakCount:    s.peakCount,
		MuxesCreated: s.muxesCreated,
		MuxesLocked:  s.muxesLocked,
		DurationMS:   d.Milliseconds(),
	}
}

// Spectrum returns the stored buffer for (pol, band), if present.
func (s *Session) Spectrum(pol string, band int) (SpectrumBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.spectra[polIndex(pol)][band]
	if buf == nil {
		return SpectrumBuffer{}, false
	}
	pointsCopy := make([]Point, len(buf.Points))
	copy(pointsCopy, buf.Points)
	return SpectrumBuffer{Polarisation: buf.Polarisation, Band: buf.Band, Points: pointsCopy}, true
}

// Peaks returns a stable snapshot copy of every candidate, in insertion
// order. It does not re-check overlaps itself; Manager.Peaks runs
// refreshOverlaps before calling it.
func (s *Session) Peaks() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.candidates))
	for i, c := range s.candidates {
		out[i] = *c
	}
	return out
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	s.mu.Lock()
	if p > s.progress {
		s.progress = p
	}
	s.mu.Unlock()
}

func (s *Session) setMessage(msg string) {
	s.mu.Lock()
	s.message = msg
	s.mu.Unlock()
}

func (s *Session) storeBuffer(buf SpectrumBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := &SpectrumBuffer{Polarisation: buf.Polarisation, Band: buf.Band, Points: buf.Points}
	s.spectra[polIndex(buf.Polarisation)][buf.Band] = dst
}

func (s *Session) appendCandidate(c *Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	s.peakCount = len(s.candidates)
}

func (s *Session) finish(st State) {
	s.mu.Lock()
	s.state = st
	s.duration = time.Since(s.startedAt)
	if st == StateComplete {
		s.progress = 100
	}
	s.mu.Unlock()
}

func (s *Session) incMuxCounters(created, locked int) {
	s.mu.Lock()
	s.muxesCreated += created
	s.muxesLocked += locked
	s.mu.Unlock()
}

func (s *Session) stopRequestedFn() func() bool {
	return func() bool { return s.stopRequested.Load() }
}
