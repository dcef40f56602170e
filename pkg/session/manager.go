package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsd-tv/blindscan/internal/xlog"
	"github.com/lsd-tv/blindscan/pkg/frontend"
	"github.com/lsd-tv/blindscan/pkg/mux"
	"github.com/lsd-tv/blindscan/pkg/network"
	"github.com/lsd-tv/blindscan/pkg/peakdetect"
	"github.com/lsd-tv/blindscan/pkg/prescan"
	"github.com/lsd-tv/blindscan/pkg/satconf"
	"github.com/lsd-tv/blindscan/pkg/spectrum"
)

var log = xlog.For("session")

var (
	ErrNotFound           = errors.New("session: handle not found")
	ErrInvalidRange       = errors.New("session: end_freq must not be less than start_freq")
	ErrInvalidPolarisation = errors.New("session: polarisation must be H, V or B")
	ErrFrontendNotFound   = errors.New("session: frontend not found")
	ErrSatconfNotFound    = errors.New("session: satconf not found")
	ErrNetworkNotFound    = errors.New("session: network not found")
	ErrCandidateNotFound  = errors.New("session: no candidate near the given frequency/polarisation")
)

// SatconfEntry mirrors spec §6's list_satconfs row. The core has no
// opinion on where this catalog lives; Resolver supplies it.
type SatconfEntry struct {
	FrontendUUID string
	FrontendName string
	SatconfUUID  string
	SatconfName  string
	LNBType      string
	Unicable     bool
	UnicableType string
	SCR          int
	SCRFreqKHz   int64
	DisplayName  string
}

// Resolver looks up the non-owning external collaborators a session
// references by opaque handle, per spec §9: frontends, satconf chains,
// and network registries are never held, only borrowed per call.
type Resolver interface {
	ResolveFrontend(uuid string) (frontend.Device, bool)
	ResolveSatconf(uuid string) (*satconf.Chain, bool)
	ResolveNetwork(uuid string) (network.Registry, bool)
	ListSatconfs(networkUUID string) []SatconfEntry
}

// Manager is the process-wide registry spec §9 says to re-architect as an
// injected value rather than global state. One Manager typically backs
// one host process.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	resolver Resolver
	bus      *Bus
}

// NewManager builds a registry bound to resolver.
func NewManager(resolver Resolver) *Manager {
	return &Manager{
		sessions: map[string]*Session{},
		resolver: resolver,
		bus:      NewBus(),
	}
}

// Notifications returns a channel receiving every session's terminal
// transition event, spec §6's "blindscan" topic.
func (m *Manager) Notifications() <-chan Event {
	return m.bus.Subscribe()
}

// newHandle mints the opaque session handle spec §9 calls for: a random
// value the caller treats as a bare string, never as a parseable UUID.
func newHandle() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session handle: %w", err)
	}
	b := id[:]
	return hex.EncodeToString(b), nil
}

func validatePolarisation(p PolSelect) bool {
	switch p {
	case PolSelectH, PolSelectV, PolSelectBoth:
		return true
	default:
		return false
	}
}

// Start validates inputs, resolves collaborators, and spawns the worker.
// Bad input never mutates manager state, per spec §7.
func (m *Manager) Start(p Params) (string, error) {
	if p.EndFreqKHz < p.StartFreqKHz {
		return "", ErrInvalidRange
	}
	if !validatePolarisation(p.Polarisation) {
		return "", ErrInvalidPolarisation
	}
	dev, ok := m.resolver.ResolveFrontend(p.FrontendUUID)
	if !ok {
		return "", ErrFrontendNotFound
	}
	var chain *satconf.Chain
	if p.SatconfUUID != "" {
		chain, ok = m.resolver.ResolveSatconf(p.SatconfUUID)
		if !ok {
			return "", ErrSatconfNotFound
		}
	} else {
		chain = &satconf.Chain{}
	}
	if _, ok := m.resolver.ResolveNetwork(p.NetworkUUID); !ok {
		return "", ErrNetworkNotFound
	}
	if p.FFTSize <= 0 {
		p.FFTSize = spectrum.DefaultOptions().TransformSize
	}

	id, err := newHandle()
	if err != nil {
		return "", err
	}
	sess := newSession(id, p)
	sess.startedAt = time.Now()
	sess.running.Store(true)
	sess.setState(StateAcquiring)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go m.runWorker(sess, dev, chain)
	return id, nil
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Status returns the session's current snapshot.
func (m *Manager) Status(id string) (StatusSnapshot, error) {
	s, err := m.lookup(id)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return s.Status(), nil
}

// Spectrum returns the stored buffer for (pol, band).
func (m *Manager) Spectrum(id string, pol string, band int) (SpectrumBuffer, error) {
	s, err := m.lookup(id)
	if err != nil {
		return SpectrumBuffer{}, err
	}
	buf, ok := s.Spectrum(pol, band)
	if !ok {
		return SpectrumBuffer{}, fmt.Errorf("session: no spectrum stored for pol=%s band=%d", pol, band)
	}
	return buf, nil
}

// Peaks re-checks pending candidates against the current network state
// and returns a stable snapshot.
func (m *Manager) Peaks(id string) ([]Snapshot, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if reg, ok := m.resolver.ResolveNetwork(s.Params.NetworkUUID); ok {
		s.refreshOverlaps(reg, s.Params.NetworkUUID)
	}
	return s.Peaks(), nil
}

// Prescan blind-tunes the candidate nearest (freqKHz, pol) and mutates it
// in place; it never touches any other candidate.
func (m *Manager) Prescan(id string, freqKHz int64, pol string) (prescan.Result, error) {
	s, err := m.lookup(id)
	if err != nil {
		return prescan.Result{}, err
	}
	dev, ok := m.resolver.ResolveFrontend(s.Params.FrontendUUID)
	if !ok {
		return prescan.Result{}, ErrFrontendNotFound
	}
	var chain *satconf.Chain
	if s.Params.SatconfUUID != "" {
		chain, ok = m.resolver.ResolveSatconf(s.Params.SatconfUUID)
		if !ok {
			return prescan.Result{}, ErrSatconfNotFound
		}
	} else {
		chain = &satconf.Chain{}
	}

	c := s.findCandidate(pol, freqKHz)
	if c == nil {
		return prescan.Result{}, ErrCandidateNotFound
	}

	satPol := satconf.PolH
	if pol == "V" {
		satPol = satconf.PolV
	}
	eng := &prescan.Engine{Device: dev, Chain: chain}
	res, err := eng.Run(freqKHz, satPol, c.SymbolRate, s.stopRequestedFn())
	if err != nil {
		return prescan.Result{}, err
	}

	s.mu.Lock()
	if res.Locked {
		c.Status = CandidateStatusLocked
	} else {
		c.Status = CandidateStatusFailed
	}
	c.Locked = res.Locked
	c.ActualFreqKHz = res.FreqKHz
	c.ActualSR = res.SymbolRate
	c.DelSys = res.DelSys
	c.Modulation = res.Modulation
	c.FEC = res.FEC
	c.Rolloff = res.Rolloff
	c.Pilot = res.Pilot
	c.StreamID = res.StreamID
	c.PLSMode = res.PLSMode
	c.PLSCode = res.PLSCode
	c.IsGSE = res.IsGSE
	c.ISIList = res.ISIList
	c.Multistream = res.Multistream
	s.mu.Unlock()

	return res, nil
}

// Selection identifies one peak for CreateMuxes, by the fields the peaks
// report exposes to the caller.
type Selection struct {
	FreqKHz      int64
	Polarisation string
}

// CreateMuxes materialises the selected candidates and returns the count
// actually created, per spec §4.F.
func (m *Manager) CreateMuxes(id string, selections []Selection) (int, error) {
	s, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	reg, ok := m.resolver.ResolveNetwork(s.Params.NetworkUUID)
	if !ok {
		return 0, ErrNetworkNotFound
	}

	var candidates []mux.Candidate
	var lockedCount int
	for _, sel := range selections {
		c := s.findCandidate(sel.Polarisation, sel.FreqKHz)
		if c == nil {
			continue
		}
		// A multistream candidate materialises as one record per ISI, all
		// sharing frequency and symbol rate but differing in stream_id,
		// per spec §4.D/§4.F.
		streamIDs := []int{c.StreamID}
		if c.Multistream && len(c.ISIList) > 0 {
			streamIDs = c.ISIList
		}
		for _, sid := range streamIDs {
			candidates = append(candidates, mux.Candidate{
				FreqKHz:      c.FreqKHz,
				Polarisation: c.Polarisation,
				SymbolRate:   c.SymbolRate,
				Locked:       c.Locked,
				Modulation:   c.Modulation,
				FEC:          c.FEC,
				Rolloff:      c.Rolloff,
				Pilot:        c.Pilot,
				StreamID:     sid,
				PLSMode:      c.PLSMode,
				PLSCode:      c.PLSCode,
				IsGSE:        c.IsGSE,
			})
			if c.Locked {
				lockedCount++
			}
		}
	}

	created, err := mux.Materialise(reg, s.Params.NetworkUUID, candidates)
	if err != nil {
		return created, err
	}
	s.incMuxCounters(created, lockedCount)
	return created, nil
}

// Cancel requests the worker stop at its next polling boundary.
func (m *Manager) Cancel(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.stopRequested.Store(true)
	return nil
}

// Release joins the worker and removes the session from the registry.
// Double-release is a no-op.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	if s.running.Load() {
		<-s.workerDone
	}
	return nil
}

// Shutdown stops and releases every active session, joining all workers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Cancel(id)
	}
	for _, id := range ids {
		_ = m.Release(id)
	}
}

// ListSatconfs delegates to the resolver's external catalog.
func (m *Manager) ListSatconfs(networkUUID string) []SatconfEntry {
	return m.resolver.ListSatconfs(networkUUID)
}

func polString(p satconf.Polarisation) string {
	return p.String()
}

func peaksFromBuffer(buf spectrum.Buffer) ([]peakdetect.Peak, error) {
	samples := make([]peakdetect.Sample, len(buf.Points))
	for i, p := range buf.Points {
		samples[i] = peakdetect.Sample{FreqKHz: p.FreqKHz, LevelCdB: p.LevelCdB}
	}
	return peakdetect.Detect(samples, peakdetect.DefaultOptions())
}
