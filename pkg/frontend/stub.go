package frontend

import (
	"sync"
	"time"

	"github.com/lsd-tv/blindscan/pkg/satconf"
)

// Stub is an in-memory Device double used by tests and by cmd/blindscanctl
// when no hardware is present. It lets a caller script the status/
// spectrum/property responses a real driver would produce.
type Stub struct {
	mu sync.Mutex

	cache          cache
	ChainCallCount int
	LastProperties []Property
	PropertyReads  map[uint32]uint32 // Cmd -> Data returned by GetProperties
	RawReads       map[uint32][]byte // Cmd -> Raw payload returned by GetProperties (e.g. CmdISIList's full bitset)

	// Status is returned by AwaitEvent; StatusErr, when set, is returned
	// instead (simulating a timeout).
	Status    StatusBits
	StatusErr error

	// Spectrum is returned by GetSpectrumScan; SpectrumErr, when set, is
	// returned instead.
	Spectrum    SpectrumResult
	SpectrumErr error

	ClearCalls int
}

// NewStub returns a ready-to-use Stub with an empty property table.
func NewStub() *Stub {
	return &Stub{PropertyReads: map[uint32]uint32{}, RawReads: map[uint32][]byte{}}
}

func (s *Stub) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCalls++
	s.LastProperties = nil
	return nil
}

func (s *Stub) SetProperties(props []Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastProperties = append(s.LastProperties, props...)
	for _, p := range props {
		s.PropertyReads[p.Cmd] = p.Data
	}
	return nil
}

func (s *Stub) GetProperties(cmds []uint32) ([]Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Property, len(cmds))
	for i, c := range cmds {
		out[i] = Property{Cmd: c, Data: s.PropertyReads[c], Raw: s.RawReads[c]}
	}
	return out, nil
}

func (s *Stub) SetVoltage(v Voltage) error { return nil }
func (s *Stub) SetTone(on bool) error      { return nil }

func (s *Stub) AwaitEvent(timeout time.Duration) (StatusBits, error) {
	if s.StatusErr != nil {
		return 0, s.StatusErr
	}
	return s.Status, nil
}

func (s *Stub) SendSatconfChain(chain *satconf.Chain, pol satconf.Polarisation, band satconf.Band, voltage Voltage, freqKHz int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.matches(pol, band, voltage) {
		return nil
	}
	s.ChainCallCount++
	s.cache.set(pol, band, voltage)
	return nil
}

func (s *Stub) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.invalidate()
}

func (s *Stub) GetSpectrumScan(req SpectrumRequest) (SpectrumResult, error) {
	if s.SpectrumErr != nil {
		return SpectrumResult{}, s.SpectrumErr
	}
	return s.Spectrum, nil
}
