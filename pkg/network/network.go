// Package network models the external network registry spec.md's mux
// materialiser and overlap tests treat as a pre-existing collaborator: it
// owns persisted tuning records, their scan results, and the upstream
// scan queue. This package defines the narrow interface the core depends
// on plus an in-memory reference implementation for tests and
// cmd/blindscand's standalone mode.
package network

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ScanResult is the outcome of the upstream scanner's last attempt at a
// mux, as reported back to the overlap test in spec.md §4.E.
type ScanResult int

const (
	ScanResultUnknown ScanResult = iota
	ScanResultOK
	ScanResultFailed
)

// MuxKey identifies a tuning record within one network.
type MuxKey struct {
	NetworkUUID string
	FreqKHz     int64
	Polarisation string // "H" or "V"
	SymbolRate  int64
	StreamID    int
}

// Mux is a persisted tuning record, as much of it as the core needs to
// read. The registry owns the full record; this is the core's view.
type Mux struct {
	Ref        string // opaque handle; never dereferenced, only re-queried
	Key        MuxKey
	Rolloff    float64
	LastResult ScanResult
	IsGSE      bool
}

// EnqueueRequest parametrises a new mux creation.
type EnqueueRequest struct {
	NetworkUUID  string
	FreqKHz      int64
	Polarisation string
	SymbolRate   int64
	Delivery     uint32
	Modulation   uint32
	FEC          uint32
	Rolloff      uint32
	Pilot        uint32
	StreamID     int
	PLSMode      uint32
	PLSCode      uint32
	IsGSE        bool
	Priority     int // spec.md's "user-scan priority"
}

// PriorityUserScan is the enqueue priority spec.md §4.F mandates for
// operator-created muxes.
const PriorityUserScan = 100

// Registry is the surface pkg/session and pkg/mux depend on. A
// tvheadend-shaped host implements this against its real persistence
// layer; Reference below is the in-memory stand-in this module ships.
type Registry interface {
	// MuxesOverlapping returns every mux in networkUUID whose (pol,
	// freq, SR, rolloff) the caller should test against the overlap
	// formula — the registry itself does not know the formula.
	MuxesOverlapping(networkUUID string, pol string) []Mux
	// FindNear returns a mux in networkUUID matching pol and streamID
	// exactly, whose frequency is within toleranceKHz of freqKHz — the
	// create-time dedup lookup, per the frequency-tolerance table.
	FindNear(networkUUID string, pol string, freqKHz int64, toleranceKHz int64, streamID int) (Mux, bool)
	// Enqueue creates a mux and schedules it with the upstream scanner
	// at the given priority, returning its opaque reference.
	Enqueue(req EnqueueRequest) (string, error)
}

// Reference is an in-memory Registry used by tests and by cmd/blindscand
// when no real network database is configured.
type Reference struct {
	mu    sync.Mutex
	muxes map[string]Mux // ref -> mux
	seq   int

	muxesCreated prometheus.Counter
	muxesLocked  prometheus.Counter
	candidatesSkipped prometheus.Counter
}

// NewReference builds an empty in-memory registry, registering its
// counters with reg (pass nil to skip Prometheus registration, e.g. in
// unit tests that construct many instances).
func NewReference(reg prometheus.Registerer) *Reference {
	r := &Reference{
		muxes: map[string]Mux{},
		muxesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blindscan_muxes_created_total",
			Help: "Tuning records created by the mux materialiser.",
		}),
		muxesLocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blindscan_muxes_locked_total",
			Help: "Muxes whose scan result was reported OK via SetResult.",
		}),
		candidatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blindscan_candidates_skipped_total",
			Help: "Candidates auto-skipped as already covered by an OK mux.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.muxesCreated, r.muxesLocked, r.candidatesSkipped)
	}
	return r
}

func (r *Reference) MuxesOverlapping(networkUUID string, pol string) []Mux {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Mux
	for _, m := range r.muxes {
		if m.Key.NetworkUUID == networkUUID && m.Key.Polarisation == pol {
			out = append(out, m)
		}
	}
	return out
}

func (r *Reference) FindNear(networkUUID string, pol string, freqKHz int64, toleranceKHz int64, streamID int) (Mux, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.muxes {
		if m.Key.NetworkUUID != networkUUID || m.Key.Polarisation != pol || m.Key.StreamID != streamID {
			continue
		}
		diff := m.Key.FreqKHz - freqKHz
		if diff < 0 {
			diff = -diff
		}
		if diff <= toleranceKHz {
			return m, true
		}
	}
	return Mux{}, false
}

func (r *Reference) Enqueue(req EnqueueRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ref := muxRef(r.seq)
	r.muxes[ref] = Mux{
		Ref: ref,
		Key: MuxKey{
			NetworkUUID:  req.NetworkUUID,
			FreqKHz:      req.FreqKHz,
			Polarisation: req.Polarisation,
			SymbolRate:   req.SymbolRate,
			StreamID:     req.StreamID,
		},
		Rolloff:    rolloffToFloat(req.Rolloff),
		LastResult: ScanResultUnknown,
		IsGSE:      req.IsGSE,
	}
	r.muxesCreated.Inc()
	return ref, nil
}

// SetResult lets tests (and a real scan-result feed) mark a mux's last
// scan outcome, which the overlap test reads.
func (r *Reference) SetResult(ref string, result ScanResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.muxes[ref]
	m.LastResult = result
	r.muxes[ref] = m
	if result == ScanResultOK {
		r.muxesLocked.Inc()
	}
}

// AddMux seeds the registry directly, bypassing Enqueue — used by tests
// constructing a pre-existing mux to test overlap/skip behaviour against.
func (r *Reference) AddMux(m Mux) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if m.Ref == "" {
		m.Ref = muxRef(r.seq)
	}
	r.muxes[m.Ref] = m
	return m.Ref
}

func (r *Reference) IncSkipped() {
	r.candidatesSkipped.Inc()
}

func muxRef(seq int) string {
	const alphabet = "0123456789abcdef"
	b := make([]byte, 8)
	n := seq
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = alphabet[n%16]
		n /= 16
	}
	return "mux-" + string(b)
}

func rolloffToFloat(wire uint32) float64 {
	switch wire {
	case 20:
		return 0.20
	case 25:
		return 0.25
	case 35:
		return 0.35
	default:
		return 0.35
	}
}
