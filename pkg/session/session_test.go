package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lsd-tv/blindscan/pkg/frontend"
	"github.com/lsd-tv/blindscan/pkg/network"
	"github.com/lsd-tv/blindscan/pkg/satconf"
)

type fakeResolver struct {
	frontends map[string]frontend.Device
	satconfs  map[string]*satconf.Chain
	networks  map[string]network.Registry
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		frontends: map[string]frontend.Device{},
		satconfs:  map[string]*satconf.Chain{},
		networks:  map[string]network.Registry{},
	}
}

func (f *fakeResolver) ResolveFrontend(uuid string) (frontend.Device, bool) {
	d, ok := f.frontends[uuid]
	return d, ok
}
func (f *fakeResolver) ResolveSatconf(uuid string) (*satconf.Chain, bool) {
	c, ok := f.satconfs[uuid]
	return c, ok
}
func (f *fakeResolver) ResolveNetwork(uuid string) (network.Registry, bool) {
	n, ok := f.networks[uuid]
	return n, ok
}
func (f *fakeResolver) ListSatconfs(networkUUID string) []SatconfEntry { return nil }

func waitForTerminal(t *testing.T, m *Manager, id string, timeout time.Duration) StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		st, err := m.Status(id)
		require.NoError(t, err)
		switch st.State {
		case StateComplete, StateCancelled, StateError:
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("session did not reach a terminal state in time, last state=%s", st.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func baseParams(resolver *fakeResolver) (Params, string) {
	frontendUUID, networkUUID := "fe-1", "net-1"
	resolver.frontends[frontendUUID] = frontend.NewStub()
	resolver.networks[networkUUID] = network.NewReference(nil)
	return Params{
		FrontendUUID: frontendUUID,
		NetworkUUID:  networkUUID,
		Polarisation: PolSelectH,
	}, frontendUUID
}

func TestStartRejectsBadInput(t *testing.T) {
	resolver := newFakeResolver()
	p, _ := baseParams(resolver)
	p.StartFreqKHz, p.EndFreqKHz = 11_700_000, 10_700_000

	m := NewManager(resolver)
	_, err := m.Start(p)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestStartZeroRangeCompletesImmediatelyWithNoPeaks(t *testing.T) {
	resolver := newFakeResolver()
	p, _ := baseParams(resolver)
	p.StartFreqKHz, p.EndFreqKHz = 11_000_000, 11_000_000

	m := NewManager(resolver)
	id, err := m.Start(p)
	require.NoError(t, err)

	st := waitForTerminal(t, m, id, time.Second)
	require.Equal(t, StateComplete, st.State)
	require.Equal(t, 0, st.PeakCount)
}

// triangularDriverSpectrum builds a 500-sample driver-domain buffer covering the
// low-band LO offset, with a triangular bump whose -6dB bandwidth lands
// near 22 Msym/s, mirroring spec scenario 1.
func triangularDriverSpectrum(apexTransponderKHz int64) ([]int64, []int32) {
	const n = 500
	const stepKHz = 2000
	const startTransponder = 10_700_000
	centerIdx := int((apexTransponderKHz - startTransponder) / stepKHz)

	freqs := make([]int64, n)
	levels := make([]int32, n)
	for i := 0; i < n; i++ {
		transponder := startTransponder + int64(i)*stepKHz
		freqs[i] = transponder - satconf.LowBandLOkHz
		d := i - centerIdx
		if d < 0 {
			d = -d
		}
		level := int32(-4000 - 90*d)
		if level < -7000 {
			level = -7000
		}
		levels[i] = level * 10 // driver units are milli-dB
	}
	return freqs, levels
}

func TestSingleSlotDetectsPeakViaSoftwareDetection(t *testing.T) {
	resolver := newFakeResolver()
	p, frontendUUID := baseParams(resolver)
	p.StartFreqKHz, p.EndFreqKHz = 10_700_000, 11_700_000

	freqs, levels := triangularDriverSpectrum(11_012_000)
	stub := resolver.frontends[frontendUUID].(*frontend.Stub)
	stub.Status = frontend.StatusHasCarrier | frontend.StatusHasSync
	stub.Spectrum = frontend.SpectrumResult{FreqKHz: freqs, LevelMilliDB: levels}

	m := NewManager(resolver)
	id, err := m.Start(p)
	require.NoError(t, err)

	st := waitForTerminal(t, m, id, 5*time.Second)
	require.Equal(t, StateComplete, st.State)
	require.GreaterOrEqual(t, st.PeakCount, 1)

	peaks, err := m.Peaks(id)
	require.NoError(t, err)
	found := false
	for _, pk := range peaks {
		if abs64(pk.FreqKHz-11_012_000) <= 3000 && pk.SymbolRate >= 15_000_000 && pk.SymbolRate <= 29_000_000 {
			found = true
		}
	}
	require.True(t, found, "expected a peak near 11012000 kHz with SR in [1.5e7,2.9e7], got %+v", peaks)

	buf, err := m.Spectrum(id, "H", 0)
	require.NoError(t, err)
	for _, pt := range buf.Points {
		require.GreaterOrEqual(t, pt.FreqKHz, p.StartFreqKHz)
		require.LessOrEqual(t, pt.FreqKHz, p.EndFreqKHz)
	}
}

// blockingDevice wraps a Stub and pauses the first AwaitEvent call until
// released, so tests can deterministically land a Cancel between slots
// without relying on wall-clock races.
type blockingDevice struct {
	*frontend.Stub
	reached chan struct{}
	release chan struct{}
	blocked bool
}

func newBlockingDevice() *blockingDevice {
	return &blockingDevice{Stub: frontend.NewStub(), reached: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blockingDevice) AwaitEvent(timeout time.Duration) (frontend.StatusBits, error) {
	if !b.blocked {
		b.blocked = true
		b.reached <- struct{}{}
		<-b.release
	}
	return b.Stub.AwaitEvent(timeout)
}

func TestCancelTakesEffectAtNextSlotBoundary(t *testing.T) {
	resolver := newFakeResolver()
	p, frontendUUID := baseParams(resolver)
	p.Polarisation = PolSelectBoth // H and V, low+high => 4 slots
	p.StartFreqKHz, p.EndFreqKHz = 10_700_000, 12_700_000

	dev := newBlockingDevice()
	dev.Status = frontend.StatusHasCarrier | frontend.StatusHasSync
	resolver.frontends[frontendUUID] = dev

	m := NewManager(resolver)
	id, err := m.Start(p)
	require.NoError(t, err)

	select {
	case <-dev.reached:
	case <-time.After(time.Second):
		t.Fatal("worker never reached the first slot's readiness wait")
	}
	require.NoError(t, m.Cancel(id))
	close(dev.release)

	st := waitForTerminal(t, m, id, 5*time.Second)
	require.Equal(t, StateCancelled, st.State)
	require.Less(t, st.Progress, 100)
}

func TestPrescanMutatesMatchingCandidateOnly(t *testing.T) {
	resolver := newFakeResolver()
	p, frontendUUID := baseParams(resolver)
	p.StartFreqKHz, p.EndFreqKHz = 11_000_000, 11_000_000 // zero slots, we seed candidates directly

	m := NewManager(resolver)
	id, err := m.Start(p)
	require.NoError(t, err)
	waitForTerminal(t, m, id, time.Second)

	sess, err := m.lookup(id)
	require.NoError(t, err)
	sess.appendCandidate(&Candidate{FreqKHz: 11_012_000, Polarisation: "H", Status: CandidateStatusPending})
	sess.appendCandidate(&Candidate{FreqKHz: 11_600_000, Polarisation: "H", Status: CandidateStatusPending})

	stub := resolver.frontends[frontendUUID].(*frontend.Stub)
	stub.Status = frontend.StatusHasCarrier | frontend.StatusHasSync

	res, err := m.Prescan(id, 11_012_000, "H")
	require.NoError(t, err)
	require.True(t, res.Locked)

	peaks, err := m.Peaks(id)
	require.NoError(t, err)
	for _, pk := range peaks {
		if pk.FreqKHz == 11_012_000 {
			require.Equal(t, CandidateStatusLocked, pk.Status)
		} else {
			require.Equal(t, CandidateStatusPending, pk.Status)
		}
	}
}

// TestOverlapAutoSkip mirrors spec scenario 5: a candidate close to an
// existing, successfully-scanned mux is auto-skipped as existing.
func TestOverlapAutoSkip(t *testing.T) {
	resolver := newFakeResolver()
	p, _ := baseParams(resolver)
	p.StartFreqKHz, p.EndFreqKHz = 11_000_000, 11_000_000

	reg := resolver.networks[p.NetworkUUID].(*network.Reference)
	ref := reg.AddMux(network.Mux{
		Key:     network.MuxKey{NetworkUUID: p.NetworkUUID, FreqKHz: 10_930_250, Polarisation: "H", SymbolRate: 27_500_000, StreamID: -1},
		Rolloff: 0.35,
	})
	reg.SetResult(ref, network.ScanResultOK)

	m := NewManager(resolver)
	id, err := m.Start(p)
	require.NoError(t, err)
	waitForTerminal(t, m, id, time.Second)

	sess, err := m.lookup(id)
	require.NoError(t, err)
	c := &Candidate{FreqKHz: 10_930_000, Polarisation: "H", Status: CandidateStatusPending}
	classifyOverlap(c, reg, p.NetworkUUID)
	sess.appendCandidate(c)

	peaks, err := m.Peaks(id)
	require.NoError(t, err)
	require.Len(t, peaks, 1)
	require.Equal(t, CandidateStatusSkipped, peaks[0].Status)
	require.Equal(t, int64(10_930_250), peaks[0].VerifiedFreqKHz)
}

func TestCreateMuxesIncrementsCounters(t *testing.T) {
	resolver := newFakeResolver()
	p, _ := baseParams(resolver)
	p.StartFreqKHz, p.EndFreqKHz = 11_000_000, 11_000_000

	m := NewManager(resolver)
	id, err := m.Start(p)
	require.NoError(t, err)
	waitForTerminal(t, m, id, time.Second)

	sess, err := m.lookup(id)
	require.NoError(t, err)
	sess.appendCandidate(&Candidate{FreqKHz: 11_012_000, Polarisation: "H", SymbolRate: 22_000_000, Status: CandidateStatusPending})

	created, err := m.CreateMuxes(id, []Selection{{FreqKHz: 11_012_000, Polarisation: "H"}})
	require.NoError(t, err)
	require.Equal(t, 1, created)

	st, err := m.Status(id)
	require.NoError(t, err)
	require.Equal(t, 1, st.MuxesCreated)
}

func TestReleaseIsIdempotent(t *testing.T) {
	resolver := newFakeResolver()
	p, _ := baseParams(resolver)
	p.StartFreqKHz, p.EndFreqKHz = 11_000_000, 11_000_000

	m := NewManager(resolver)
	id, err := m.Start(p)
	require.NoError(t, err)
	waitForTerminal(t, m, id, time.Second)

	require.NoError(t, m.Release(id))
	require.NoError(t, m.Release(id))

	_, err = m.Status(id)
	require.ErrorIs(t, err, ErrNotFound)
}
