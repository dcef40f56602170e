package prescan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lsd-tv/blindscan/internal/bitset"
	"github.com/lsd-tv/blindscan/pkg/frontend"
	"github.com/lsd-tv/blindscan/pkg/satconf"
)

// fakeDevice is a hand-rolled frontend.Device double that, unlike
// frontend.Stub, lets readback answers diverge from whatever the engine
// last requested — the real firmware reports what it found, not an echo
// of the tuning request.
type fakeDevice struct {
	status      frontend.StatusBits
	readback    map[uint32]uint32
	rawReadback map[uint32][]byte
	clears      int
}

func (f *fakeDevice) Clear() error                           { f.clears++; return nil }
func (f *fakeDevice) SetProperties(props []frontend.Property) error { return nil }
func (f *fakeDevice) GetProperties(cmds []uint32) ([]frontend.Property, error) {
	out := make([]frontend.Property, len(cmds))
	for i, c := range cmds {
		out[i] = frontend.Property{Cmd: c, Data: f.readback[c], Raw: f.rawReadback[c]}
	}
	return out, nil
}
func (f *fakeDevice) SetVoltage(frontend.Voltage) error { return nil }
func (f *fakeDevice) SetTone(bool) error                { return nil }
func (f *fakeDevice) AwaitEvent(time.Duration) (frontend.StatusBits, error) {
	return f.status, nil
}
func (f *fakeDevice) SendSatconfChain(*satconf.Chain, satconf.Polarisation, satconf.Band, frontend.Voltage, int64) error {
	return nil
}
func (f *fakeDevice) InvalidateCache() {}
func (f *fakeDevice) GetSpectrumScan(frontend.SpectrumRequest) (frontend.SpectrumResult, error) {
	return frontend.SpectrumResult{}, nil
}

func TestRunFailsToLockReturnsUnlocked(t *testing.T) {
	dev := &fakeDevice{status: frontend.StatusHasCarrier} // no sync => not locked
	eng := &Engine{Device: dev, Chain: &satconf.Chain{}}

	res, err := eng.Run(12_500_000, satconf.PolH, 0, nil)
	require.NoError(t, err)
	require.False(t, res.Locked)
}

func TestRunLockedSingleStreamNotGSE(t *testing.T) {
	dev := &fakeDevice{
		status: frontend.StatusHasCarrier | frontend.StatusHasSync,
		readback: map[uint32]uint32{
			frontend.CmdStreamID: 511, // no filter => decodes to -1
			frontend.CmdMatype:   0,
		},
	}
	eng := &Engine{Device: dev, Chain: &satconf.Chain{}}

	res, err := eng.Run(12_500_000, satconf.PolH, 27_500_000, nil)
	require.NoError(t, err)
	require.True(t, res.Locked)
	require.Equal(t, int64(12_500_000), res.FreqKHz) // original, not SCR/driver freq
	require.Equal(t, -1, res.StreamID)
	require.False(t, res.IsGSE)
	require.False(t, res.Multistream)
	require.Equal(t, 1, dev.clears) // post-readback CLEAR; pre-tune CLEAR travels inside the property set
}

func TestRunLockedMultistreamGSE(t *testing.T) {
	dev := &fakeDevice{
		status: frontend.StatusHasCarrier | frontend.StatusHasSync,
		readback: map[uint32]uint32{
			frontend.CmdStreamID: 256, // ISI 0
			frontend.CmdMatype:   frontend.EncodePLS(frontend.PLSModeGold, 8192) | 0x01, // ts_gs bits != 0b11, matype != 0
		},
		rawReadback: map[uint32][]byte{
			frontend.CmdISIList: bitset.EncodeISIList([]int{0, 1, 2}),
		},
	}
	eng := &Engine{Device: dev, Chain: &satconf.Chain{}}

	res, err := eng.Run(11_623_000, satconf.PolV, 0, nil)
	require.NoError(t, err)
	require.True(t, res.Locked)
	require.Equal(t, 0, res.StreamID)
	require.True(t, res.IsGSE)
	require.True(t, res.Multistream)
	require.Equal(t, []int{0, 1, 2}, res.ISIList)
	require.Equal(t, frontend.PLSModeGold, res.PLSMode)
	require.EqualValues(t, 8192, res.PLSCode)
}

func TestRunUsesUnicableODUAndReportsOriginalFrequency(t *testing.T) {
	dev := &fakeDevice{status: frontend.StatusHasCarrier | frontend.StatusHasSync}
	chain := &satconf.Chain{Unicable: &satconf.Unicable{SCR: 0, SCRFreqKHz: 1_400_000}}
	eng := &Engine{Device: dev, Chain: chain}

	res, err := eng.Run(12_500_000, satconf.PolH, 0, nil)
	require.NoError(t, err)
	require.Equal(t, int64(12_500_000), res.FreqKHz)
}

func TestRunRespectsCancellation(t *testing.T) {
	dev := &fakeDevice{status: frontend.StatusHasCarrier | frontend.StatusHasSync}
	eng := &Engine{Device: dev, Chain: &satconf.Chain{}}

	_, err := eng.Run(12_500_000, satconf.PolH, 0, func() bool { return true })
	require.Error(t, err)
}
