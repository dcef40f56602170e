// Package frontend adapts a DVB-S/S2 frontend character device to the
// narrow transaction surface the rest of the blindscan pipeline needs:
// property set/get, voltage/tone sequencing, DiSEqC dispatch, and a
// readiness wait. All driver concerns funnel through this one collaborator
// so higher layers can be exercised against a stub (spec §4.A).
package frontend

import (
	"time"

	"github.com/lsd-tv/blindscan/internal/xlog"
	"github.com/lsd-tv/blindscan/pkg/satconf"
)

var log = xlog.For("frontend")

// Property is one key/value entry of a DTV property-set/get transaction.
// The wire encoding (packed, explicit offsets, no native alignment) lives
// in ioctl.go next to the syscalls that marshal it, per spec §9. Data
// carries every narrow (<=32-bit) property value. Raw carries the full
// multi-byte payload for the one wide get-only property, CmdISIList,
// whose 256-bit bitset (spec §4.D) cannot fit in Data; Raw is nil for
// every other command.
type Property struct {
	Cmd  uint32
	Data uint32
	Raw  []byte
}

// Property command identifiers. Values are assigned locally for this
// module's wire encoding; they do not need to match a kernel header to be
// internally consistent, the same way gocat's SysCmd* constants are its
// own protocol rather than a borrowed one.
const (
	CmdClear            uint32 = iota
	CmdDeliverySystem          // DVB-S2, AUTO, ...
	CmdFrequency               // driver-target frequency, kHz
	CmdSymbolRate              // symbols/s
	CmdSearchRange             // Hz, search window around frequency
	CmdAlgorithm               // 0=normal, 1=blind
	CmdStreamID                // raw wire encoding, see internal/bitset
	CmdPLSSearchList           // repeated property, one per (mode,code) pair
	CmdTune                    // commits the pending property set
	CmdModulation
	CmdFEC
	CmdRolloff
	CmdPilot
	CmdMatype
	CmdISIList      // get-only; payload is the 256-bit ISI bitset, carried in Property.Raw
	CmdStartFrequency
	CmdEndFrequency
	CmdResolution
	CmdFFTSize
	CmdFFTMethod
)

// DeliverySystem values for CmdDeliverySystem.
const (
	DeliverySystemAuto uint32 = iota
	DeliverySystemDVBS
	DeliverySystemDVBS2
)

const (
	AlgorithmNormal uint32 = 0
	AlgorithmBlind  uint32 = 1
)

// PLS mode occupies bits 26-27 and the 18-bit code bits 8-25 of the
// 32-bit PLS_SEARCH_LIST and MATYPE readback values, per spec §4.D.
const (
	PLSModeRoot uint32 = 0
	PLSModeGold uint32 = 1
)

// EncodePLS packs a (mode, code) pair into the 32-bit wire value the
// driver expects for PLS_SEARCH_LIST entries and MATYPE readback.
func EncodePLS(mode, code uint32) uint32 {
	return (mode&0x3)<<26 | (code&0x3FFFF)<<8
}

// DecodePLS unpacks a 32-bit PLS/MATYPE value into mode and code.
func DecodePLS(v uint32) (mode, code uint32) {
	return (v >> 26) & 0x3, (v >> 8) & 0x3FFFF
}

// DefaultPLSSearchList is the fixed scramble-search list spec §4.D step 8
// names, already encoded to the wire format.
func DefaultPLSSearchList() []uint32 {
	return []uint32{
		EncodePLS(PLSModeRoot, 0),
		EncodePLS(PLSModeRoot, 1),
		EncodePLS(PLSModeRoot, 8),
		EncodePLS(PLSModeRoot, 16416),
		EncodePLS(PLSModeGold, 0),
		EncodePLS(PLSModeGold, 8192),
	}
}

// StatusBits mirrors the capability bitmask returned by the readiness
// wait: carrier lock, sync acquired, and error indications.
type StatusBits uint32

const (
	StatusHasSignal StatusBits = 1 << iota
	StatusHasCarrier
	StatusHasViterbi
	StatusHasSync
	StatusHasLock
	StatusReinitialised
)

// Locked reports whether both carrier lock and sync are present — the
// only combination spec §4.D counts as a genuine lock (carrier lock alone
// is a known false positive).
func (s StatusBits) Locked() bool {
	const want = StatusHasCarrier | StatusHasSync
	return s&want == want
}

// Voltage is the LNB supply voltage, selecting polarisation.
type Voltage int

const (
	Voltage13V Voltage = 13
	Voltage18V Voltage = 18
)

// Inter-command pacing mandated by spec §4.A/§5.
const (
	DelayAfterVoltage = 15 * time.Millisecond
	DelayAfterTone    = 20 * time.Millisecond
)

// SpectrumResult is the composite get-property payload the acquirer reads
// in a single transaction: frequency/level arrays plus hardware-detected
// candidate peaks. The driver ABI specifies this bit-exactly as pointers
// plus capacities and returned counts (spec §9); the wire marshalling for
// the real ioctl path lives in ioctl.go.
type SpectrumResult struct {
	FreqKHz       []int64 // one entry per sample
	LevelMilliDB  []int32 // driver units: thousandths of a dB
	HWCandidates  []HWCandidate
	Truncated     bool // true if the driver had more samples than capacity
}

// HWCandidate is a peak the driver's own firmware detected during
// acquisition, before any software post-processing.
type HWCandidate struct {
	FreqKHz      int64
	SymbolRate   int64
	LevelMilliDB int32
	SNRCentiDB   int32
}

// SpectrumRequest parametrises one GetSpectrumScan transaction.
type SpectrumRequest struct {
	StartDriverKHz int64
	EndDriverKHz   int64
	ResolutionKHz  int64 // 0 = driver default
	FFTSize        int
	FFTMethod      int
	MaxSamples     int
	MaxCandidates  int // spec caps hardware candidates at 512 per acquisition
}

// Device is the narrow surface the spectrum acquirer, prescan engine, and
// session worker depend on. The production implementation (ioctl.go) talks
// to /dev/dvb/adapterN/frontendN; tests use the in-memory Stub.
type Device interface {
	// Clear resets any pending tuning state.
	Clear() error
	// SetProperties submits a property-set transaction, in order.
	SetProperties(props []Property) error
	// GetProperties reads back the named properties in one transaction.
	GetProperties(cmds []uint32) ([]Property, error)
	// SetVoltage selects polarisation; callers must sleep DelayAfterVoltage.
	SetVoltage(v Voltage) error
	// SetTone selects the band; callers must sleep DelayAfterTone.
	SetTone(on bool) error
	// AwaitEvent blocks on the readiness descriptor up to timeout.
	AwaitEvent(timeout time.Duration) (StatusBits, error)
	// SendSatconfChain drives voltage/tone/DiSEqC through chain for
	// (pol, band), skipping resequencing if the adapter's cache already
	// reflects this target — InvalidateCache forces it to run again.
	SendSatconfChain(chain *satconf.Chain, pol satconf.Polarisation, band satconf.Band, voltage Voltage, freqKHz int64) error
	// InvalidateCache forces the next SendSatconfChain call to resequence
	// even if it targets the same (pol, band) as the last call. The
	// session manager must call this at the start of every scan.
	InvalidateCache()
	// GetSpectrumScan performs the single composite get-property
	// transaction the direct/Unicable strategies both rely on.
	GetSpectrumScan(req SpectrumRequest) (SpectrumResult, error)
}

// cache tracks the last (pol, band) sequenced through a satconf chain so
// repeated tunes at the same target can skip DiSEqC resequencing.
type cache struct {
	valid   bool
	pol     satconf.Polarisation
	band    satconf.Band
	voltage Voltage
}

func (c *cache) matches(pol satconf.Polarisation, band satconf.Band, v Voltage) bool {
	return c.valid && c.pol == pol && c.band == band && c.voltage == v
}

func (c *cache) set(pol satconf.Polarisation, band satconf.Band, v Voltage) {
	c.valid, c.pol, c.band, c.voltage = true, pol, band, v
}

func (c *cache) invalidate() {
	c.valid = false
}
