// Package prescan implements the per-candidate blind-tune engine of
// spec §4.D: drive one tune cycle against a single carrier frequency,
// read back the full parameter set, and classify it.
package prescan

import (
	"fmt"
	"time"

	"github.com/lsd-tv/blindscan/internal/bitset"
	"github.com/lsd-tv/blindscan/pkg/frontend"
	"github.com/lsd-tv/blindscan/pkg/satconf"
)

const (
	lockBudget          = 12 * time.Second
	lockRetries         = 12
	defaultSymbolRate   = 22_000_000
	minSearchRangeHz    = 8_000_000
	tsGSMask            = 0xC0 // bits 6-7 of the raw MATYPE byte
	tsGSTransportStream = 0xC0 // 0b11 in those two bits
)

// Result is the full outcome of one blind-tune attempt.
type Result struct {
	Locked     bool
	FreqKHz    int64 // always the original candidate frequency, never the SCR IF
	SymbolRate int64
	Modulation uint32
	FEC        uint32
	DelSys     uint32
	StreamID   int // -1 means no filter
	Rolloff    uint32
	Pilot      uint32
	PLSMode    uint32
	PLSCode    uint32
	IsGSE      bool
	ISIList    []int
	Multistream bool
}

// Engine runs blind-tune attempts against one frontend.
type Engine struct {
	Device frontend.Device
	Chain  *satconf.Chain
}

func searchRangeFor(srEstimate int64) uint32 {
	half := srEstimate / 2
	if half < minSearchRangeHz {
		half = minSearchRangeHz
	}
	return uint32(half)
}

func voltageFor(pol satconf.Polarisation) frontend.Voltage {
	if pol == satconf.PolV {
		return frontend.Voltage18V
	}
	return frontend.Voltage13V
}

// Run blind-tunes at freqKHz/pol. srEstimate is the peak detector's symbol
// rate guess, or 0 to use the 22 Msym/s default.
func (e *Engine) Run(freqKHz int64, pol satconf.Polarisation, srEstimate int64, stop func() bool) (Result, error) {
	band := satconf.BandFor(freqKHz)
	sr := srEstimate
	if sr <= 0 {
		sr = defaultSymbolRate
	}

	var driverTarget int64
	if e.Chain.IsUnicable() {
		if err := e.Chain.SendODU(freqKHz, time.Sleep); err != nil {
			return Result{}, fmt.Errorf("unicable ODU: %w", err)
		}
		driverTarget = e.Chain.Unicable.SCRFreqKHz
		if err := e.Device.SendSatconfChain(e.Chain, pol, band, voltageFor(pol), driverTarget); err != nil {
			return Result{}, fmt.Errorf("satconf sequencing: %w", err)
		}
	} else {
		driverTarget = satconf.ToDriver(freqKHz, band)
		if err := e.Device.SendSatconfChain(e.Chain, pol, band, voltageFor(pol), freqKHz); err != nil {
			return Result{}, fmt.Errorf("satconf sequencing: %w", err)
		}
	}

	props := []frontend.Property{
		{Cmd: frontend.CmdClear},
		{Cmd: frontend.CmdAlgorithm, Data: frontend.AlgorithmBlind},
		{Cmd: frontend.CmdDeliverySystem, Data: frontend.DeliverySystemAuto},
		{Cmd: frontend.CmdSearchRange, Data: searchRangeFor(sr)},
		{Cmd: frontend.CmdSymbolRate, Data: uint32(sr)},
		{Cmd: frontend.CmdFrequency, Data: uint32(driverTarget)},
		{Cmd: frontend.CmdStreamID, Data: 511}, // -1, "no filter"
	}
	for _, pls := range frontend.DefaultPLSSearchList() {
		props = append(props, frontend.Property{Cmd: frontend.CmdPLSSearchList, Data: pls})
	}
	props = append(props, frontend.Property{Cmd: frontend.CmdTune})

	if stop != nil && stop() {
		return Result{}, fmt.Errorf("prescan cancelled")
	}
	if err := e.Device.SetProperties(props); err != nil {
		return Result{}, fmt.Errorf("blind-tune property set: %w", err)
	}

	status, err := awaitLock(e.Device, stop)
	if err != nil || !status.Locked() {
		_ = e.Device.Clear()
		return Result{Locked: false, FreqKHz: freqKHz}, nil
	}

	res, err := e.readBack(freqKHz)
	if err != nil {
		_ = e.Device.Clear()
		return Result{}, err
	}
	if err := e.Device.Clear(); err != nil {
		return Result{}, fmt.Errorf("post-prescan clear: %w", err)
	}
	return res, nil
}

func awaitLock(dev frontend.Device, stop func() bool) (frontend.StatusBits, error) {
	perTry := lockBudget / lockRetries
	var last error
	for i := 0; i < lockRetries; i++ {
		if stop != nil && stop() {
			return 0, fmt.Errorf("prescan cancelled")
		}
		status, err := dev.AwaitEvent(perTry)
		if err == nil {
			return status, nil
		}
		last = err
	}
	return 0, last
}

func (e *Engine) readBack(originalFreqKHz int64) (Result, error) {
	cmds := []uint32{
		frontend.CmdFrequency,
		frontend.CmdSymbolRate,
		frontend.CmdModulation,
		frontend.CmdFEC,
		frontend.CmdDeliverySystem,
		frontend.CmdStreamID,
		frontend.CmdRolloff,
		frontend.CmdPilot,
		frontend.CmdMatype,
		frontend.CmdISIList,
	}
	props, err := e.Device.GetProperties(cmds)
	if err != nil {
		return Result{}, fmt.Errorf("parameter read-back: %w", err)
	}

	byCmd := make(map[uint32]frontend.Property, len(props))
	for _, p := range props {
		byCmd[p.Cmd] = p
	}

	streamID := bitset.DecodeStreamID(int(byCmd[frontend.CmdStreamID].Data))
	matype := byCmd[frontend.CmdMatype].Data
	plsMode, plsCode := frontend.DecodePLS(matype)
	tsGS := byte(matype) & tsGSMask
	isGSE := streamID >= 0 && matype != 0 && tsGS != tsGSTransportStream

	isiList := bitset.DecodeISIList(byCmd[frontend.CmdISIList].Raw)

	return Result{
		Locked:      true,
		FreqKHz:     originalFreqKHz,
		SymbolRate:  int64(byCmd[frontend.CmdSymbolRate].Data),
		Modulation:  byCmd[frontend.CmdModulation].Data,
		FEC:         byCmd[frontend.CmdFEC].Data,
		DelSys:      byCmd[frontend.CmdDeliverySystem].Data,
		StreamID:    streamID,
		Rolloff:     byCmd[frontend.CmdRolloff].Data,
		Pilot:       byCmd[frontend.CmdPilot].Data,
		PLSMode:     plsMode,
		PLSCode:     plsCode,
		IsGSE:       isGSE,
		ISIList:     isiList,
		Multistream: len(isiList) > 1,
	}, nil
}
