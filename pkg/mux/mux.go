// Package mux implements component F: converting a selected candidate
// peak into a persistent tuning record via the external network registry,
// per spec §4.F.
package mux

import (
	"fmt"

	"github.com/lsd-tv/blindscan/internal/xlog"
	"github.com/lsd-tv/blindscan/pkg/network"
)

var log = xlog.For("mux")

// Defaults for a candidate with no locked prescan parameters, per
// spec §4.F.
const (
	DefaultModulation uint32 = 0 // AUTO
	DefaultFEC        uint32 = 0 // AUTO
	DefaultRolloff    uint32 = 0 // AUTO
	DefaultPilot      uint32 = 0 // AUTO
	DefaultStreamID          = -1
	DefaultPLSMode    uint32 = 0 // ROOT
	DefaultPLSCode    uint32 = 1
)

const deliveryDVBS2 uint32 = 2

// toleranceFor implements spec §4.E's frequency-tolerance table used for
// create-time dedup, keyed by the candidate's symbol rate.
func toleranceFor(symbolRate int64) int64 {
	switch {
	case symbolRate < 5_000_000:
		return 1_000
	case symbolRate < 30_000_000:
		return 5_000
	default:
		return 10_000
	}
}

// Candidate is the subset of a session candidate the materialiser needs.
// Locked is false when no prescan has run; the defaults above then apply.
type Candidate struct {
	FreqKHz      int64
	Polarisation string
	SymbolRate   int64

	Locked     bool
	Modulation uint32
	FEC        uint32
	Rolloff    uint32
	Pilot      uint32
	StreamID   int
	PLSMode    uint32
	PLSCode    uint32
	IsGSE      bool
}

// Materialise creates muxes for every selected candidate, skipping any
// that already have an exact-matching record, and returns the count
// actually created.
func Materialise(reg network.Registry, networkUUID string, candidates []Candidate) (int, error) {
	created := 0
	for _, c := range candidates {
		req := buildRequest(networkUUID, c)
		tol := toleranceFor(req.SymbolRate)
		if existing, ok := reg.FindNear(networkUUID, req.Polarisation, req.FreqKHz, tol, req.StreamID); ok {
			log.Debug("mux already exists, skipping", "freq_khz", req.FreqKHz, "pol", req.Polarisation, "existing_ref", existing.Ref)
			continue
		}
		if _, err := reg.Enqueue(req); err != nil {
			return created, fmt.Errorf("enqueue mux at %d kHz: %w", c.FreqKHz, err)
		}
		created++
	}
	return created, nil
}

func buildRequest(networkUUID string, c Candidate) network.EnqueueRequest {
	req := network.EnqueueRequest{
		NetworkUUID:  networkUUID,
		FreqKHz:      c.FreqKHz,
		Polarisation: c.Polarisation,
		SymbolRate:   c.SymbolRate,
		Delivery:     deliveryDVBS2,
		Priority:     network.PriorityUserScan,
	}
	if c.Locked {
		req.Modulation = c.Modulation
		req.FEC = c.FEC
		req.Rolloff = c.Rolloff
		req.Pilot = c.Pilot
		req.StreamID = c.StreamID
		req.PLSMode = c.PLSMode
		req.PLSCode = c.PLSCode
		req.IsGSE = c.IsGSE
	} else {
		req.Modulation = DefaultModulation
		req.FEC = DefaultFEC
		req.Rolloff = DefaultRolloff
		req.Pilot = DefaultPilot
		req.StreamID = DefaultStreamID
		req.PLSMode = DefaultPLSMode
		req.PLSCode = DefaultPLSCode
	}
	return req
}
