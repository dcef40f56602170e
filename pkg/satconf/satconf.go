// Package satconf models the satellite-configuration chain (LNB,
// DiSEqC switches, rotor, Unicable gateway) as the pre-existing external
// collaborator spec §1/§4.A treat it as. The blindscan core only ever
// invokes a Chain; it never owns or persists satconf state.
package satconf

import "time"

// Polarisation selects the LNB polarity driven by the 13V/18V supply.
type Polarisation int

const (
	PolH Polarisation = iota
	PolV
)

func (p Polarisation) String() string {
	if p == PolV {
		return "V"
	}
	return "H"
}

// Band is the Universal-LNB RF window, switched by the 22kHz tone.
type Band int

const (
	BandLow Band = iota
	BandHigh
)

// Universal LNB local-oscillator frequencies and the low/high split point,
// all in kHz, per spec §4.B.
const (
	LowBandLOkHz   = 9_750_000
	HighBandLOkHz  = 10_600_000
	BandSplitKHz   = 11_700_000
)

// BandFor returns the Universal-LNB band a transponder frequency falls in.
// band_for_freq(f) = 1 <=> f >= 11_700_000, per spec §8.
func BandFor(transponderKHz int64) Band {
	if transponderKHz >= BandSplitKHz {
		return BandHigh
	}
	return BandLow
}

// LOFor returns the local-oscillator frequency, in kHz, for a band.
func LOFor(b Band) int64 {
	if b == BandHigh {
		return HighBandLOkHz
	}
	return LowBandLOkHz
}

// ToDriver converts a transponder frequency to the driver-visible IF for
// the given band (transponder - LO).
func ToDriver(transponderKHz int64, b Band) int64 {
	return transponderKHz - LOFor(b)
}

// ToTransponder is the inverse of ToDriver: to_transponder(to_driver(f,
// band), band) = f, per spec §8's round-trip law.
func ToTransponder(driverKHz int64, b Band) int64 {
	return driverKHz + LOFor(b)
}

// Device is one configured DiSEqC element in the chain (switch, rotor,
// Unicable gateway). SettleDelay is the post-command pause the physical
// device requires before the next command may be sent.
type Device interface {
	Name() string
	Send(pol Polarisation, band Band, voltage int, freqKHz int64) error
	SettleDelay() time.Duration
}

// Unicable, when non-nil on a Chain, describes a Single-Channel-Router
// gateway: the frontend tunes a fixed IF around SCRFreqKHz regardless of
// the requested transponder, and slice selection is done via ODU commands.
type Unicable struct {
	SCR        int
	SCRFreqKHz int64
}

// Chain is the ordered sequence of satconf devices for one frontend, plus
// an optional Unicable gateway description. It is resolved by the host via
// an opaque UUID and is never owned by a session — only borrowed for the
// duration of one DiSEqC/ODU invocation.
type Chain struct {
	Devices  []Device
	Unicable *Unicable
}

// IsUnicable reports whether this chain routes through a Unicable gateway,
// which changes how the frontend driver target frequency is computed
// (spec §4.D).
func (c *Chain) IsUnicable() bool {
	return c != nil && c.Unicable != nil
}

// Send invokes each configured device in order, honouring each device's
// requested settle delay, per spec §4.A.
func (c *Chain) Send(pol Polarisation, band Band, voltage int, freqKHz int64, sleep func(time.Duration)) error {
	for _, dev := range c.Devices {
		if err := dev.Send(pol, band, voltage, freqKHz); err != nil {
			return err
		}
		if d := dev.SettleDelay(); d > 0 {
			sleep(d)
		}
	}
	return nil
}

// SendODU sends a Unicable ODU command selecting the given transponder
// frequency's slice; only meaningful when IsUnicable() is true.
func (c *Chain) SendODU(freqKHz int64, sleep func(time.Duration)) error {
	if !c.IsUnicable() {
		return nil
	}
	for _, dev := range c.Devices {
		if u, ok := dev.(interface {
			SendODU(freqKHz int64) error
		}); ok {
			if err := u.SendODU(freqKHz); err != nil {
				return err
			}
			if d := dev.SettleDelay(); d > 0 {
				sleep(d)
			}
		}
	}
	return nil
}
