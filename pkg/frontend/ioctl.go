package frontend

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lsd-tv/blindscan/internal/bitset"
	"github.com/lsd-tv/blindscan/pkg/satconf"
)

// Linux DVB frontend ioctl numbers. These follow the kernel's
// linux/dvb/frontend.h _IO/_IOW/_IOWR layout; defined locally so this
// package has no cgo dependency on kernel headers.
const (
	ioctlFESetProperty     uintptr = 0x40086F52
	ioctlFEGetProperty     uintptr = 0xC0086F53
	ioctlFESetVoltage      uintptr = 0x6F0A
	ioctlFESetTone         uintptr = 0x6F04
	ioctlFEReadStatus      uintptr = 0x80046F21
	ioctlFEDiseqcCmd       uintptr = 0x40046F08
	ioctlFEGetSpectrumScan uintptr = 0xC0206F60
)

// propertyWireSize is the packed on-wire size of one dtv_property entry:
// cmd (u32) + reserved (u32*3) + data union (u32) + raw buffer pointer
// (u64) + raw buffer length (u32), matching the driver ABI's fixed layout
// rather than native Go struct alignment (spec §9). The raw pointer/length
// pair is unused except for CmdISIList, whose 256-bit bitset cannot fit
// in the 32-bit data union.
const propertyWireSize = 4 + 12 + 4 + 8 + 4

// IoctlDevice drives a real Linux DVB frontend character device.
type IoctlDevice struct {
	f *os.File

	mu    sync.Mutex
	cache cache
}

// Open opens the frontend device node (e.g. /dev/dvb/adapter0/frontend0).
func Open(path string) (*IoctlDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open frontend %s: %w", path, err)
	}
	return &IoctlDevice{f: f}, nil
}

// Close releases the underlying file descriptor. The frontend descriptor
// is borrowed by sessions, never owned; only the object that opened it
// should call Close.
func (d *IoctlDevice) Close() error {
	return d.f.Close()
}

func marshalProperties(props []Property) []byte {
	buf := make([]byte, len(props)*propertyWireSize)
	for i, p := range props {
		off := i * propertyWireSize
		binary.LittleEndian.PutUint32(buf[off:], p.Cmd)
		binary.LittleEndian.PutUint32(buf[off+16:], p.Data)
		if p.Raw != nil {
			binary.LittleEndian.PutUint64(buf[off+20:], uint64(uintptr(unsafe.Pointer(&p.Raw[0]))))
			binary.LittleEndian.PutUint32(buf[off+28:], uint32(len(p.Raw)))
		}
	}
	return buf
}

// unmarshalProperties recovers the Data word for every command, plus the
// Raw payload for any command whose GetProperties call pre-allocated one
// (currently only CmdISIList) — the driver writes straight into that
// caller buffer, so Raw is handed back unchanged rather than read out of
// buf.
func unmarshalProperties(buf []byte, cmds []uint32, raw map[uint32][]byte) []Property {
	out := make([]Property, len(cmds))
	for i, cmd := range cmds {
		off := i * propertyWireSize
		out[i] = Property{
			Cmd:  cmd,
			Data: binary.LittleEndian.Uint32(buf[off+16:]),
			Raw:  raw[cmd],
		}
	}
	return out
}

// dtvProperties is the packed header preceding the property array:
// num (u32) + padding(4) + pointer(8), matching struct dtv_properties.
func dtvPropertiesHeader(num uint32, ptr unsafe.Pointer) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], num)
	binary.LittleEndian.PutUint64(buf[8:], uint64(uintptr(ptr)))
	return buf
}

func (d *IoctlDevice) ioctl(request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Clear resets any pending tuning state by issuing an empty CLEAR
// property transaction.
func (d *IoctlDevice) Clear() error {
	return d.SetProperties([]Property{{Cmd: CmdClear}})
}

func (d *IoctlDevice) SetProperties(props []Property) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	body := marshalProperties(props)
	header := dtvPropertiesHeader(uint32(len(props)), unsafe.Pointer(&body[0]))
	if err := d.ioctl(ioctlFESetProperty, unsafe.Pointer(&header[0])); err != nil {
		return fmt.Errorf("FE_SET_PROPERTY: %w", err)
	}
	return nil
}

func (d *IoctlDevice) GetProperties(cmds []uint32) ([]Property, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	props := make([]Property, len(cmds))
	raw := make(map[uint32][]byte)
	for i, c := range cmds {
		props[i] = Property{Cmd: c}
		if c == CmdISIList {
			buf := make([]byte, bitset.ISIBytes)
			props[i].Raw = buf
			raw[c] = buf
		}
	}
	body := marshalProperties(props)
	header := dtvPropertiesHeader(uint32(len(props)), unsafe.Pointer(&body[0]))
	if err := d.ioctl(ioctlFEGetProperty, unsafe.Pointer(&header[0])); err != nil {
		return nil, fmt.Errorf("FE_GET_PROPERTY: %w", err)
	}
	return unmarshalProperties(body, cmds, raw), nil
}

func (d *IoctlDevice) SetVoltage(v Voltage) error {
	val := 0
	if v == Voltage18V {
		val = 1
	}
	if err := unix.IoctlSetInt(int(d.f.Fd()), uint(ioctlFESetVoltage), val); err != nil {
		return fmt.Errorf("FE_SET_VOLTAGE: %w", err)
	}
	return nil
}

func (d *IoctlDevice) SetTone(on bool) error {
	val := 0
	if on {
		val = 1
	}
	if err := unix.IoctlSetInt(int(d.f.Fd()), uint(ioctlFESetTone), val); err != nil {
		return fmt.Errorf("FE_SET_TONE: %w", err)
	}
	return nil
}

func (d *IoctlDevice) AwaitEvent(timeout time.Duration) (StatusBits, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := unix.IoctlGetUint32(int(d.f.Fd()), uint(ioctlFEReadStatus))
		if err == nil && status != 0 {
			return StatusBits(status), nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("timeout waiting for frontend event")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (d *IoctlDevice) InvalidateCache() {
	d.mu.Lock()
	d.cache.invalidate()
	d.mu.Unlock()
}

func (d *IoctlDevice) SendSatconfChain(chain *satconf.Chain, pol satconf.Polarisation, band satconf.Band, voltage Voltage, freqKHz int64) error {
	d.mu.Lock()
	cached := d.cache.matches(pol, band, voltage)
	d.mu.Unlock()
	if cached {
		log.Debug("satconf cache hit, skipping resequencing", "pol", pol, "band", band)
		return nil
	}

	if err := d.SetVoltage(voltage); err != nil {
		return err
	}
	time.Sleep(DelayAfterVoltage)

	if err := d.SetTone(band == satconf.BandHigh); err != nil {
		return err
	}
	time.Sleep(DelayAfterTone)

	if chain != nil {
		v := 13
		if voltage == Voltage18V {
			v = 18
		}
		if err := chain.Send(pol, band, v, freqKHz, time.Sleep); err != nil {
			return fmt.Errorf("satconf chain: %w", err)
		}
	}

	d.mu.Lock()
	d.cache.set(pol, band, voltage)
	d.mu.Unlock()
	return nil
}

func (d *IoctlDevice) GetSpectrumScan(req SpectrumRequest) (SpectrumResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	freqs := make([]int64, req.MaxSamples)
	levels := make([]int32, req.MaxSamples)
	candidates := make([]HWCandidate, req.MaxCandidates)

	// The real ABI passes caller-allocated buffer pointers plus
	// capacities and returned counts in one composite descriptor (spec
	// §9): freqs ptr, levels ptr, max_samples, candidates ptr,
	// max_candidates, start/end driver kHz. Resolution is not part of the
	// descriptor; it travels as CmdResolution in the preceding property
	// set. This packs that descriptor and issues it directly against the
	// dedicated spectrum-scan ioctl, not the generic property get/set path.
	desc := make([]byte, 8*7)
	binary.LittleEndian.PutUint64(desc[0:], uint64(uintptr(unsafe.Pointer(&freqs[0]))))
	binary.LittleEndian.PutUint64(desc[8:], uint64(uintptr(unsafe.Pointer(&levels[0]))))
	binary.LittleEndian.PutUint32(desc[16:], uint32(req.MaxSamples))
	binary.LittleEndian.PutUint64(desc[24:], uint64(uintptr(unsafe.Pointer(&candidates[0]))))
	binary.LittleEndian.PutUint32(desc[32:], uint32(req.MaxCandidates))
	binary.LittleEndian.PutUint64(desc[40:], uint64(req.StartDriverKHz))
	binary.LittleEndian.PutUint64(desc[48:], uint64(req.EndDriverKHz))

	if err := d.ioctl(ioctlFEGetSpectrumScan, unsafe.Pointer(&desc[0])); err != nil {
		return SpectrumResult{}, fmt.Errorf("FE_GET_SPECTRUM_SCAN: %w", err)
	}

	return SpectrumResult{
		FreqKHz:      freqs,
		LevelMilliDB: levels,
		HWCandidates: candidates,
	}, nil
}
