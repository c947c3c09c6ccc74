package sdlog

import (
	"tinygo.org/x/drivers"

	"fieldlogger/errcode"
)

// OpenLogAddress is the default I2C address of a Qwiic OpenLog.
const OpenLogAddress = 0x2A

// OpenLog registers.
const (
	regStatus    = 0x01
	regOpenFile  = 0x0B
	regWriteFile = 0x0C
	regSyncFile  = 0x11

	statusSDInitGood = 0x01

	// Payload bytes per I2C write after the register byte.
	chunk = 31
)

// OpenLog appends to files on an SD card behind a Qwiic OpenLog board.
type OpenLog struct {
	bus     drivers.I2C
	Address uint16
	present bool
	buf     [chunk + 1]byte
}

func NewOpenLog(bus drivers.I2C) *OpenLog {
	return &OpenLog{bus: bus, Address: OpenLogAddress}
}

// Probe checks for the board and its card. Available re-probes while absent.
func (o *OpenLog) Probe() bool {
	st := []byte{0}
	if err := o.bus.Tx(o.Address, []byte{regStatus}, st); err != nil {
		o.present = false
		return false
	}
	o.present = st[0]&statusSDInitGood != 0
	return o.present
}

func (o *OpenLog) Available() bool {
	if !o.present {
		return o.Probe()
	}
	return true
}

func (o *OpenLog) Append(filename, text string) error {
	if !o.Available() {
		return errcode.SDUnavailable
	}
	if err := o.command(regOpenFile, filename); err != nil {
		return o.fail(err)
	}
	line := text + "\n"
	for len(line) > 0 {
		n := min(len(line), chunk)
		if err := o.command(regWriteFile, line[:n]); err != nil {
			return o.fail(err)
		}
		line = line[n:]
	}
	if err := o.bus.Tx(o.Address, []byte{regSyncFile}, nil); err != nil {
		return o.fail(err)
	}
	return nil
}

func (o *OpenLog) command(reg byte, arg string) error {
	o.buf[0] = reg
	n := copy(o.buf[1:], arg)
	return o.bus.Tx(o.Address, o.buf[:1+n], nil)
}

// fail marks the card absent so the next call re-probes.
func (o *OpenLog) fail(err error) error {
	o.present = false
	return errcode.Wrap(errcode.SDTestFailed, "openlog", err)
}
