// Package aht20 drives the AHT20 temperature/humidity sensor without
// blocking. A measurement has two phases driven by the caller's poll loop:
//
//	d.Trigger()          // start a conversion
//	err := d.Collect(&s) // ErrNotReady while the sensor is converting
//
// I2C.Tx MUST perform a write followed by a repeated-start read when both w
// and r are provided, without releasing the bus.
package aht20

import (
	"errors"

	"tinygo.org/x/drivers"
)

const Address = 0x38

const (
	cmdTrigger    = 0xAC
	cmdInitialize = 0xBE
	cmdSoftReset  = 0xBA
	cmdStatus     = 0x71

	statusBusy       = 0x80
	statusCalibrated = 0x08
)

// ConversionMs is the nominal conversion time after Trigger.
const ConversionMs = 80

var (
	ErrNotReady = errors.New("aht20: not ready")
	ErrCRC      = errors.New("aht20: crc mismatch")
)

type Device struct {
	bus     drivers.I2C
	Address uint16

	buf [7]byte
}

// New wraps a configured bus. It does not touch the device.
func New(bus drivers.I2C) *Device {
	return &Device{bus: bus, Address: Address}
}

// Init sends the calibration command unless the sensor reports itself
// calibrated. The sensor needs about 10 ms before the first Trigger.
func (d *Device) Init() error {
	st, err := d.Status()
	if err == nil && st&statusCalibrated != 0 {
		return nil
	}
	return d.bus.Tx(d.Address, []byte{cmdInitialize, 0x08, 0x00}, nil)
}

// Reset issues a soft reset. Allow about 20 ms before the next command.
func (d *Device) Reset() error {
	return d.bus.Tx(d.Address, []byte{cmdSoftReset}, nil)
}

func (d *Device) Status() (byte, error) {
	data := d.buf[:1]
	if err := d.bus.Tx(d.Address, []byte{cmdStatus}, data); err != nil {
		return 0, err
	}
	return data[0], nil
}

// Trigger starts a conversion.
func (d *Device) Trigger() error {
	return d.bus.Tx(d.Address, []byte{cmdTrigger, 0x33, 0x00}, nil)
}

// Collect reads the finished conversion into out. It returns ErrNotReady
// while the sensor is busy or uncalibrated and ErrCRC on a corrupt frame.
func (d *Device) Collect(out *Sample) error {
	data := d.buf[:]
	if err := d.bus.Tx(d.Address, nil, data); err != nil {
		return err
	}
	if data[0]&statusCalibrated == 0 || data[0]&statusBusy != 0 {
		return ErrNotReady
	}
	if crc8(data[:6]) != data[6] {
		return ErrCRC
	}
	out.RawHumidity = uint32(data[1])<<12 | uint32(data[2])<<4 | uint32(data[3])>>4
	out.RawTemp = uint32(data[3]&0x0F)<<16 | uint32(data[4])<<8 | uint32(data[5])
	return nil
}

// crc8 is the sensor's CRC (polynomial 0x31, init 0xFF).
func crc8(p []byte) byte {
	crc := byte(0xFF)
	for _, b := range p {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Sample holds one raw reading.
type Sample struct {
	RawHumidity uint32
	RawTemp     uint32
}

// DeciRelHumidity returns tenths of %RH.
func (s Sample) DeciRelHumidity() int32 {
	return int32(uint64(s.RawHumidity) * 1000 / 0x100000)
}

// DeciCelsius returns tenths of °C.
func (s Sample) DeciCelsius() int32 {
	return int32(uint64(s.RawTemp)*2000/0x100000) - 500
}

func (s Sample) RelHumidity() float64 { return float64(s.DeciRelHumidity()) / 10 }
func (s Sample) Celsius() float64     { return float64(s.DeciCelsius()) / 10 }
