package aht20

import (
	"errors"
	"testing"
)

type fakeI2C struct {
	frame  [7]byte
	status byte
	writes [][]byte
	err    error
}

func (f *fakeI2C) ReadRegister(uint8, uint8, []byte) error  { return nil }
func (f *fakeI2C) WriteRegister(uint8, uint8, []byte) error { return nil }

func (f *fakeI2C) Tx(addr uint16, w, r []byte) error {
	if f.err != nil {
		return f.err
	}
	if len(w) > 0 {
		f.writes = append(f.writes, append([]byte(nil), w...))
	}
	switch {
	case len(w) == 1 && w[0] == cmdStatus && len(r) == 1:
		r[0] = f.status
	case len(w) == 0:
		copy(r, f.frame[:])
	}
	return nil
}

func halfScaleFrame() [7]byte {
	f := [7]byte{0x1C, 0x80, 0x00, 0x08, 0x00, 0x00}
	f[6] = crc8(f[:6])
	return f
}

func TestCollectDecodesFrame(t *testing.T) {
	bus := &fakeI2C{frame: halfScaleFrame()}
	d := New(bus)
	var s Sample
	if err := d.Collect(&s); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if s.DeciCelsius() != 500 || s.DeciRelHumidity() != 500 {
		t.Fatalf("got %d dC %d d%%", s.DeciCelsius(), s.DeciRelHumidity())
	}
	if s.Celsius() != 50 {
		t.Fatalf("celsius %v", s.Celsius())
	}
}

func TestCollectNotReadyWhileBusy(t *testing.T) {
	f := halfScaleFrame()
	f[0] |= statusBusy
	d := New(&fakeI2C{frame: f})
	var s Sample
	if err := d.Collect(&s); !errors.Is(err, ErrNotReady) {
		t.Fatalf("want ErrNotReady, got %v", err)
	}
}

func TestCollectRejectsBadCRC(t *testing.T) {
	f := halfScaleFrame()
	f[6] ^= 0xFF
	d := New(&fakeI2C{frame: f})
	var s Sample
	if err := d.Collect(&s); !errors.Is(err, ErrCRC) {
		t.Fatalf("want ErrCRC, got %v", err)
	}
}

func TestInitSkipsCalibratedSensor(t *testing.T) {
	bus := &fakeI2C{status: statusCalibrated}
	if err := New(bus).Init(); err != nil {
		t.Fatal(err)
	}
	if len(bus.writes) != 1 {
		t.Fatalf("want only the status query, got %v", bus.writes)
	}

	bus = &fakeI2C{}
	if err := New(bus).Init(); err != nil {
		t.Fatal(err)
	}
	if len(bus.writes) != 2 || bus.writes[1][0] != cmdInitialize {
		t.Fatalf("want initialise command, got %v", bus.writes)
	}
}

func TestBusErrorsPassThrough(t *testing.T) {
	boom := errors.New("nack")
	d := New(&fakeI2C{err: boom})
	if err := d.Trigger(); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}
