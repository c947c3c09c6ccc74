package aht20

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldlogger/command"
	"fieldlogger/component"
	"fieldlogger/peripherals"
	"fieldlogger/reader"
	"fieldlogger/x/timex"
)

var (
	_ component.Peripheral    = (*Sensor)(nil)
	_ component.Pollable      = (*Sensor)(nil)
	_ component.CommandParser = (*Sensor)(nil)
	_ component.DebugRenderer = (*Sensor)(nil)
)

// fakeBus answers every read with frame and counts trigger commands.
type fakeBus struct {
	frame    []byte
	triggers int
}

func (b *fakeBus) ReadRegister(uint8, uint8, []byte) error  { return nil }
func (b *fakeBus) WriteRegister(uint8, uint8, []byte) error { return nil }

func (b *fakeBus) Tx(_ uint16, w, r []byte) error {
	if len(w) > 0 && w[0] == 0xAC {
		b.triggers++
	}
	copy(r, b.frame)
	return nil
}

// 50.0 C, 50.0 %RH with a valid CRC.
var halfScale = []byte{0x1C, 0x80, 0x00, 0x08, 0x00, 0x00, 0x00}

func init() {
	crc := byte(0xFF)
	for _, v := range halfScale[:6] {
		crc ^= v
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	halfScale[6] = crc
}

func setup(t *testing.T, frame []byte) (*Sensor, *fakeBus, *component.Shared, *timex.Manual) {
	t.Helper()
	clk := timex.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sh := component.NewShared(clk, nil)
	sh.DataReader = true
	sh.ReadPeriodMs = 1000
	bus := &fakeBus{frame: frame}
	s := New("aht20", bus, false)
	s.SetupSlots(0)
	return s, bus, sh, clk
}

func TestReadCycleStoresValues(t *testing.T) {
	s, bus, sh, clk := setup(t, halfScale)

	clk.Advance(1001 * time.Millisecond)
	s.Update(sh)
	require.Equal(t, reader.Requested, s.State())
	s.Update(sh)
	require.Equal(t, reader.Waiting, s.State())
	assert.Equal(t, 1, bus.triggers)

	s.Update(sh)
	assert.Equal(t, reader.Waiting, s.State(), "collect waits for the conversion")

	clk.Advance(80 * time.Millisecond)
	s.Update(sh)
	require.Equal(t, reader.Complete, s.State())
	s.Update(sh)
	assert.Equal(t, reader.Idle, s.State())

	v, ok := s.temp.Newest()
	require.True(t, ok)
	assert.InDelta(t, 50.0, v, 1e-9)
	v, ok = s.hum.Newest()
	require.True(t, ok)
	assert.InDelta(t, 50.0, v, 1e-9)
	assert.Equal(t, 1, s.temp.N())
	assert.Equal(t, 1, sh.Reads())
}

func TestBusySensorTimesOut(t *testing.T) {
	busy := append([]byte(nil), halfScale...)
	busy[0] |= 0x80
	s, _, sh, clk := setup(t, busy)

	clk.Advance(1001 * time.Millisecond)
	s.Update(sh)
	s.Update(sh)
	clk.Advance(100 * time.Millisecond)
	s.Update(sh)
	require.Equal(t, reader.Waiting, s.State())

	clk.Advance(401 * time.Millisecond)
	s.Update(sh)
	assert.Equal(t, reader.Idle, s.State())
	assert.Equal(t, 1, s.Timeouts())
	_, ok := s.temp.Newest()
	assert.False(t, ok)
}

func TestCorruptFrameCountsError(t *testing.T) {
	bad := append([]byte(nil), halfScale...)
	bad[6] ^= 0xFF
	s, bus, sh, clk := setup(t, bad)

	clk.Advance(1001 * time.Millisecond)
	s.Update(sh)
	s.Update(sh)
	clk.Advance(80 * time.Millisecond)
	s.Update(sh)
	assert.Equal(t, 1, s.Errors())
	assert.Equal(t, 2, bus.triggers, "a corrupt frame restarts the conversion")
}

func TestReadCommandTriggersManualSensor(t *testing.T) {
	s, _, sh, clk := setup(t, halfScale)
	sh.ReadPeriodMs = 0

	clk.Advance(5 * time.Second)
	s.Update(sh)
	require.Equal(t, reader.Idle, s.State(), "manual sensors wait for a trigger")

	cmd := command.Parse("aht20-read")
	require.True(t, s.ParseCommand(sh, cmd))
	assert.Equal(t, 0, cmd.Return())
	assert.False(t, s.ParseCommand(sh, command.Parse("other-read")))

	s.Update(sh)
	assert.Equal(t, reader.Requested, s.State())
}

func TestBuilderReadsOptions(t *testing.T) {
	b, ok := peripherals.Lookup("aht20")
	require.True(t, ok)

	_, err := b.Build(peripherals.BuildInput{ID: "th"})
	assert.Error(t, err, "an i2c bus is required")

	p, err := b.Build(peripherals.BuildInput{
		ID:      "th",
		I2C:     &fakeBus{},
		Options: map[string]any{"addr": 0x39, "sequential": true},
	})
	require.NoError(t, err)
	s := p.(*Sensor)
	assert.Equal(t, "th", s.ID())
	assert.Equal(t, uint16(0x39), s.dev.Address)
	assert.True(t, s.Sequential())
}
