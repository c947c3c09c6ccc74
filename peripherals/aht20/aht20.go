// Package aht20 is the AHT20 temperature/humidity peripheral. Each read
// triggers a conversion, waits out the conversion time and collects the
// frame, all from the poll loop.
package aht20

import (
	"errors"

	"tinygo.org/x/drivers"

	"fieldlogger/command"
	"fieldlogger/component"
	"fieldlogger/drivers/aht20"
	"fieldlogger/errcode"
	"fieldlogger/measure"
	"fieldlogger/peripherals"
	"fieldlogger/reader"
)

func init() { peripherals.RegisterBuilder("aht20", peripherals.BuilderFunc(build)) }

// Params are the "aht20" peripheral options.
type Params struct {
	Addr       uint16 `json:"addr"` // defaults to 0x38
	Sequential bool   `json:"sequential"`
}

func build(in peripherals.BuildInput) (component.Peripheral, error) {
	if in.I2C == nil {
		return nil, &errcode.E{C: errcode.InvalidValue, Op: "aht20.build", Msg: "no i2c bus"}
	}
	var p Params
	if err := in.Decode(&p); err != nil {
		return nil, err
	}
	s := New(in.ID, in.I2C, p.Sequential)
	if p.Addr != 0 {
		s.dev.Address = p.Addr
	}
	return s, nil
}

// Sensor is a component.Peripheral.
type Sensor struct {
	component.Base
	*reader.Machine

	dev   *aht20.Device
	temp  *measure.Slot
	hum   *measure.Slot
	last  aht20.Sample
	ready bool
}

// New returns a sensor on bus. Sequential sensors share the bus with other
// sequential readers.
func New(id string, bus drivers.I2C, sequential bool) *Sensor {
	s := &Sensor{
		Base: component.NewBase(id, true, true),
		dev:  aht20.New(bus),
	}
	s.temp = s.AddSlot(measure.New("temperature", "C", 1))
	s.hum = s.AddSlot(measure.New("humidity", "%RH", 1))
	s.Machine = reader.New(reader.Config{
		ID:         id,
		Sequential: sequential,
		TimeoutMs:  5 * aht20.ConversionMs,
	}, s)
	return s
}

// ID resolves the ambiguity between Base and Machine.
func (s *Sensor) ID() string { return s.Base.ID() }

func (s *Sensor) Init(sh *component.Shared) error {
	if err := s.dev.Init(); err != nil {
		sh.Log.Error("aht20 init failed", "component", s.ID(), "err", err)
		return err
	}
	return nil
}

func (s *Sensor) Update(sh *component.Shared) { s.Poll(sh) }

// Initiate implements reader.Driver.
func (s *Sensor) Initiate(m *reader.Machine, sh *component.Shared) {
	s.ready = false
	if err := s.dev.Trigger(); err != nil {
		m.RegisterError(sh, "trigger: "+err.Error())
	}
}

// ReadData implements reader.Driver.
func (s *Sensor) ReadData(m *reader.Machine, sh *component.Shared) {
	if sh.Now()-m.ReadStart() < aht20.ConversionMs {
		return
	}
	err := s.dev.Collect(&s.last)
	switch {
	case err == nil:
		s.ready = true
		m.Touch(sh)
		m.Complete()
	case errors.Is(err, aht20.ErrNotReady):
	case errors.Is(err, aht20.ErrCRC):
		m.RegisterError(sh, err.Error())
		if err := s.dev.Trigger(); err != nil {
			m.RegisterError(sh, "trigger: "+err.Error())
		}
	default:
		m.RegisterError(sh, "collect: "+err.Error())
	}
}

// Finish implements reader.Driver.
func (s *Sensor) Finish(_ *reader.Machine, sh *component.Shared) {
	if !s.ready {
		return
	}
	s.temp.SetNewestValue(s.last.Celsius())
	s.hum.SetNewestValue(s.last.RelHumidity())
	s.StampNewest(sh.Now())
	s.temp.Save(true)
	s.hum.Save(true)
}

// OnTimeout implements reader.TimeoutHandler.
func (s *Sensor) OnTimeout(*reader.Machine, *component.Shared) {
	s.temp.InvalidateNewest()
	s.hum.InvalidateNewest()
}

// ParseCommand triggers an out-of-schedule read on "<id>-read".
func (s *Sensor) ParseCommand(_ *component.Shared, cmd *command.Command) bool {
	if !cmd.Is(s.ID() + "-read") {
		return false
	}
	s.Trigger(reader.DefaultTriggerAttempts)
	cmd.Success(true)
	return true
}

func (s *Sensor) AssembleDebug(add func(key, value string)) {
	s.Machine.AssembleDebug(add)
}
