package controller

import (
	"bytes"
	"math"
	"strconv"

	"fieldlogger/command"
)

// StateVersion of the controller record. Bump on any layout change.
const StateVersion uint8 = 5

// NameMax is the longest device name kept in the record.
const NameMax = 20

// Data log period types.
const (
	LogByTime  uint8 = 0 // LogPeriod in seconds
	LogByEvent uint8 = 1 // LogPeriod in completed reads
)

// ResetKind says why the runtime last restarted.
type ResetKind uint8

const (
	ResetUndefined ResetKind = 1
	ResetRestart   ResetKind = 2
	ResetState     ResetKind = 3
	ResetWatchdog  ResetKind = 4
)

func (k ResetKind) String() string {
	switch k {
	case ResetRestart:
		return "restart"
	case ResetState:
		return "state"
	case ResetWatchdog:
		return "watchdog"
	}
	return "undefined"
}

// State is the persisted controller record. Layout is fixed; Version first.
type State struct {
	Version       uint8
	Locked        bool
	TZ            int8
	SaveState     bool
	SDLogging     bool
	StateLogging  bool
	DataLogging   bool
	LogPeriod     uint32
	LogType       uint8
	DataReader    bool
	ReadPeriodMin uint32 // ms
	ReadPeriod    uint32 // ms, 0 is manual
	DebugMode     bool
	Name          [NameMax + 1]byte
}

func (s *State) StateVersion() uint8 { return s.Version }

// DeviceName returns the stored name.
func (s State) DeviceName() string {
	if i := bytes.IndexByte(s.Name[:], 0); i >= 0 {
		return string(s.Name[:i])
	}
	return string(s.Name[:])
}

func (s *State) setName(name string) {
	s.Name = [NameMax + 1]byte{}
	copy(s.Name[:NameMax], name)
}

// DefaultState returns the defaults of a data reading controller.
func DefaultState() State {
	return State{
		Version:       StateVersion,
		SaveState:     true,
		StateLogging:  true,
		DataLogging:   true,
		LogPeriod:     60,
		LogType:       LogByTime,
		DataReader:    true,
		ReadPeriodMin: 200,
		ReadPeriod:    5000,
	}
}

// periodsValid reports whether the log period is longer than the read period
// and the read period is not below its minimum.
func (s *State) periodsValid() bool {
	if s.LogType != LogByTime && s.LogType != LogByEvent {
		return false
	}
	if !s.DataReader {
		return true
	}
	if s.ReadPeriod != 0 && s.ReadPeriod < s.ReadPeriodMin {
		return false
	}
	return s.LogType == LogByEvent || uint64(s.LogPeriod)*1000 > uint64(s.ReadPeriod)
}

// logPeriodFragment renders log-period with the largest whole unit.
func logPeriodFragment(period uint32, typ uint8) string {
	if typ == LogByEvent {
		return command.IntUnits("log-period", int(period), "x")
	}
	v, u := scalePeriodUnits(int64(period), []unitStep{{86400, 50, "d"}, {3600, 5, "h"}, {60, 2, "m"}}, "s")
	return command.IntUnits("log-period", int(v), u)
}

// readPeriodFragment renders read-period; 0 is manual.
func readPeriodFragment(ms uint32) string {
	if ms == 0 {
		return command.Quoted("read-period", "manual")
	}
	v, u := scalePeriodUnits(int64(ms), []unitStep{{86400000, 50000, "d"}, {3600000, 5000, "h"}, {60000, 500, "m"}, {1000, 5, "s"}}, "ms")
	return command.IntUnits("read-period", int(v), u)
}

type unitStep struct {
	size, tolerance int64
	unit            string
}

// scalePeriodUnits picks the first unit that divides v within tolerance.
func scalePeriodUnits(v int64, steps []unitStep, base string) (int64, string) {
	for _, st := range steps {
		if v >= st.size && v%st.size < st.tolerance {
			return int64(math.Round(float64(v) / float64(st.size))), st.unit
		}
	}
	return v, base
}

// PeriodText renders a period for logs, e.g. "5m" or "3x".
func PeriodText(period uint32, typ uint8) string {
	if typ == LogByEvent {
		return strconv.Itoa(int(period)) + "x"
	}
	v, u := scalePeriodUnits(int64(period), []unitStep{{86400, 50, "d"}, {3600, 5, "h"}, {60, 2, "m"}}, "s")
	return strconv.FormatInt(v, 10) + u
}
