package component

import (
	"context"
	"log/slog"

	"fieldlogger/x/timex"
)

// Shared is the registry-wide mutable state handed to every peripheral on
// each call. It is only touched from the poll goroutine.
type Shared struct {
	Clock timex.Clock
	Log   *slog.Logger

	// Controller settings mirrored for readers.
	DataReader   bool
	ReadPeriodMs int64 // 0 means manual
	DebugMode    bool

	seqInProgress bool
	seqIdleSet    bool
	seqIdleStart  int64

	dataDirty  bool
	debugDirty bool
	reads      int
	logData    func(Peripheral)
}

// NewShared returns state with a discard logger when log is nil.
func NewShared(clock timex.Clock, log *slog.Logger) *Shared {
	if log == nil {
		log = slog.New(discard{})
	}
	return &Shared{Clock: clock, Log: log}
}

func (s *Shared) Now() int64 { return s.Clock.Millis() }

// Manual reports whether readers only read on explicit triggers.
func (s *Shared) Manual() bool { return s.ReadPeriodMs == 0 }

// SequentialInProgress reports whether a sequential reader holds the token.
func (s *Shared) SequentialInProgress() bool { return s.seqInProgress }

// ClaimSequential takes the sequential group token. It returns false when
// another reader already holds it.
func (s *Shared) ClaimSequential() bool {
	if s.seqInProgress {
		return false
	}
	s.seqInProgress = true
	s.seqIdleSet = false
	return true
}

func (s *Shared) ReleaseSequential() { s.seqInProgress = false }

// SequentialIdleSince returns when the sequential group last became idle.
func (s *Shared) SequentialIdleSince() (int64, bool) { return s.seqIdleStart, s.seqIdleSet }

// MarkSequentialIdle stamps the group idle clock if it is not running yet.
func (s *Shared) MarkSequentialIdle() {
	if !s.seqIdleSet {
		s.seqIdleSet = true
		s.seqIdleStart = s.Now()
	}
}

// RestartSequentialIdle restarts the group idle clock, e.g. on stray bytes.
func (s *Shared) RestartSequentialIdle() {
	s.seqIdleSet = true
	s.seqIdleStart = s.Now()
}

// MarkDataChanged asks the registry to refresh the data and debug variables
// after this tick.
func (s *Shared) MarkDataChanged() {
	s.dataDirty = true
	s.debugDirty = true
}

// MarkDebugChanged asks the registry to refresh the debug variable.
func (s *Shared) MarkDebugChanged() { s.debugDirty = true }

// CountRead records one completed read for event-based logging.
func (s *Shared) CountRead() { s.reads++ }

// SetDataLogger installs the registry's immediate data log function.
func (s *Shared) SetDataLogger(fn func(Peripheral)) { s.logData = fn }

// LogData emits p's data log right away, outside the log schedule.
func (s *Shared) LogData(p Peripheral) {
	if s.logData != nil {
		s.logData(p)
	}
}

// TakeDirty returns and clears the refresh flags.
func (s *Shared) TakeDirty() (data, debug bool) {
	data, debug = s.dataDirty, s.debugDirty
	s.dataDirty, s.debugDirty = false, false
	return
}

// Reads is the number of completed reads since ResetReads.
func (s *Shared) Reads() int  { return s.reads }
func (s *Shared) ResetReads() { s.reads = 0 }

type discard struct{}

func (discard) Enabled(context.Context, slog.Level) bool  { return false }
func (discard) Handle(context.Context, slog.Record) error { return nil }
func (d discard) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discard) WithGroup(string) slog.Handler           { return d }
