// Package reader is the polling state machine shared by every data-reading
// peripheral. A peripheral owns a Machine and supplies a Driver for the
// transport-specific steps; the Machine decides when to request, wait,
// complete or time out. Every call to Poll is one finite, non-blocking step.
package reader

import (
	"strconv"

	"fieldlogger/component"
)

// State of one read cycle.
type State uint8

const (
	Idle State = iota
	Requested
	Waiting
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case Waiting:
		return "waiting"
	case Complete:
		return "complete"
	}
	return "unknown"
}

const (
	// DefaultTriggerAttempts bounds retries of an out-of-schedule read.
	DefaultTriggerAttempts = 10
	// DefaultTimeoutMs applies to manual readers without their own timeout.
	DefaultTimeoutMs = 1000
)

// Driver performs the transport-specific steps.
type Driver interface {
	// Initiate starts a read. The machine is already WAITING.
	Initiate(m *Machine, sh *component.Shared)
	// ReadData consumes input while WAITING and calls m.Complete once a
	// full reading arrived.
	ReadData(m *Machine, sh *component.Shared)
	// Finish commits newest values after a completed read. Use m.Errors()
	// to decide whether the reading is trustworthy.
	Finish(m *Machine, sh *component.Shared)
}

// IdleReader is called on polls where no request is due.
type IdleReader interface {
	IdleRead(m *Machine, sh *component.Shared)
}

// TimeoutHandler is told about every timed out read.
type TimeoutHandler interface {
	OnTimeout(m *Machine, sh *component.Shared)
}

// FailureHandler is told when a triggered read exhausted its attempts.
type FailureHandler interface {
	OnFailedTriggeredRead(m *Machine, sh *component.Shared)
}

type Config struct {
	ID string
	// Sequential readers share one exclusive transport; at most one of
	// them is in REQUESTED or WAITING at a time.
	Sequential bool
	// MinRequestDelayMs is the quiet time required since the last received
	// byte (and since the group went idle) before a new request.
	MinRequestDelayMs int64
	// TimeoutMs, when set, times out a read measured from the last received
	// data instead of from the read start against the read period.
	TimeoutMs int64
}

type Machine struct {
	cfg Config
	drv Driver

	state       State
	holds       bool
	attempts    int
	errors      int
	readStart   int64
	lastReceive int64

	timeouts int
	failed   int
}

func New(cfg Config, drv Driver) *Machine {
	return &Machine{cfg: cfg, drv: drv}
}

func (m *Machine) ID() string          { return m.cfg.ID }
func (m *Machine) State() State        { return m.state }
func (m *Machine) Sequential() bool    { return m.cfg.Sequential }
func (m *Machine) Attempts() int       { return m.attempts }
func (m *Machine) Errors() int         { return m.errors }
func (m *Machine) Timeouts() int       { return m.timeouts }
func (m *Machine) FailedTriggers() int { return m.failed }
func (m *Machine) ReadStart() int64    { return m.readStart }
func (m *Machine) LastReceive() int64  { return m.lastReceive }

// Triggered reports whether an out-of-schedule read is pending.
func (m *Machine) Triggered() bool { return m.attempts > 0 }

// Trigger requests a read outside the schedule with a retry budget.
func (m *Machine) Trigger(attempts int) {
	if attempts <= 0 {
		attempts = DefaultTriggerAttempts
	}
	m.attempts = attempts
}

// Poll advances the machine by one step.
func (m *Machine) Poll(sh *component.Shared) {
	if !sh.DataReader {
		return
	}
	switch {
	case m.state == Complete:
		m.attempts = 0
		m.complete(sh)
	case m.state == Waiting && m.timedOut(sh):
		m.handleTimeout(sh)
		if m.attempts > 1 {
			m.attempts--
		} else if m.attempts == 1 {
			m.attempts = 0
			m.handleFailed(sh)
		}
	case m.state == Waiting:
		m.drv.ReadData(m, sh)
	case m.state == Idle && (!m.cfg.Sequential || !sh.SequentialInProgress()):
		if m.timeForRequest(sh) {
			m.request(sh)
			return
		}
		if ir, ok := m.drv.(IdleReader); ok {
			ir.IdleRead(m, sh)
		}
		if m.cfg.Sequential {
			sh.MarkSequentialIdle()
		}
	case m.state == Requested:
		m.initiate(sh)
	}
}

// Complete marks the pending read as fully received.
func (m *Machine) Complete() {
	if m.state == Waiting {
		m.state = Complete
	}
}

// Touch records that data arrived now.
func (m *Machine) Touch(sh *component.Shared) { m.lastReceive = sh.Now() }

// RegisterError counts a transient read error; the read continues.
func (m *Machine) RegisterError(sh *component.Shared, reason string) {
	m.errors++
	sh.Log.Warn("read error", "component", m.cfg.ID, "count", m.errors, "reason", reason)
	sh.MarkDebugChanged()
}

// ReturnToIdle abandons the current read and releases the group token.
func (m *Machine) ReturnToIdle(sh *component.Shared) {
	m.state = Idle
	if m.holds {
		sh.ReleaseSequential()
		m.holds = false
	}
}

// AssembleDebug reports the error count of the last read.
func (m *Machine) AssembleDebug(add func(key, value string)) {
	add("e", strconv.Itoa(m.errors))
}

func (m *Machine) timeForRequest(sh *component.Shared) bool {
	now := sh.Now()
	if m.cfg.Sequential {
		if _, idle := sh.SequentialIdleSince(); !idle {
			return false
		}
	}
	due := m.attempts > 0 || (!sh.Manual() && now-m.readStart > sh.ReadPeriodMs)
	return due && m.pastRequestDelay(sh, now)
}

func (m *Machine) pastRequestDelay(sh *component.Shared, now int64) bool {
	d := m.cfg.MinRequestDelayMs
	if d <= 0 {
		return true
	}
	if now-m.lastReceive <= d {
		return false
	}
	if m.cfg.Sequential {
		since, _ := sh.SequentialIdleSince()
		return now-since > d
	}
	return true
}

func (m *Machine) timedOut(sh *component.Shared) bool {
	now := sh.Now()
	if m.cfg.TimeoutMs > 0 {
		return now-m.lastReceive > m.cfg.TimeoutMs
	}
	limit := sh.ReadPeriodMs
	if limit <= 0 {
		limit = DefaultTimeoutMs
	}
	return now-m.readStart > limit
}

// request enters REQUESTED. Sequential readers take the group token here so
// no sibling can enter REQUESTED in the same tick.
func (m *Machine) request(sh *component.Shared) {
	if m.cfg.Sequential {
		if !sh.ClaimSequential() {
			return
		}
		m.holds = true
	}
	m.state = Requested
	sh.Log.Debug("time for data request", "component", m.cfg.ID, "at", sh.Now())
}

func (m *Machine) initiate(sh *component.Shared) {
	now := sh.Now()
	m.readStart = now
	m.lastReceive = now
	m.errors = 0
	m.state = Waiting
	sh.Log.Debug("starting data read", "component", m.cfg.ID, "sequential", m.cfg.Sequential, "manual", sh.Manual())
	m.drv.Initiate(m, sh)
}

func (m *Machine) complete(sh *component.Shared) {
	sh.Log.Debug("finished data read", "component", m.cfg.ID, "errors", m.errors)
	m.ReturnToIdle(sh)
	m.drv.Finish(m, sh)
	sh.CountRead()
	sh.MarkDataChanged()
}

func (m *Machine) handleTimeout(sh *component.Shared) {
	m.timeouts++
	if m.attempts > 0 {
		sh.Log.Warn("triggered data reading period exceeded", "component", m.cfg.ID, "errors", m.errors, "attempts_left", m.attempts-1)
	} else {
		sh.Log.Warn("data reading period exceeded", "component", m.cfg.ID, "errors", m.errors)
	}
	if th, ok := m.drv.(TimeoutHandler); ok {
		th.OnTimeout(m, sh)
	}
	m.ReturnToIdle(sh)
	sh.MarkDebugChanged()
}

func (m *Machine) handleFailed(sh *component.Shared) {
	m.failed++
	sh.Log.Error("failed triggered data read", "component", m.cfg.ID)
	if fh, ok := m.drv.(FailureHandler); ok {
		fh.OnFailedTriggeredRead(m, sh)
	}
}
