// Package controller is the runtime registry of a field instrument. It owns
// the controller state record and the registered peripherals, polls them once
// per tick, assembles state, data and debug variables, chunks data logs into
// bounded records, and queues logs for a cloud publisher with memory-aware
// admission and an optional durable local copy.
package controller

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"fieldlogger/component"
	"fieldlogger/errcode"
	"fieldlogger/nvstore"
	"fieldlogger/sdlog"
	"fieldlogger/x/timex"
)

// Publisher delivers queued logs to the cloud.
type Publisher interface {
	Connected() bool
	Publish(ctx context.Context, channel, text string) error
}

// TimeSyncer is implemented by publishers that can resync the wall clock.
type TimeSyncer interface {
	SyncTime(ctx context.Context) error
}

// Observer is told about queue and publish activity.
type Observer interface {
	QueueDepth(channel string, n int)
	LogMissed()
	LogPublished(channel string, err error)
	CommandHandled(variable string, ret int)
}

// Variable names handed to Options.OnVariable.
const (
	VarState    = "state"
	VarData     = "data"
	VarDebug    = "debug"
	VarStateLog = "state_log"
	VarDataLog  = "data_log"
)

type Config struct {
	Version   string
	SessionID string
	Name      string
	Defaults  State

	// ForceReset loads defaults instead of restoring persisted state.
	ForceReset bool
	PastReset  ResetKind

	LogCap          int
	MemoryReserve   int
	MemoryBudget    int
	PublishInterval time.Duration
	PublishTimeout  time.Duration
	ResetDelay      time.Duration
	SyncInterval    time.Duration

	// RequireConnection holds startup until the publisher is connected.
	RequireConnection bool
	// Passthrough exposes logs as variables instead of queueing them.
	Passthrough bool

	StateChannel string
	DataChannel  string
	StateFile    string
	DataFile     string
}

func (c *Config) setDefaults() {
	if c.Defaults.Version == 0 {
		c.Defaults = DefaultState()
	}
	if c.LogCap <= 0 {
		c.LogCap = 621
	}
	if c.MemoryReserve <= 0 {
		c.MemoryReserve = 6000
	}
	if c.MemoryBudget <= 0 {
		c.MemoryBudget = 64 * 1024
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.ResetDelay <= 0 {
		c.ResetDelay = 5 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 24 * time.Hour
	}
	if c.PastReset == 0 {
		c.PastReset = ResetUndefined
	}
	if c.StateChannel == "" {
		c.StateChannel = VarStateLog
	}
	if c.DataChannel == "" {
		c.DataChannel = VarDataLog
	}
	if c.StateFile == "" {
		c.StateFile = sdlog.StateFile
	}
	if c.DataFile == "" {
		c.DataFile = sdlog.DataFile
	}
}

// Options carries the collaborators. Only Clock is required.
type Options struct {
	Clock     timex.Clock
	Log       *slog.Logger
	Publisher Publisher
	Sink      sdlog.Sink
	Observer  Observer
	// FreeMemory reports free bytes for admission control. The default is
	// MemoryBudget minus the bytes held by queued logs.
	FreeMemory func() int
	OnVariable func(name, value string)
	Restart    func(kind ResetKind)
}

type Controller struct {
	cfg Config
	opt Options
	log *slog.Logger
	sh  *component.Shared

	store   nvstore.Store
	region  nvstore.Region
	nextOff int64
	nextIdx int
	comps   []component.Peripheral
	ids     map[string]struct{}

	st State

	startupComplete bool
	overrideLog     bool

	lastDataLog int64
	lastIdx     int

	stateStack  []string
	dataStack   []string
	queuedBytes int
	outOfMemory bool
	missed      int
	limiter     *rate.Limiter
	inflight    *publishing
	lastSync    int64

	resetKind ResetKind
	resetAt   int64

	stateFrags *component.Buffer
	dataBuf    *component.Buffer
	varBuf     *component.Buffer
	stateLog   string
	dataLog    string
	vars       map[string]string
}

// New binds the controller record to the start of store.
func New(cfg Config, store nvstore.Store, opt Options) *Controller {
	cfg.setDefaults()
	if opt.Clock == nil {
		opt.Clock = timex.NewSystem()
	}
	sh := component.NewShared(opt.Clock, opt.Log)
	c := &Controller{
		cfg:        cfg,
		opt:        opt,
		log:        sh.Log,
		sh:         sh,
		store:      store,
		ids:        map[string]struct{}{},
		st:         cfg.Defaults,
		lastIdx:    -1,
		resetKind:  ResetUndefined,
		limiter:    rate.NewLimiter(rate.Every(cfg.PublishInterval), 1),
		stateFrags: component.NewBuffer(cfg.LogCap - 50),
		dataBuf:    component.NewBuffer(cfg.LogCap - 10),
		varBuf:     component.NewBuffer(cfg.LogCap - 50),
		vars:       map[string]string{},
	}
	if cfg.Name != "" {
		c.st.setName(cfg.Name)
	}
	size := binary.Size(&c.st)
	c.region = nvstore.NewRegion(store, 0, size)
	c.nextOff = int64(size)
	sh.SetDataLogger(c.logData)
	c.syncShared()
	return c
}

// Shared exposes the registry state handed to peripherals.
func (c *Controller) Shared() *component.Shared { return c.sh }

// State returns a copy of the controller record.
func (c *Controller) State() State { return c.st }

func (c *Controller) Peripherals() []component.Peripheral { return c.comps }

func (c *Controller) StartupComplete() bool { return c.startupComplete }

// Variable returns the last posted value of a variable.
func (c *Controller) Variable(name string) string { return c.vars[name] }

// QueueLengths returns the state and data stack sizes.
func (c *Controller) QueueLengths() (state, data int) { return len(c.stateStack), len(c.dataStack) }

// Missed is the number of data logs refused since the last missed-data report.
func (c *Controller) Missed() int { return c.missed }

// OutOfMemory reports the admission state of the last data log.
func (c *Controller) OutOfMemory() bool { return c.outOfMemory }

// Register adds p, binding its non-volatile region right after the previous
// one and assigning its slot indices.
func (c *Controller) Register(p component.Peripheral) error {
	id := p.ID()
	if _, dup := c.ids[id]; dup {
		c.log.Error("component id already registered", "component", id)
		return &errcode.E{C: errcode.DuplicateID, Op: "register", Msg: id}
	}
	size := 0
	pp, persistable := p.(component.Persistable)
	if persistable {
		size = pp.StateSize()
	}
	if c.nextOff+int64(size) > c.store.Size() {
		c.log.Error("component state would exceed storage size, cannot add component", "component", id, "need", size, "free", c.store.Size()-c.nextOff)
		return &errcode.E{C: errcode.StorageFull, Op: "register", Msg: id}
	}
	if persistable {
		pp.BindRegion(nvstore.NewRegion(c.store, c.nextOff, size))
		c.nextOff += int64(size)
	}
	c.nextIdx = p.SetupSlots(c.nextIdx)
	c.ids[id] = struct{}{}
	c.comps = append(c.comps, p)
	c.log.Info("adding component to the controller", "component", id, "slots", len(p.Slots()))
	return nil
}

// Init restores all state and initialises the peripherals.
func (c *Controller) Init() error {
	c.log.Info("initializing controller", "version", c.cfg.Version, "session", c.cfg.SessionID)
	switch c.cfg.PastReset {
	case ResetRestart:
		c.log.Info("restarting per user request")
	case ResetState:
		c.log.Info("restarting for state reset")
	case ResetWatchdog:
		c.log.Warn("restarting because of watchdog")
	}
	for _, name := range []string{VarState, VarData, VarDebug} {
		c.vars[name] = "{}"
	}

	c.loadState(c.cfg.ForceReset)
	comps := c.comps
	for _, p := range comps {
		if pp, ok := p.(component.Persistable); ok {
			pp.LoadState(c.sh, c.cfg.ForceReset)
		}
	}
	c.syncShared()

	var errs []error
	for _, p := range comps {
		if in, ok := p.(component.Initializer); ok {
			if err := in.Init(c.sh); err != nil {
				c.log.Error("component init failed", "component", p.ID(), "err", err)
				errs = append(errs, err)
			}
		}
	}
	c.restartLastDataLog()
	c.log.Info("startup time", "dt", timex.FormatLog(c.opt.Clock.Now()), "free", c.freeMemory())
	return errors.Join(errs...)
}

// SetName records the device name, e.g. once the cloud reported it.
func (c *Controller) SetName(name string) {
	if len(name) > NameMax {
		name = name[:NameMax]
	}
	if name == c.st.DeviceName() {
		c.log.Info("logger name already saved", "name", name)
		return
	}
	c.st.setName(name)
	c.saveState(false)
	c.log.Info("logger name changed", "name", name)
}

// Update runs one tick: startup, scheduled data logs, the missed-data
// report, one publish, time sync, deferred reset, then every peripheral.
func (c *Controller) Update(ctx context.Context) {
	now := c.sh.Now()

	if !c.startupComplete && c.startupReady() {
		c.startupComplete = true
		c.completeStartup()
	}

	if c.startupComplete && c.timeForDataLog(now) {
		c.logAllData()
		c.restartLastDataLog()
		c.clearData(false)
	}

	if c.missed > 0 && !c.outOfMemory {
		c.log.Info("no longer out of memory but missed data logs along the way", "missed", c.missed)
		c.assembleMissedDataLog()
		c.queueStateLog()
		c.missed = 0
	}

	c.collectPublish()
	if c.inflight == nil && c.startupComplete && c.connected() && c.limiter.AllowN(c.opt.Clock.Now(), 1) {
		if len(c.stateStack) > 0 {
			c.publishTop(ctx, &c.stateStack, c.cfg.StateChannel)
		} else if len(c.dataStack) > 0 {
			c.publishTop(ctx, &c.dataStack, c.cfg.DataChannel)
		}
	}

	if ts, ok := c.opt.Publisher.(TimeSyncer); ok && c.startupComplete && c.connected() && now-c.lastSync > c.cfg.SyncInterval.Milliseconds() {
		if err := ts.SyncTime(ctx); err != nil {
			c.log.Warn("time sync failed", "err", err)
		}
		c.lastSync = now
	}

	if c.resetKind != ResetUndefined && now-c.resetAt > c.cfg.ResetDelay.Milliseconds() {
		kind := c.resetKind
		c.resetKind = ResetUndefined
		c.log.Info("restarting system", "kind", kind.String())
		if c.opt.Restart != nil {
			c.opt.Restart(kind)
		}
	}

	c.syncShared()
	comps := c.comps
	for _, p := range comps {
		if pl, ok := p.(component.Pollable); ok {
			pl.Update(c.sh)
		}
	}
	c.flushDirty()
}

// PendingReset reports a scheduled restart and when it fires.
func (c *Controller) PendingReset() (ResetKind, time.Duration, bool) {
	if c.resetKind == ResetUndefined {
		return ResetUndefined, 0, false
	}
	left := c.cfg.ResetDelay.Milliseconds() - (c.sh.Now() - c.resetAt)
	return c.resetKind, time.Duration(max(left, 0)) * time.Millisecond, true
}

// ResetAllState invalidates every persisted record so the next start loads
// defaults.
func (c *Controller) ResetAllState() {
	c.st.Version = nvstore.Invalid
	c.saveState(true)
	comps := c.comps
	for _, p := range comps {
		if pp, ok := p.(component.Persistable); ok {
			if err := pp.ResetState(c.sh); err != nil {
				c.log.Error("component state reset failed", "component", p.ID(), "err", err)
			}
		}
	}
}

func (c *Controller) startupReady() bool {
	if c.cfg.RequireConnection && !c.connected() {
		return false
	}
	return c.st.DeviceName() != "" && c.opt.Clock.Now().Year() >= 2020
}

func (c *Controller) completeStartup() {
	c.updateStateVariable()
	c.updateDataVariable()
	c.updateDebugVariable()
	if c.st.StateLogging {
		c.log.Info("start-up completed")
		c.assembleStartupLog()
		c.queueStateLog()
	} else {
		c.log.Info("start-up completed (not logged)")
	}
	comps := c.comps
	for _, p := range comps {
		if sc, ok := p.(component.StartupCompleter); ok {
			sc.CompleteStartup(c.sh)
		}
	}
}

func (c *Controller) connected() bool {
	return c.opt.Publisher != nil && c.opt.Publisher.Connected()
}

// syncShared mirrors the reader settings into the shared state.
func (c *Controller) syncShared() {
	c.sh.DataReader = c.st.DataReader
	c.sh.ReadPeriodMs = int64(c.st.ReadPeriod)
	c.sh.DebugMode = c.st.DebugMode
}

func (c *Controller) flushDirty() {
	data, debug := c.sh.TakeDirty()
	if data {
		c.updateDataVariable()
	}
	if debug {
		c.updateDebugVariable()
	}
}

func (c *Controller) loadState(reset bool) {
	if reset {
		c.log.Info("resetting controller state back to default values", "version", c.cfg.Version)
		c.saveState(false)
	} else {
		c.restoreState()
	}
	if !c.st.periodsValid() {
		d := c.cfg.Defaults
		c.log.Warn("stored log and read periods are inconsistent, using defaults",
			"log_period", PeriodText(c.st.LogPeriod, c.st.LogType), "read_period_ms", c.st.ReadPeriod)
		c.st.LogPeriod, c.st.LogType = d.LogPeriod, d.LogType
		c.st.ReadPeriod, c.st.ReadPeriodMin = d.ReadPeriod, d.ReadPeriodMin
		c.saveState(true)
	}
	if c.cfg.Name != "" && c.st.DeviceName() != c.cfg.Name {
		c.SetName(c.cfg.Name)
	}
}

func (c *Controller) restoreState() bool {
	restored, found, err := nvstore.Restore(c.region, &c.st)
	switch {
	case err != nil:
		c.log.Error("could not read controller state", "err", err)
	case restored:
		c.log.Info("successfully restored controller state from memory", "state_version", found)
	default:
		c.log.Info("could not restore state from memory, sticking with initial default", "found", found, "want", c.st.Version)
	}
	return restored
}

// saveState persists the record when state saving is on, or always.
func (c *Controller) saveState(always bool) {
	if !c.st.SaveState && !always {
		c.log.Debug("controller state NOT saved because state saving is off")
		return
	}
	if err := c.region.Put(&c.st); err != nil {
		c.log.Error("saving controller state failed", "err", err)
		return
	}
	c.log.Debug("controller state saved")
}

func (c *Controller) scheduleReset(kind ResetKind) {
	c.resetKind = kind
	c.resetAt = c.sh.Now()
}

func (c *Controller) timeForDataLog(now int64) bool {
	switch c.st.LogType {
	case LogByTime:
		return now-c.lastDataLog > int64(c.st.LogPeriod)*1000
	case LogByEvent:
		return c.st.LogPeriod > 0 && c.sh.Reads() >= int(c.st.LogPeriod)
	}
	c.log.Error("unknown logging type stored in state", "type", c.st.LogType)
	return false
}

func (c *Controller) restartLastDataLog() {
	c.lastDataLog = c.sh.Now()
	c.sh.ResetReads()
}

func (c *Controller) clearData(clearPersistent bool) {
	comps := c.comps
	for _, p := range comps {
		p.ClearData(clearPersistent)
	}
}

func (c *Controller) freeMemory() int {
	if c.opt.FreeMemory != nil {
		return c.opt.FreeMemory()
	}
	return c.cfg.MemoryBudget - c.queuedBytes
}

func (c *Controller) setVariable(name, value string) {
	c.vars[name] = value
	if c.opt.OnVariable != nil {
		c.opt.OnVariable(name, value)
	}
}
