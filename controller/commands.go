package controller

import (
	"math"

	"fieldlogger/command"
	"fieldlogger/component"
	"fieldlogger/errcode"
)

// ReceiveCommand parses and applies one operator command and returns its
// integer result code.
func (c *Controller) ReceiveCommand(raw string) int {
	cmd := command.Parse(raw)
	c.log.Info("command parsing", "command", cmd.Raw)
	c.parseCommand(cmd)
	if !cmd.Defined() {
		cmd.ErrorCommand()
	}
	if cmd.Return() != 0 {
		c.log.Info("command processed", "command", cmd.Raw, "type", cmd.Type, "ret", cmd.Return(), "msg", cmd.Msg)
	} else {
		c.log.Info("command processed", "command", cmd.Raw, "type", cmd.Type, "ret", 0)
	}

	if c.cfg.Passthrough {
		c.overrideLog = true
	}
	if c.st.StateLogging || c.overrideLog {
		c.assembleStateLog(cmd)
		c.queueStateLog()
	}
	c.overrideLog = false

	if cmd.Changed() {
		c.updateStateVariable()
	}
	c.syncShared()
	c.flushDirty()
	if c.opt.Observer != nil {
		c.opt.Observer.CommandHandled(cmd.Variable, cmd.Return())
	}
	return cmd.Return()
}

func (c *Controller) parseCommand(cmd *command.Command) {
	for _, parse := range []func(*command.Command) bool{
		c.parseLocked,
		c.parseDebug,
		c.parseTimezone,
		c.parseStateSaving,
		c.parseSDLogging,
		c.parseSDTest,
		c.parseStateLogging,
		c.parseDataLogging,
		c.parseDataLoggingPeriod,
		c.parseDataReadingPeriod,
		c.parseReset,
		c.parseRestart,
		c.parsePage,
	} {
		if parse(cmd) {
			return
		}
	}
	comps := c.comps
	for _, p := range comps {
		if cp, ok := p.(component.CommandParser); ok && cp.ParseCommand(c.sh, cmd) {
			return
		}
	}
}

// parseOnOff handles "<variable> on|off"; anything else stays undefined.
func parseOnOff(cmd *command.Command, change func(bool) bool) {
	switch cmd.ExtractValue() {
	case "on":
		cmd.Success(change(true))
	case "off":
		cmd.Success(change(false))
	}
}

func (c *Controller) parseLocked(cmd *command.Command) bool {
	if cmd.Is("lock") {
		parseOnOff(cmd, c.changeLocked)
		cmd.Data = command.Bool("lock", c.st.Locked, "on", "off")
	} else if c.st.Locked {
		cmd.ErrorLocked()
	}
	return cmd.Defined()
}

func (c *Controller) parseDebug(cmd *command.Command) bool {
	if cmd.Is("debug") {
		parseOnOff(cmd, c.changeDebug)
		cmd.Data = command.Bool("debug", c.st.DebugMode, "on", "off")
	}
	return cmd.Defined()
}

func (c *Controller) parseTimezone(cmd *command.Command) bool {
	if cmd.Is("tz") {
		v := cmd.ExtractValue()
		tz, ok := cmd.IntValue()
		if ok && tz >= math.MinInt8 && tz <= math.MaxInt8 && (tz != 0 || (v != "" && v[0] == '0')) {
			cmd.Success(c.changeTimezone(int8(tz)))
		} else {
			cmd.ErrorValue()
		}
		cmd.Data = command.Int("tz", int(c.st.TZ))
	}
	return cmd.Defined()
}

func (c *Controller) parseStateSaving(cmd *command.Command) bool {
	if cmd.Is("save-state") {
		parseOnOff(cmd, c.changeStateSaving)
		cmd.Data = command.Bool("save-state", c.st.SaveState, "on", "off")
	}
	return cmd.Defined()
}

func (c *Controller) parseSDLogging(cmd *command.Command) bool {
	if cmd.Is("sd-log") {
		if c.opt.Sink == nil {
			cmd.Error(errcode.SDDisabled)
		} else {
			parseOnOff(cmd, c.changeSDLogging)
		}
		cmd.Data = command.Bool("sd-log", c.st.SDLogging, "on", "off")
	}
	return cmd.Defined()
}

// parseSDTest writes a probe line to the durable log.
func (c *Controller) parseSDTest(cmd *command.Command) bool {
	if cmd.Is("sd-test") {
		switch {
		case c.opt.Sink == nil:
			cmd.Error(errcode.SDDisabled)
		case !c.opt.Sink.Available():
			cmd.Error(errcode.SDUnavailable)
		default:
			if err := c.opt.Sink.Append("test.txt", c.dateTime()+" sd-test"); err != nil {
				c.log.Error("SD card test failed", "err", err)
				cmd.Error(errcode.SDTestFailed)
			} else {
				cmd.Success(true)
			}
		}
		cmd.Data = command.Quoted("sd-test", "write")
	}
	return cmd.Defined()
}

func (c *Controller) parseStateLogging(cmd *command.Command) bool {
	if cmd.Is("state-log") {
		parseOnOff(cmd, c.changeStateLogging)
		cmd.Data = command.Bool("state-log", c.st.StateLogging, "on", "off")
	}
	return cmd.Defined()
}

func (c *Controller) parseDataLogging(cmd *command.Command) bool {
	if cmd.Is("data-log") {
		parseOnOff(cmd, c.changeDataLogging)
		cmd.Data = command.Bool("data-log", c.st.DataLogging, "on", "off")
	}
	return cmd.Defined()
}

func (c *Controller) parseDataLoggingPeriod(cmd *command.Command) bool {
	if !cmd.Is("log-period") {
		return cmd.Defined()
	}
	cmd.ExtractValue()
	period, ok := cmd.IntValue()
	if !ok || period <= 0 {
		cmd.ErrorValue()
	} else {
		typ, scale := LogByTime, 1
		switch cmd.ExtractUnits() {
		case "x":
			typ = LogByEvent
		case "s":
		case "m":
			scale = 60
		case "h":
			scale = 3600
		default:
			cmd.ErrorUnits()
		}
		if !cmd.Defined() {
			seconds, fits := scalePeriod(period, scale)
			switch {
			case !fits:
				cmd.ErrorValue()
			case typ == LogByEvent || uint64(seconds)*1000 > uint64(c.st.ReadPeriod):
				cmd.Success(c.changeDataLoggingPeriod(seconds, typ))
			default:
				cmd.Error(errcode.LogSmallerThanRead)
			}
		}
	}
	cmd.Data = logPeriodFragment(c.st.LogPeriod, c.st.LogType)
	return cmd.Defined()
}

func (c *Controller) parseDataReadingPeriod(cmd *command.Command) bool {
	if !cmd.Is("read-period") {
		return cmd.Defined()
	}
	cmd.ExtractValue()
	switch {
	case !c.st.DataReader:
		cmd.Error(errcode.NotAReader)
	case cmd.ValueIs("manual"):
		cmd.Success(c.changeDataReadingPeriod(0))
	default:
		period, ok := cmd.IntValue()
		if !ok || period <= 0 {
			cmd.ErrorValue()
			break
		}
		scale := 1
		switch cmd.ExtractUnits() {
		case "ms":
		case "s":
			scale = 1000
		case "m":
			scale = 60 * 1000
		default:
			cmd.ErrorUnits()
		}
		if cmd.Defined() {
			break
		}
		ms, fits := scalePeriod(period, scale)
		switch {
		case !fits:
			cmd.ErrorValue()
		case ms < c.st.ReadPeriodMin:
			cmd.Error(errcode.ReadBelowMin)
		case c.st.LogType == LogByTime && uint64(c.st.LogPeriod)*1000 <= uint64(ms):
			cmd.Error(errcode.LogSmallerThanRead)
		default:
			cmd.Success(c.changeDataReadingPeriod(ms))
		}
	}
	if c.st.DataReader {
		cmd.Data = readPeriodFragment(c.st.ReadPeriod)
	}
	return cmd.Defined()
}

// scalePeriod multiplies a positive period by scale, failing when the result
// does not fit the stored uint32.
func scalePeriod(period, scale int) (uint32, bool) {
	if period <= 0 || uint64(period) > math.MaxUint32/uint64(scale) {
		return 0, false
	}
	return uint32(uint64(period) * uint64(scale)), true
}

func (c *Controller) parseReset(cmd *command.Command) bool {
	if !cmd.Is("reset") {
		return cmd.Defined()
	}
	switch cmd.ExtractValue() {
	case "data":
		c.restartLastDataLog()
		c.clearData(true)
		c.updateDataVariable()
		cmd.Success(true)
		cmd.Data = command.Quoted("reset", "data")
	case "state":
		c.ResetAllState()
		cmd.Success(true)
		cmd.Data = command.Quoted("reset", "state")
		cmd.SetMessage("restarting system...")
		c.scheduleReset(ResetState)
	}
	return cmd.Defined()
}

func (c *Controller) parseRestart(cmd *command.Command) bool {
	if cmd.Is("restart") {
		cmd.Success(true)
		cmd.Data = `{"k":"restart"}`
		cmd.SetMessage("restarting system...")
		c.scheduleReset(ResetRestart)
	}
	return cmd.Defined()
}

// parsePage answers display paging; this runtime has a single page.
func (c *Controller) parsePage(cmd *command.Command) bool {
	if cmd.Is("page") {
		cmd.Error(errcode.NoPages)
	}
	return cmd.Defined()
}

func (c *Controller) changeLocked(on bool) bool {
	changed := on != c.st.Locked
	if changed {
		c.st.Locked = on
		c.saveState(false)
	}
	c.log.Debug("lock", "on", on, "changed", changed)
	return changed
}

func (c *Controller) changeDebug(on bool) bool {
	changed := on != c.st.DebugMode
	if changed {
		c.st.DebugMode = on
		c.saveState(false)
		c.syncShared()
		c.updateDataVariable()
		c.updateDebugVariable()
	}
	c.log.Debug("debug mode", "on", on, "changed", changed)
	return changed
}

func (c *Controller) changeTimezone(tz int8) bool {
	changed := tz != c.st.TZ
	if changed {
		c.st.TZ = tz
		c.saveState(false)
	}
	c.log.Debug("timezone", "tz", tz, "changed", changed)
	return changed
}

// changeStateSaving always persists so that turning saving off sticks.
func (c *Controller) changeStateSaving(on bool) bool {
	changed := on != c.st.SaveState
	if changed {
		c.st.SaveState = on
		c.saveState(true)
	}
	c.log.Debug("save state", "on", on, "changed", changed)
	return changed
}

func (c *Controller) changeSDLogging(on bool) bool {
	changed := on != c.st.SDLogging
	if changed {
		c.st.SDLogging = on
		c.saveState(false)
	}
	c.log.Debug("sd logging", "on", on, "changed", changed)
	return changed
}

// changeStateLogging logs its own change even when turning logging off.
func (c *Controller) changeStateLogging(on bool) bool {
	changed := on != c.st.StateLogging
	if changed {
		c.st.StateLogging = on
		c.overrideLog = true
		c.saveState(false)
	}
	c.log.Debug("state logging", "on", on, "changed", changed)
	return changed
}

func (c *Controller) changeDataLogging(on bool) bool {
	changed := on != c.st.DataLogging
	if changed {
		c.st.DataLogging = on
		if on {
			comps := c.comps
			for _, p := range comps {
				if a, ok := p.(component.DataLoggingActivator); ok {
					a.ActivateDataLogging(c.sh)
				}
			}
		}
		c.saveState(false)
		if on {
			c.clearData(true)
		}
	}
	c.log.Debug("data logging", "on", on, "changed", changed)
	return changed
}

func (c *Controller) changeDataLoggingPeriod(period uint32, typ uint8) bool {
	changed := period != c.st.LogPeriod || typ != c.st.LogType
	if changed {
		c.st.LogPeriod, c.st.LogType = period, typ
		c.saveState(false)
	}
	c.log.Debug("data logging period", "period", PeriodText(period, typ), "changed", changed)
	return changed
}

func (c *Controller) changeDataReadingPeriod(ms uint32) bool {
	if !c.st.DataReader {
		c.log.Error("not a data reader, cannot change reading period")
		return false
	}
	changed := ms != c.st.ReadPeriod
	if changed {
		c.st.ReadPeriod = ms
		c.saveState(false)
		c.syncShared()
	}
	c.log.Debug("data reading period", "ms", ms, "changed", changed)
	return changed
}
