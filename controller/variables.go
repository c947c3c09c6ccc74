package controller

import (
	"strconv"
	"strings"

	"fieldlogger/command"
	"fieldlogger/component"
	"fieldlogger/measure"
	"fieldlogger/x/strx"
	"fieldlogger/x/timex"
)

func (c *Controller) dateTime() string { return timex.FormatLog(c.opt.Clock.Now()) }

// eligible reports whether s is reported in variables and logs.
func (c *Controller) eligible(s *measure.Slot) bool {
	return s.Enabled && (!s.DebugOnly || c.st.DebugMode)
}

func (c *Controller) updateStateVariable() {
	b := c.stateFrags
	b.Reset()
	for _, f := range []string{
		command.Bool("lock", c.st.Locked, "on", "off"),
		command.Bool("debug", c.st.DebugMode, "on", "off"),
		command.Int("tz", int(c.st.TZ)),
		command.Bool("save-state", c.st.SaveState, "on", "off"),
		command.Bool("sd-log", c.st.SDLogging, "on", "off"),
		command.Bool("state-log", c.st.StateLogging, "on", "off"),
		command.Bool("data-log", c.st.DataLogging, "on", "off"),
		logPeriodFragment(c.st.LogPeriod, c.st.LogType),
	} {
		c.addFragment(b, f)
	}
	if c.st.DataReader {
		c.addFragment(b, readPeriodFragment(c.st.ReadPeriod))
	}
	comps := c.comps
	for _, p := range comps {
		if r, ok := p.(component.StateRenderer); ok {
			r.AssembleState(func(f string) { c.addFragment(b, f) })
		}
	}
	c.postStateVariable()
}

func (c *Controller) addFragment(b *component.Buffer, f string) {
	if !b.Add(f, 0) {
		c.log.Error("variable buffer not large enough", "fragment", f)
	}
}

// postStateVariable re-renders the envelope with the current memory and
// stack sizes around the last assembled fragments.
func (c *Controller) postStateVariable() {
	var sb strings.Builder
	sb.Grow(c.cfg.LogCap)
	sb.WriteString(`{"dt":"`)
	sb.WriteString(c.dateTime())
	sb.WriteString(`","version":"`)
	sb.WriteString(strx.JSONEscape(c.cfg.Version))
	sb.WriteString(`","sid":"`)
	sb.WriteString(strx.JSONEscape(c.cfg.SessionID))
	sb.WriteString(`","mem":`)
	sb.WriteString(strconv.Itoa(c.freeMemory()))
	sb.WriteString(`,"sls":`)
	sb.WriteString(strconv.Itoa(len(c.stateStack)))
	sb.WriteString(`,"dls":`)
	sb.WriteString(strconv.Itoa(len(c.dataStack)))
	sb.WriteString(`,"s":[`)
	sb.WriteString(c.stateFrags.String())
	sb.WriteString("]}")
	c.setVariable(VarState, sb.String())
	if c.opt.Observer != nil {
		c.opt.Observer.QueueDepth(c.cfg.StateChannel, len(c.stateStack))
		c.opt.Observer.QueueDepth(c.cfg.DataChannel, len(c.dataStack))
	}
}

func (c *Controller) updateDataVariable() {
	b := c.varBuf
	b.Reset()
	comps := c.comps
	for _, p := range comps {
		for _, s := range p.Slots() {
			if c.eligible(s) {
				c.addFragment(b, s.AssembleInfo())
			}
		}
	}
	c.setVariable(VarData, `{"dt":"`+c.dateTime()+`","d":[`+b.String()+`]}`)
}

func (c *Controller) updateDebugVariable() {
	b := c.varBuf
	b.Reset()
	comps := c.comps
	for _, p := range comps {
		var sb strings.Builder
		sb.WriteString(`{"id":"`)
		sb.WriteString(strx.JSONEscape(p.ID()))
		sb.WriteByte('"')
		if r, ok := p.(component.DebugRenderer); ok {
			r.AssembleDebug(func(k, v string) {
				sb.WriteString(`,"`)
				sb.WriteString(strx.JSONEscape(k))
				sb.WriteString(`":"`)
				sb.WriteString(strx.JSONEscape(v))
				sb.WriteByte('"')
			})
		}
		sb.WriteByte('}')
		if !b.Add(sb.String(), 0) {
			c.log.Warn("debug variable buffer full", "component", p.ID())
		}
	}
	c.setVariable(VarDebug, `{"dt":"`+c.dateTime()+`","cs":[`+b.String()+`]}`)
}
