package controller

import (
	"context"
	"strconv"
	"strings"

	"fieldlogger/command"
	"fieldlogger/component"
	"fieldlogger/x/strx"
)

// dataLogReserve is the minimum room kept for the data log envelope.
const dataLogReserve = 50

func (c *Controller) logAllData() {
	if !c.st.DataLogging && !c.cfg.Passthrough {
		c.log.Debug("data log is turned off, continue without logging")
		return
	}
	comps := c.comps
	for _, p := range comps {
		c.logData(p)
	}
}

// logData emits every slot of p that holds data, chunked into as many
// records as needed, in index order.
func (c *Controller) logData(p component.Peripheral) {
	c.lastIdx = -1
	for c.assembleDataLog(p) {
		c.queueDataLog()
	}
}

// assembleDataLog builds the next chunk starting after lastIdx. It returns
// false once no slot with data is left.
func (c *Controller) assembleDataLog(p component.Peripheral) bool {
	slots := p.Slots()
	first := c.lastIdx + 1
	if first >= len(slots) {
		return false
	}
	found := false
	for _, s := range slots[first:] {
		if c.eligible(s) && s.N() > 0 {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	shared := p.SameTimeOffset()
	reserve := max(dataLogReserve, c.envelopeSize(shared))
	now := c.sh.Now()
	c.dataBuf.Reset()
	c.dataLog = ""
	offsetFrom := -1
	for i := first; i < len(slots); i++ {
		s := slots[i]
		if c.eligible(s) {
			if frag, ok := s.AssembleLog(now, !shared); ok {
				if !c.dataBuf.Add(frag, reserve) {
					if !c.dataBuf.Empty() {
						break
					}
					c.log.Error("data fragment does not fit into an empty data log, skipping", "component", p.ID(), "slot", s.Name, "len", len(frag))
				} else if offsetFrom < 0 {
					offsetFrom = i
				}
			}
		}
		c.lastIdx = i
	}
	if c.dataBuf.Empty() {
		return true
	}

	var sb strings.Builder
	sb.Grow(c.cfg.LogCap)
	sb.WriteString(`{"id":"`)
	sb.WriteString(strx.JSONEscape(c.st.DeviceName()))
	sb.WriteString(`","dt":"`)
	sb.WriteString(c.dateTime())
	sb.WriteByte('"')
	if shared {
		sb.WriteString(`,"to":`)
		sb.WriteString(strconv.FormatInt(max(now-slots[offsetFrom].DataTime(), 0), 10))
	}
	sb.WriteString(`,"d":[`)
	sb.WriteString(c.dataBuf.String())
	sb.WriteString("]}")
	if sb.Len() >= c.cfg.LogCap {
		c.log.Error("data log buffer not large enough for data log", "len", sb.Len())
	}
	c.dataLog = sb.String()
	return true
}

// envelopeSize is the data log length without fragments, with the widest
// time offset.
func (c *Controller) envelopeSize(shared bool) int {
	n := len(`{"id":"","dt":"","d":[]}`) + len(strx.JSONEscape(c.st.DeviceName())) + len(c.dateTime())
	if shared {
		n += len(`,"to":`) + 20
	}
	return n
}

func (c *Controller) queueDataLog() {
	switch {
	case !c.st.DataLogging && !c.cfg.Passthrough:
		c.log.Warn("no data log queued because data logging is OFF")
	case c.dataLog == "":
		c.log.Warn("no data log queued because there is none")
	case !c.startupComplete:
		c.log.Warn("data log NOT queued because startup is not yet complete", "log", c.dataLog)
	case c.cfg.Passthrough:
		c.log.Debug("passthrough: data log exposed as variable", "log", c.dataLog)
		c.setVariable(VarDataLog, c.dataLog)
	case c.freeMemory() < c.cfg.MemoryReserve:
		c.outOfMemory = true
		c.missed++
		c.log.Warn("data log NOT queued because free memory < memory reserve",
			"reserve", c.cfg.MemoryReserve, "missed", c.missed)
		if c.opt.Observer != nil {
			c.opt.Observer.LogMissed()
		}
	default:
		c.outOfMemory = false
		c.dataStack = append(c.dataStack, c.dataLog)
		c.queuedBytes += len(c.dataLog)
		c.log.Debug("added log to data log stack", "n", len(c.dataStack))
	}
	c.mirror(c.cfg.DataFile, c.dataLog)
	c.postStateVariable()
}

func (c *Controller) queueStateLog() {
	switch {
	case !c.startupComplete:
		c.log.Warn("state log NOT queued because startup is not yet complete", "log", c.stateLog)
	case c.cfg.Passthrough:
		c.log.Debug("passthrough: state log exposed as variable", "log", c.stateLog)
		c.setVariable(VarStateLog, c.stateLog)
	default:
		c.stateStack = append(c.stateStack, c.stateLog)
		c.queuedBytes += len(c.stateLog)
		c.log.Debug("added log to state log stack", "n", len(c.stateStack))
	}
	c.mirror(c.cfg.StateFile, c.stateLog)
	c.postStateVariable()
}

// mirror copies a record to the durable local log when SD logging is on.
func (c *Controller) mirror(file, text string) {
	if !c.st.SDLogging || text == "" || c.opt.Sink == nil {
		return
	}
	if !c.opt.Sink.Available() {
		c.log.Warn("SD card not available, log not stored locally", "file", file)
		return
	}
	if err := c.opt.Sink.Append(file, text); err != nil {
		c.log.Error("could not write to SD card", "file", file, "err", err)
	}
}

// publishing is a record handed to the publisher. The record stays on its
// stack at index until the result is collected; later records only stack
// above it.
type publishing struct {
	stack   *[]string
	index   int
	channel string
	done    chan struct{}
	err     error
}

// publishTop hands the newest record of stack to the publisher on its own
// goroutine so a slow link never stalls the poll loop.
func (c *Controller) publishTop(ctx context.Context, stack *[]string, channel string) {
	s := *stack
	p := &publishing{
		stack:   stack,
		index:   len(s) - 1,
		channel: channel,
		done:    make(chan struct{}),
	}
	text := s[p.index]
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	go func() {
		defer close(p.done)
		defer cancel()
		p.err = c.opt.Publisher.Publish(pctx, channel, text)
	}()
	c.inflight = p
}

// collectPublish pops the in-flight record once its publish succeeded. A
// failed record stays in place for the next attempt.
func (c *Controller) collectPublish() {
	p := c.inflight
	if p == nil {
		return
	}
	select {
	case <-p.done:
	default:
		return
	}
	c.inflight = nil
	s := *p.stack
	if c.opt.Observer != nil {
		c.opt.Observer.LogPublished(p.channel, p.err)
	}
	if p.err != nil {
		c.log.Warn("publishing log failed", "channel", p.channel, "n", len(s), "err", p.err)
		return
	}
	c.queuedBytes -= len(s[p.index])
	*p.stack = append(s[:p.index], s[p.index+1:]...)
	c.log.Debug("published log", "channel", p.channel, "n", len(*p.stack))
	c.postStateVariable()
}

// assembleStateLog renders the state log of cmd.
func (c *Controller) assembleStateLog(cmd *command.Command) {
	data := cmd.Data
	if data == "" {
		data = "{}"
	}
	var sb strings.Builder
	sb.Grow(c.cfg.LogCap)
	sb.WriteString(`{"id":"`)
	sb.WriteString(strx.JSONEscape(c.st.DeviceName()))
	sb.WriteString(`","dt":"`)
	sb.WriteString(c.dateTime())
	sb.WriteString(`","t":"`)
	sb.WriteString(strx.JSONEscape(cmd.Type))
	sb.WriteString(`","s":[`)
	sb.WriteString(data)
	sb.WriteString(`],"m":"`)
	sb.WriteString(strx.JSONEscape(cmd.Msg))
	sb.WriteString(`","n":"`)
	sb.WriteString(strx.JSONEscape(cmd.Notes))
	sb.WriteString(`"}`)
	if sb.Len() >= c.cfg.LogCap {
		c.log.Error("state log buffer not large enough for state log", "len", sb.Len())
	}
	c.stateLog = sb.String()
}

func (c *Controller) assembleStartupLog() {
	cmd := &command.Command{Type: command.TypeStartup, Data: command.Quoted("startup", "complete")}
	switch c.cfg.PastReset {
	case ResetRestart:
		cmd.Msg = "after user-requested restart"
	case ResetState:
		cmd.Msg = "for user-requested state reset"
	case ResetWatchdog:
		cmd.Msg = "triggered by application watchdog"
	}
	c.assembleStateLog(cmd)
}

func (c *Controller) assembleMissedDataLog() {
	c.assembleStateLog(&command.Command{
		Type: command.TypeError,
		Data: command.Quoted("missed_data_logs", strconv.Itoa(c.missed)),
		Msg:  "lack of cloud connection and low memory lead to missing data logs",
	})
}
