// Package serialreader parses instrument responses byte by byte against a
// token pattern. It drives a reader.Machine over a serial Port: it writes the
// request, captures the printable response for debugging, splits it into
// variable, value and units fields and completes the read at the end of the
// pattern.
package serialreader

import (
	"fmt"
	"strconv"

	"fieldlogger/component"
	"fieldlogger/reader"
)

const (
	CaptureSize = 2000
	ScratchSize = 50

	DefaultTimeoutMs         = 1000
	DefaultMinRequestDelayMs = 200
)

// Port is the byte transport to the instrument.
type Port interface {
	Available() int
	ReadByte() (byte, error)
	Write(p []byte) (int, error)
}

// Field is the content of the scratch buffers at a committing token.
type Field struct {
	Variable string
	Value    string
	Units    string
}

// Handler receives parse results. All calls happen on the poll goroutine.
type Handler interface {
	// Start is called on the first byte of a response.
	Start(r *Reader, sh *component.Shared)
	// Field is called for every committing token.
	Field(r *Reader, sh *component.Shared, f Field)
	// Finish is called once a response matched the whole pattern. Check
	// r.Errors() before trusting the fields.
	Finish(r *Reader, sh *component.Shared)
}

type Config struct {
	ID         string
	Request    string
	Pattern    []Token
	Sequential bool
	// Zero values select the defaults above.
	TimeoutMs         int64
	MinRequestDelayMs int64
}

type Reader struct {
	*reader.Machine

	port    Port
	h       Handler
	request []byte
	pattern []Token

	nbyte    int
	pos      int
	stay     bool
	stayTok  Token
	capture  []byte
	variable []byte
	value    []byte
	units    []byte
}

func New(cfg Config, port Port, h Handler) *Reader {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.MinRequestDelayMs <= 0 {
		cfg.MinRequestDelayMs = DefaultMinRequestDelayMs
	}
	r := &Reader{
		port:     port,
		h:        h,
		request:  []byte(cfg.Request),
		pattern:  cfg.Pattern,
		capture:  make([]byte, 0, CaptureSize),
		variable: make([]byte, 0, ScratchSize),
		value:    make([]byte, 0, ScratchSize),
		units:    make([]byte, 0, ScratchSize),
	}
	r.Machine = reader.New(reader.Config{
		ID:                cfg.ID,
		Sequential:        cfg.Sequential,
		MinRequestDelayMs: cfg.MinRequestDelayMs,
		TimeoutMs:         cfg.TimeoutMs,
	}, r)
	return r
}

// Capture is the printable part of the current or last response.
func (r *Reader) Capture() string { return string(r.capture) }

// Pos is the pattern cursor.
func (r *Reader) Pos() int { return r.pos }

// Port exposes the transport, e.g. for out-of-band commands.
func (r *Reader) Port() Port { return r.port }

// Initiate implements reader.Driver.
func (r *Reader) Initiate(m *reader.Machine, sh *component.Shared) {
	r.nbyte = 0
	if sh.Manual() || len(r.request) == 0 {
		return
	}
	sh.Log.Debug("sending serial request", "component", m.ID(), "request", strconv.Quote(string(r.request)))
	if _, err := r.port.Write(r.request); err != nil {
		m.RegisterError(sh, "request write: "+err.Error())
	}
}

// ReadData implements reader.Driver.
func (r *Reader) ReadData(m *reader.Machine, sh *component.Shared) {
	got := false
	for m.State() == reader.Waiting && r.port.Available() > 0 {
		b, err := r.port.ReadByte()
		if err != nil {
			m.RegisterError(sh, "read: "+err.Error())
			break
		}
		got = true
		r.nbyte++
		if r.nbyte == 1 {
			r.startData(sh)
		}
		r.processByte(sh, b)
		if m.State() == reader.Waiting && len(r.pattern) > 0 && r.pos >= len(r.pattern) {
			m.Complete()
		}
	}
	if got {
		m.Touch(sh)
	}
}

// IdleRead discards stray bytes. A manual reader treats them as the start of
// an unsolicited response and triggers itself instead.
func (r *Reader) IdleRead(m *reader.Machine, sh *component.Shared) {
	if r.port.Available() == 0 {
		return
	}
	if sh.Manual() {
		if !m.Triggered() {
			m.Trigger(1)
		}
		return
	}
	n := 0
	for r.port.Available() > 0 {
		if _, err := r.port.ReadByte(); err != nil {
			break
		}
		n++
	}
	sh.Log.Debug("discarded idle bytes", "component", m.ID(), "n", n)
	m.Touch(sh)
	if m.Sequential() {
		sh.RestartSequentialIdle()
	}
}

// Finish implements reader.Driver.
func (r *Reader) Finish(_ *reader.Machine, sh *component.Shared) {
	r.h.Finish(r, sh)
}

// OnTimeout implements reader.TimeoutHandler.
func (r *Reader) OnTimeout(m *reader.Machine, sh *component.Shared) {
	sh.Log.Debug("serial read timed out", "component", m.ID(), "byte", r.nbyte, "capture", string(r.capture))
}

// AssembleDebug adds the error count and the raw capture.
func (r *Reader) AssembleDebug(add func(key, value string)) {
	r.Machine.AssembleDebug(add)
	add("s", string(r.capture))
}

func (r *Reader) startData(sh *component.Shared) {
	r.capture = r.capture[:0]
	r.resetScratch()
	r.pos = 0
	r.stay = false
	r.h.Start(r, sh)
}

func (r *Reader) resetScratch() {
	r.variable = r.variable[:0]
	r.value = r.value[:0]
	r.units = r.units[:0]
}

func (r *Reader) processByte(sh *component.Shared, b byte) {
	switch {
	case b >= ' ' && b <= '~':
		if !r.appendCapture(sh, b) {
			return
		}
	case b == '\r' || b == '\n':
		if !r.appendCapture(sh, '\n') {
			return
		}
	}
	if len(r.pattern) == 0 {
		return
	}

	if r.stay && !r.stayTok.matches(b) {
		if r.pos+1 < len(r.pattern) {
			r.advance(sh)
		}
		r.stay = false
	}
	if r.pos >= len(r.pattern) {
		return
	}

	tok := r.pattern[r.pos]
	if !tok.matches(b) {
		r.RegisterError(sh, fmt.Sprintf("unexpected byte #%d 0x%02x at pattern position %d", r.nbyte, b, r.pos))
		r.pos++
		r.stay = false
		return
	}
	if !r.appendScratch(sh, tok.Into, b) {
		return
	}
	if tok.Stay {
		r.stay = true
		r.stayTok = tok
		return
	}
	r.advance(sh)
}

func (r *Reader) advance(sh *component.Shared) {
	if tok := r.pattern[r.pos]; tok.Commit {
		r.h.Field(r, sh, Field{
			Variable: string(r.variable),
			Value:    string(r.value),
			Units:    string(r.units),
		})
		r.resetScratch()
	}
	r.pos++
	r.stay = false
}

func (r *Reader) appendCapture(sh *component.Shared, b byte) bool {
	if len(r.capture) >= CaptureSize-2 {
		r.overflow(sh, "capture")
		return false
	}
	r.capture = append(r.capture, b)
	return true
}

func (r *Reader) appendScratch(sh *component.Shared, t Target, b byte) bool {
	var buf *[]byte
	switch t {
	case Value:
		buf = &r.value
	case Variable:
		buf = &r.variable
	case Units:
		buf = &r.units
	default:
		return true
	}
	if len(*buf) >= ScratchSize-2 {
		r.overflow(sh, "scratch")
		return false
	}
	*buf = append(*buf, b)
	return true
}

func (r *Reader) overflow(sh *component.Shared, what string) {
	sh.Log.Error("serial buffer not big enough", "component", r.ID(), "buffer", what)
	r.RegisterError(sh, what+" overflow")
	r.ReturnToIdle(sh)
}
