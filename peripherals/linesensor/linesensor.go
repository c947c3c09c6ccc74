// Package linesensor is a configurable serial instrument: a request string,
// a response pattern and the slots the response fields land in.
//
// Patterns are literal bytes plus field directives:
//
//	%c  one printable byte into the variable
//	%s  printable bytes into the variable
//	%n  a number into the value
//	%d  digits into the value
//	%u  printable bytes into the units
//	%%  a literal percent sign
//
// The first separator (comma, semicolon, tab, CR or LF) after a field commits
// it. A %s or %u run ends at the literal that follows it. The pattern must
// end with a literal.
package linesensor

import (
	"strings"

	"fieldlogger/command"
	"fieldlogger/component"
	"fieldlogger/errcode"
	"fieldlogger/measure"
	"fieldlogger/peripherals"
	"fieldlogger/reader"
	"fieldlogger/serialreader"
)

const separators = ",;\t\r\n"

func init() { peripherals.RegisterBuilder("linesensor", peripherals.BuilderFunc(build)) }

// SlotOptions describes one reading. Variable, when set, matches the field's
// variable text; otherwise fields fill the slots in order.
type SlotOptions struct {
	Name     string `json:"name"`
	Units    string `json:"units"`
	Decimals int    `json:"decimals"`
	Variable string `json:"variable"`
	// InferDecimals takes the decimals from the received text.
	InferDecimals bool `json:"infer_decimals"`
}

type Options struct {
	Request           string        `json:"request"`
	Pattern           string        `json:"pattern"`
	Sequential        bool          `json:"sequential"`
	TimeoutMs         int64         `json:"timeout_ms"`
	MinRequestDelayMs int64         `json:"min_request_delay_ms"`
	Slots             []SlotOptions `json:"slots"`
}

// Sensor is a component.Peripheral.
type Sensor struct {
	component.Base
	*serialreader.Reader

	opts  Options
	next  int
	slots []*measure.Slot
}

func New(id string, port serialreader.Port, opts Options) (*Sensor, error) {
	pattern, err := CompilePattern(opts.Pattern)
	if err != nil {
		return nil, err
	}
	if len(opts.Slots) == 0 {
		return nil, &errcode.E{C: errcode.InvalidValue, Op: "linesensor", Msg: "no slots"}
	}
	s := &Sensor{Base: component.NewBase(id, false, true), opts: opts}
	for _, so := range opts.Slots {
		s.slots = append(s.slots, s.AddSlot(measure.New(so.Name, so.Units, so.Decimals)))
	}
	s.Reader = serialreader.New(serialreader.Config{
		ID:                id,
		Request:           opts.Request,
		Pattern:           pattern,
		Sequential:        opts.Sequential,
		TimeoutMs:         opts.TimeoutMs,
		MinRequestDelayMs: opts.MinRequestDelayMs,
	}, port, s)
	return s, nil
}

func build(in peripherals.BuildInput) (component.Peripheral, error) {
	if in.Serial == nil {
		return nil, &errcode.E{C: errcode.InvalidValue, Op: "linesensor.build", Msg: "no serial port"}
	}
	var opts Options
	if err := in.Decode(&opts); err != nil {
		return nil, err
	}
	return New(in.ID, in.Serial, opts)
}

func (s *Sensor) ID() string { return s.Base.ID() }

func (s *Sensor) Update(sh *component.Shared) { s.Poll(sh) }

// Start implements serialreader.Handler.
func (s *Sensor) Start(*serialreader.Reader, *component.Shared) {
	s.next = 0
	for _, sl := range s.slots {
		sl.InvalidateNewest()
	}
}

// Field implements serialreader.Handler.
func (s *Sensor) Field(r *serialreader.Reader, sh *component.Shared, f serialreader.Field) {
	i := s.slotFor(f.Variable)
	if i < 0 {
		sh.Log.Debug("unmatched field", "component", s.ID(), "variable", f.Variable)
		return
	}
	so := s.opts.Slots[i]
	if !s.slots[i].SetNewestValueText(strings.TrimSpace(f.Value), true, so.InferDecimals, 0, ".") {
		r.RegisterError(sh, "bad value "+f.Value)
		return
	}
	if f.Units != "" && so.Units == "" {
		s.slots[i].SetUnits(f.Units)
	}
}

func (s *Sensor) slotFor(variable string) int {
	if variable != "" {
		for i, so := range s.opts.Slots {
			if so.Variable == variable {
				return i
			}
		}
	}
	for s.next < len(s.opts.Slots) {
		i := s.next
		s.next++
		if s.opts.Slots[i].Variable == "" {
			return i
		}
	}
	return -1
}

// Finish implements serialreader.Handler. A response with errors commits
// nothing.
func (s *Sensor) Finish(r *serialreader.Reader, sh *component.Shared) {
	if r.Errors() > 0 {
		return
	}
	now := sh.Now()
	for _, sl := range s.slots {
		if _, ok := sl.Newest(); ok {
			sl.SetNewestTime(now)
			sl.Save(true)
		}
	}
}

// ParseCommand forwards the rest of "<id>-send ..." to the instrument,
// terminated by a carriage return, and triggers a read on "<id>-read".
func (s *Sensor) ParseCommand(sh *component.Shared, cmd *command.Command) bool {
	switch cmd.Variable {
	case s.ID() + "-read":
		s.Trigger(reader.DefaultTriggerAttempts)
		cmd.Success(true)
	case s.ID() + "-send":
		text := strings.TrimSpace(strings.TrimPrefix(cmd.Raw, cmd.Variable))
		if text == "" {
			cmd.ErrorValue()
			return true
		}
		if _, err := s.Port().Write([]byte(text + "\r")); err != nil {
			sh.Log.Warn("serial send failed", "component", s.ID(), "err", err)
			cmd.Error(errcode.Error)
			return true
		}
		cmd.Success(true)
	default:
		return false
	}
	return true
}

func (s *Sensor) AssembleDebug(add func(key, value string)) {
	s.Reader.AssembleDebug(add)
}

// CompilePattern turns the pattern text into parser tokens.
func CompilePattern(p string) ([]serialreader.Token, error) {
	bad := func(msg string) error {
		return &errcode.E{C: errcode.InvalidValue, Op: "linesensor.pattern", Msg: msg}
	}
	var out []serialreader.Token
	pending := false
	literal := func(b byte) {
		tok := serialreader.Lit(b)
		if pending && strings.IndexByte(separators, b) >= 0 {
			tok.Commit = true
			pending = false
		}
		out = append(out, tok)
	}
	for i := 0; i < len(p); i++ {
		if p[i] != '%' {
			literal(p[i])
			continue
		}
		i++
		if i == len(p) {
			return nil, bad("dangling %")
		}
		var tok serialreader.Token
		switch p[i] {
		case '%':
			literal('%')
			continue
		case 'c':
			tok = serialreader.One(serialreader.ASCII, serialreader.Variable)
		case 's':
			tok = serialreader.Run(serialreader.ASCII, serialreader.Variable)
		case 'n':
			tok = serialreader.Run(serialreader.Number, serialreader.Value)
		case 'd':
			tok = serialreader.Run(serialreader.Digit, serialreader.Value)
		case 'u':
			tok = serialreader.Run(serialreader.ASCII, serialreader.Units)
		default:
			return nil, bad("unknown directive %" + string(p[i]))
		}
		pending = true
		out = append(out, tok)
	}
	if len(out) == 0 || out[len(out)-1].Kind != serialreader.Literal {
		return nil, bad("must end with a literal")
	}
	if pending {
		return nil, bad("last field has no separator")
	}
	for i := range out[:len(out)-1] {
		tok, next := &out[i], out[i+1]
		if !tok.Stay {
			continue
		}
		switch {
		case next.Kind == serialreader.Literal:
			if serialreader.Matches(next.Byte, tok.Kind, 0) {
				tok.Until = next.Byte
			}
		case tok.Kind == serialreader.ASCII:
			return nil, bad("%s and %u need a literal before the next field")
		}
	}
	return out, nil
}
