// Package command models one operator command: its words, the outcome code
// and the fields that end up in the state log.
package command

import (
	"strconv"
	"strings"

	"github.com/google/shlex"

	"fieldlogger/errcode"
	"fieldlogger/x/strx"
)

// MaxChar is the cloud function argument limit.
const MaxChar = 63

// Log record types.
const (
	TypeUndefined = "undefined"
	TypeError     = "error"
	TypeChanged   = "state changed"
	TypeUnchanged = "state unchanged"
	TypeStartup   = "startup"
)

// Command is parsed word by word: Variable first, then Value and Units on
// demand. Whatever is left becomes the notes.
type Command struct {
	Raw      string
	Variable string
	Value    string
	Units    string
	Notes    string

	Type string
	Msg  string
	Data string // state fragment describing the affected setting
	Code errcode.Code

	words []string
}

// Parse loads raw and extracts the variable. Quoted words are kept whole so
// notes may contain spaces.
func Parse(raw string) *Command {
	raw = strx.Truncate(strings.TrimSpace(raw), MaxChar)
	words, err := shlex.Split(raw)
	if err != nil {
		words = strings.Fields(raw)
	}
	c := &Command{Raw: raw, Type: TypeUndefined, Code: errcode.Undefined, words: words}
	c.Variable = c.next()
	return c
}

func (c *Command) next() string {
	if len(c.words) == 0 {
		return ""
	}
	w := c.words[0]
	c.words = c.words[1:]
	return w
}

// ExtractValue takes the next word as the value. A number glued to its
// units ("20s", "500ms") is split and the units stored as well.
func (c *Command) ExtractValue() string {
	c.Value = c.next()
	if i := numericEnd(c.Value); i > 0 && i < len(c.Value) {
		c.Units = c.Value[i:]
		c.Value = c.Value[:i]
	}
	return c.Value
}

// ExtractUnits takes the next word as units unless ExtractValue already
// split them off.
func (c *Command) ExtractUnits() string {
	if c.Units == "" {
		c.Units = c.next()
	}
	return c.Units
}

// IntValue parses the value; ok is false for non-numeric input.
func (c *Command) IntValue() (int, bool) {
	v, err := strconv.Atoi(c.Value)
	return v, err == nil
}

func (c *Command) Is(variable string) bool { return c.Variable == variable }
func (c *Command) ValueIs(v string) bool   { return c.Value == v }
func (c *Command) UnitsIs(u string) bool   { return c.Units == u }

// Defined reports whether any handler claimed the command.
func (c *Command) Defined() bool { return c.Code != errcode.Undefined }

// Changed reports whether the command changed state.
func (c *Command) Changed() bool { return c.Code == errcode.OK }

// Return is the integer handed back to the cloud caller.
func (c *Command) Return() int { return c.Code.Return() }

// Success marks the command handled; unchanged state is a warning.
func (c *Command) Success(changed bool) {
	if changed {
		c.Code = errcode.OK
		c.Type = TypeChanged
	} else {
		c.Warning(errcode.Unchanged)
		c.Type = TypeUnchanged
	}
	c.Notes = strings.Join(c.words, " ")
}

// Warning records a non-error outcome code and its message.
func (c *Command) Warning(code errcode.Code) {
	c.Code = code
	c.Msg = string(code)
}

// Error records a failure. The whole command is kept as notes.
func (c *Command) Error(code errcode.Code) {
	c.Code = code
	c.Msg = string(code)
	c.Type = TypeError
	c.Notes = c.Raw
}

func (c *Command) ErrorLocked()  { c.Error(errcode.Locked) }
func (c *Command) ErrorCommand() { c.Error(errcode.InvalidCommand) }
func (c *Command) ErrorValue()   { c.Error(errcode.InvalidValue) }
func (c *Command) ErrorUnits()   { c.Error(errcode.InvalidUnits) }

// SetMessage overrides the log message.
func (c *Command) SetMessage(msg string) { c.Msg = strx.Truncate(msg, 99) }

// numericEnd returns the length of the leading signed integer in s.
func numericEnd(s string) int {
	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == start {
		return 0
	}
	return i
}
