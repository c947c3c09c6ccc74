package errcode

import "errors"

// Code is a stable, operator-facing result identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Command and runtime codes.
const (
	OK        Code = "ok"
	Unchanged Code = "state already as requested"
	Undefined Code = "undefined"

	Error              Code = "undefined error"
	Locked             Code = "locked"
	InvalidCommand     Code = "invalid command"
	InvalidValue       Code = "invalid value"
	InvalidUnits       Code = "invalid units"
	NotAReader         Code = "logger is not a data reader"
	LogSmallerThanRead Code = "log period must be larger than read period"
	ReadBelowMin       Code = "read period must be larger than minimum"
	NoPages            Code = "the display only has one page"
	InvalidPage        Code = "invalid display page requested"
	SDDisabled         Code = "SD is not enabled in the controller"
	SDUnavailable      Code = "SD card is not available"
	SDTestFailed       Code = "SD card test failed"

	// Runtime codes without a command return value.
	StorageFull  Code = "storage_full"
	DuplicateID  Code = "duplicate_id"
	OutOfMemory  Code = "out_of_memory"
	Overflow     Code = "overflow"
	NotConnected Code = "not_connected"
	Timeout      Code = "timeout"
)

var returns = map[Code]int{
	OK:                 0,
	Error:              -1,
	Locked:             -2,
	InvalidCommand:     -3,
	InvalidValue:       -4,
	InvalidUnits:       -5,
	NotAReader:         -10,
	LogSmallerThanRead: -11,
	ReadBelowMin:       -12,
	NoPages:            -13,
	InvalidPage:        -14,
	SDDisabled:         -15,
	SDUnavailable:      -16,
	SDTestFailed:       -17,
	Unchanged:          1,
	Undefined:          -100,
}

// Return is the integer handed back to the cloud function caller.
// Codes without a mapping report -1.
func (c Code) Return() int {
	if v, ok := returns[c]; ok {
		return v
	}
	return -1
}

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap returns an *E for op with cause err. A nil err yields nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Msg: err.Error(), Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}
