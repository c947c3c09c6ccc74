// Package component defines the peripheral contract. A peripheral is
// composed from the capabilities it needs: every peripheral owns slots, and
// optionally initialises, polls, persists state, parses commands and renders
// state or debug information. The registry discovers capabilities with type
// assertions.
package component

import (
	"fieldlogger/command"
	"fieldlogger/measure"
	"fieldlogger/nvstore"
)

// Peripheral is the minimum every registered component satisfies.
type Peripheral interface {
	ID() string
	Slots() []*measure.Slot
	// SetupSlots assigns slot indices starting at start and returns the
	// next free index.
	SetupSlots(start int) int
	// SameTimeOffset reports whether all slots share one time offset in a
	// data log.
	SameTimeOffset() bool
	// ClearData clears slots on a log cycle (no-op unless auto clearing).
	ClearData(clearPersistent bool)
}

type Initializer interface {
	Init(sh *Shared) error
}

type StartupCompleter interface {
	CompleteStartup(sh *Shared)
}

type Pollable interface {
	Update(sh *Shared)
}

// Persistable peripherals own a fixed-size record in non-volatile storage.
type Persistable interface {
	StateSize() int
	BindRegion(r nvstore.Region)
	// LoadState restores the record, or writes defaults when reset is set.
	LoadState(sh *Shared, reset bool) bool
	// ResetState invalidates the stored record.
	ResetState(sh *Shared) error
}

type CommandParser interface {
	ParseCommand(sh *Shared, cmd *command.Command) bool
}

// StateRenderer contributes fragments to the state variable.
type StateRenderer interface {
	AssembleState(add func(fragment string))
}

// DebugRenderer contributes key/value pairs to the debug variable. Values
// are plain text; the registry quotes and escapes them.
type DebugRenderer interface {
	AssembleDebug(add func(key, value string))
}

// DataLoggingActivator is told when data logging is switched on.
type DataLoggingActivator interface {
	ActivateDataLogging(sh *Shared)
}
