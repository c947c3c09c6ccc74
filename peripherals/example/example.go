// Package example is the smallest persistent peripheral: one boolean setting
// switched with "setting yay|nay" and kept across restarts.
package example

import (
	"encoding/binary"

	"fieldlogger/command"
	"fieldlogger/component"
	"fieldlogger/nvstore"
	"fieldlogger/peripherals"
)

const (
	cmdSetting = "setting"
	settingOn  = "yay"
	settingOff = "nay"
)

// StateVersion changes whenever the State layout does.
const StateVersion = 3

type State struct {
	Version uint8
	Setting bool
}

func (s *State) StateVersion() uint8 { return s.Version }

func DefaultState() State { return State{Version: StateVersion} }

func init() {
	peripherals.RegisterBuilder("example", peripherals.BuilderFunc(func(in peripherals.BuildInput) (component.Peripheral, error) {
		return New(in.ID), nil
	}))
}

type Example struct {
	component.Base
	st State
}

func New(id string) *Example {
	return &Example{Base: component.NewBase(id, false, true), st: DefaultState()}
}

func (e *Example) Setting() bool { return e.st.Setting }

func (e *Example) Init(sh *component.Shared) error {
	sh.Log.Debug("example component init", "component", e.ID())
	return nil
}

func (e *Example) StateSize() int { return binary.Size(&e.st) }

func (e *Example) LoadState(sh *component.Shared, reset bool) bool {
	if reset {
		e.st = DefaultState()
		e.save(sh)
		return false
	}
	ok, found, err := nvstore.Restore(e.Region, &e.st)
	switch {
	case err != nil:
		sh.Log.Error("component state not restored", "component", e.ID(), "err", err)
	case ok:
		sh.Log.Info("restored component state", "component", e.ID(), "version", found)
	default:
		sh.Log.Info("component state version mismatch, keeping defaults", "component", e.ID(), "found", found, "want", e.st.Version)
	}
	return ok
}

func (e *Example) ResetState(*component.Shared) error { return e.Region.Invalidate() }

func (e *Example) save(sh *component.Shared) {
	if err := e.Region.Put(&e.st); err != nil {
		sh.Log.Error("component state not saved", "component", e.ID(), "err", err)
	}
}

// ParseCommand handles "setting yay|nay". Other values leave the command
// unclaimed.
func (e *Example) ParseCommand(sh *component.Shared, cmd *command.Command) bool {
	if !cmd.Is(cmdSetting) {
		return false
	}
	switch cmd.ExtractValue() {
	case settingOn:
		cmd.Success(e.change(sh, true))
	case settingOff:
		cmd.Success(e.change(sh, false))
	}
	cmd.Data = e.fragment()
	return cmd.Defined()
}

func (e *Example) change(sh *component.Shared, on bool) bool {
	if on == e.st.Setting {
		sh.Log.Debug("setting unchanged", "component", e.ID(), "on", on)
		return false
	}
	e.st.Setting = on
	e.save(sh)
	return true
}

func (e *Example) fragment() string {
	return command.Bool(cmdSetting, e.st.Setting, settingOn, settingOff)
}

func (e *Example) AssembleState(add func(fragment string)) { add(e.fragment()) }
