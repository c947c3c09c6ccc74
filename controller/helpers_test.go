package controller

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"fieldlogger/command"
	"fieldlogger/component"
	"fieldlogger/measure"
	"fieldlogger/nvstore"
	"fieldlogger/x/timex"
)

type sent struct {
	channel string
	text    string
}

type fakePub struct {
	connected bool
	fail      bool
	sent      []sent
}

func (p *fakePub) Connected() bool { return p.connected }

func (p *fakePub) Publish(_ context.Context, channel, text string) error {
	if p.fail {
		return errors.New("no ack")
	}
	p.sent = append(p.sent, sent{channel, text})
	return nil
}

type gaugeState struct {
	Version uint8
	Setting bool
}

func (s *gaugeState) StateVersion() uint8 { return s.Version }

type gauge struct {
	component.Base
	st      gaugeState
	updates int
}

func newGauge(id string, n int) *gauge {
	p := &gauge{Base: component.NewBase(id, false, true), st: gaugeState{Version: 2}}
	for i := 0; i < n; i++ {
		p.AddSlot(measure.New(fmt.Sprintf("temperature_sensor_%d", i), "mV", 1))
	}
	return p
}

func (p *gauge) StateSize() int { return binary.Size(&p.st) }

func (p *gauge) LoadState(_ *component.Shared, reset bool) bool {
	if reset {
		_ = p.Region.Put(&p.st)
		return false
	}
	ok, _, _ := nvstore.Restore(p.Region, &p.st)
	return ok
}

func (p *gauge) ResetState(*component.Shared) error { return p.Region.Invalidate() }

func (p *gauge) Update(*component.Shared) { p.updates++ }

func (p *gauge) ParseCommand(_ *component.Shared, cmd *command.Command) bool {
	if !cmd.Is("gauge-setting") {
		return false
	}
	cmd.Success(!p.st.Setting)
	p.st.Setting = true
	cmd.Data = command.Bool("gauge-setting", p.st.Setting, "on", "off")
	return true
}

// fill commits one value to every slot.
func (p *gauge) fill(now int64, v float64) {
	for _, s := range p.Slots() {
		s.SetNewestValue(v)
		s.SetNewestTime(now)
		s.Save(true)
	}
}

type rig struct {
	c      *Controller
	clk    *timex.Manual
	mem    *nvstore.Mem
	pub    *fakePub
	resets []ResetKind
}

func newRig(t *testing.T, cfg Config, mem *nvstore.Mem, comps ...component.Peripheral) *rig {
	t.Helper()
	if mem == nil {
		mem = nvstore.NewMem(256)
	}
	if cfg.Name == "" {
		cfg.Name = "dev"
	}
	r := &rig{
		clk: timex.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		mem: mem,
		pub: &fakePub{},
	}
	r.c = New(cfg, mem, Options{
		Clock:     r.clk,
		Publisher: r.pub,
		Restart:   func(k ResetKind) { r.resets = append(r.resets, k) },
	})
	for _, p := range comps {
		if err := r.c.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.ID(), err)
		}
	}
	if err := r.c.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return r
}

type fakeSink struct {
	down    bool
	fail    bool
	appends map[string][]string
}

func (s *fakeSink) Available() bool { return !s.down }

func (s *fakeSink) Append(file, text string) error {
	if s.fail {
		return errors.New("write failed")
	}
	if s.appends == nil {
		s.appends = map[string][]string{}
	}
	s.appends[file] = append(s.appends[file], text)
	return nil
}

// tick runs one update and lets a publish it started finish, so its result
// is collected by the next tick.
func (r *rig) tick(d time.Duration) {
	r.clk.Advance(d)
	r.c.Update(context.Background())
	if p := r.c.inflight; p != nil {
		<-p.done
	}
}

// heldPublisher blocks every publish until release is closed.
type heldPublisher struct {
	release chan struct{}
	sent    chan string
}

func (p *heldPublisher) Connected() bool { return true }

func (p *heldPublisher) Publish(ctx context.Context, _, text string) error {
	select {
	case <-p.release:
		p.sent <- text
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
