package component

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fieldlogger/measure"
	"fieldlogger/x/timex"
)

func TestBufferRespectsReserve(t *testing.T) {
	b := NewBuffer(20)
	assert.True(t, b.Add("aaaa", 6))
	assert.True(t, b.Add("bbbb", 6))  // 4+1+4+6 = 15 < 20
	assert.False(t, b.Add("cccc", 6)) // 9+1+4+6 = 20
	assert.Equal(t, "aaaa,bbbb", b.String())
	b.Reset()
	assert.True(t, b.Empty())
}

func TestSequentialToken(t *testing.T) {
	clk := timex.NewManual(time.Unix(0, 0))
	sh := NewShared(clk, nil)

	assert.True(t, sh.ClaimSequential())
	assert.False(t, sh.ClaimSequential(), "token is exclusive")
	_, idle := sh.SequentialIdleSince()
	assert.False(t, idle)

	sh.ReleaseSequential()
	clk.Advance(50 * time.Millisecond)
	sh.MarkSequentialIdle()
	clk.Advance(50 * time.Millisecond)
	sh.MarkSequentialIdle() // keeps the first stamp
	since, idle := sh.SequentialIdleSince()
	assert.True(t, idle)
	assert.Equal(t, int64(50), since)

	sh.RestartSequentialIdle()
	since, _ = sh.SequentialIdleSince()
	assert.Equal(t, int64(100), since)
}

func TestBaseIndicesAndClear(t *testing.T) {
	b := NewBase("sensor", false, true)
	a := b.AddSlot(measure.New("a", "", 1))
	c := b.AddSlot(measure.New("c", "", 1))
	c.Persistent = true
	assert.Equal(t, 7, b.SetupSlots(5))
	assert.Equal(t, 5, a.Index)
	assert.Equal(t, 6, c.Index)

	for _, s := range b.Slots() {
		s.SetNewestValue(1)
		s.Save(false)
	}
	b.ClearData(false)
	assert.Zero(t, a.N())
	assert.Equal(t, 1, c.N())
}

func TestDirtyFlags(t *testing.T) {
	sh := NewShared(timex.NewManual(time.Unix(0, 0)), nil)
	sh.MarkDataChanged()
	data, debug := sh.TakeDirty()
	assert.True(t, data)
	assert.True(t, debug)
	data, debug = sh.TakeDirty()
	assert.False(t, data)
	assert.False(t, debug)
}

func TestLogStep(t *testing.T) {
	clk := timex.NewManual(time.Unix(0, 0))
	sh := NewShared(clk, nil)
	b := NewBase("valve", false, false)
	pos := b.AddSlot(measure.New("pos", "", 0))
	step := b.AddSlot(measure.New("pos", "", 0))
	b.SetupSlots(0)

	var logged [][2]int
	sh.SetDataLogger(func(p Peripheral) {
		assert.Equal(t, "valve", p.ID())
		logged = append(logged, [2]int{pos.N(), step.N()})
	})

	clk.Advance(time.Second)
	assert.True(t, LogStep(sh, &b, pos, step, 3, 0.5))
	assert.Equal(t, [][2]int{{1, 0}}, logged, "first value has no previous step")

	clk.Advance(time.Second)
	assert.False(t, LogStep(sh, &b, pos, step, 3.2, 0.5))

	assert.True(t, LogStep(sh, &b, pos, step, 5, 0.5))
	assert.Equal(t, [][2]int{{1, 0}, {1, 1}}, logged)
	assert.Zero(t, step.N(), "step slot is cleared after the log")
	assert.Equal(t, 5.0, pos.Mean())
	assert.Equal(t, int64(2000), pos.NewestTime())
}
