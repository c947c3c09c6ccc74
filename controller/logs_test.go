package controller

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldlogger/component"
	"fieldlogger/measure"
	"fieldlogger/nvstore"
	"fieldlogger/sdlog"
	"fieldlogger/x/timex"
)

type dataRecord struct {
	ID string           `json:"id"`
	DT string           `json:"dt"`
	TO *int64           `json:"to"`
	D  []map[string]any `json:"d"`
}

func decode(t *testing.T, text string) dataRecord {
	t.Helper()
	var rec dataRecord
	require.NoError(t, json.Unmarshal([]byte(text), &rec), text)
	return rec
}

func TestDataLogIsChunkedInIndexOrder(t *testing.T) {
	p := newGauge("multi", 30)
	r := newRig(t, Config{}, nil, p)
	p.fill(r.c.Shared().Now(), 21.5)
	r.tick(61 * time.Second)

	_, n := r.c.QueueLengths()
	require.Greater(t, n, 1)
	var got []int
	for _, text := range r.c.dataStack {
		assert.Less(t, len(text), r.c.cfg.LogCap)
		rec := decode(t, text)
		assert.Equal(t, "dev", rec.ID)
		assert.Nil(t, rec.TO)
		for _, d := range rec.D {
			got = append(got, int(d["i"].(float64)))
			assert.Contains(t, d, "to")
		}
	}
	want := make([]int, 30)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
	assert.Zero(t, p.Slots()[0].N())
}

func TestSharedOffsetUsesFirstSlot(t *testing.T) {
	p := &gauge{Base: component.NewBase("same", true, true), st: gaugeState{Version: 2}}
	p.AddSlot(measure.New("pressure", "hPa", 0))
	p.AddSlot(measure.New("humidity", "%", 0))
	r := newRig(t, Config{}, nil, p)

	r.clk.Advance(time.Second)
	p.fill(r.c.Shared().Now(), 7)
	r.tick(60 * time.Second)

	require.Len(t, r.c.dataStack, 1)
	rec := decode(t, r.c.dataStack[0])
	require.NotNil(t, rec.TO)
	assert.Equal(t, int64(60000), *rec.TO)
	require.Len(t, rec.D, 2)
	assert.NotContains(t, rec.D[0], "to")
}

func TestSlotsWithoutDataAreSkipped(t *testing.T) {
	p := newGauge("sparse", 4)
	r := newRig(t, Config{}, nil, p)
	r.tick(time.Second)

	r.c.logData(p)
	_, n := r.c.QueueLengths()
	assert.Zero(t, n, "no data, no log")

	s := p.Slots()[2]
	s.SetNewestValue(3)
	s.Save(true)
	r.c.logData(p)
	require.Len(t, r.c.dataStack, 1)
	rec := decode(t, r.c.dataStack[0])
	require.Len(t, rec.D, 1)
	assert.Equal(t, float64(2), rec.D[0]["i"])
}

func TestDebugOnlySlotsNeedDebugMode(t *testing.T) {
	p := newGauge("dbg", 2)
	p.Slots()[1].DebugOnly = true
	r := newRig(t, Config{}, nil, p)
	r.tick(time.Second)

	p.fill(r.c.Shared().Now(), 1)
	r.c.logData(p)
	assert.Len(t, decode(t, r.c.dataStack[0]).D, 1)

	require.Equal(t, 0, r.c.ReceiveCommand("debug on"))
	r.c.logData(p)
	assert.Len(t, decode(t, r.c.dataStack[1]).D, 2)
}

func TestAdmissionFollowsReserve(t *testing.T) {
	p := newGauge("adm", 1)
	r := newRig(t, Config{}, nil, p)
	r.tick(time.Second)
	free := 0
	r.c.opt.FreeMemory = func() int { return free }

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 300; i++ {
		reserve := 1 + rng.IntN(10000)
		free = rng.IntN(12000)
		r.c.cfg.MemoryReserve = reserve
		p.fill(r.c.Shared().Now(), float64(i))

		_, before := r.c.QueueLengths()
		missed := r.c.Missed()
		r.c.logData(p)
		_, after := r.c.QueueLengths()

		if free >= reserve {
			assert.Equal(t, before+1, after, "free=%d reserve=%d", free, reserve)
			assert.False(t, r.c.OutOfMemory())
		} else {
			assert.Equal(t, before, after, "free=%d reserve=%d", free, reserve)
			assert.Equal(t, missed+1, r.c.Missed())
			assert.True(t, r.c.OutOfMemory())
		}
		p.ClearData(true)
	}
}

func TestQueuedBytesBoundDefaultAdmission(t *testing.T) {
	p := newGauge("q", 3)
	r := newRig(t, Config{MemoryBudget: 7000, MemoryReserve: 6000}, nil, p)
	r.tick(time.Second)

	for i := 0; i < 40; i++ {
		p.fill(r.c.Shared().Now(), float64(i))
		r.c.logData(p)
		p.ClearData(true)
	}
	assert.True(t, r.c.OutOfMemory())
	assert.NotEmpty(t, r.c.dataStack)
	held := 0
	for _, s := range append(append([]string{}, r.c.stateStack...), r.c.dataStack...) {
		held += len(s)
	}
	assert.Equal(t, held, r.c.queuedBytes)
	assert.Less(t, 7000-held, 6000)

	r.pub.connected = true
	for range 4 {
		r.tick(1001 * time.Millisecond)
	}
	assert.Len(t, r.pub.sent, 4)
	held = 0
	for _, s := range append(append([]string{}, r.c.stateStack...), r.c.dataStack...) {
		held += len(s)
	}
	assert.Equal(t, held, r.c.queuedBytes)
}

func TestMissedDataReportedOnRecovery(t *testing.T) {
	p := newGauge("m", 1)
	r := newRig(t, Config{}, nil, p)
	r.tick(time.Second)
	free := 0
	r.c.opt.FreeMemory = func() int { return free }

	for i := 0; i < 2; i++ {
		p.fill(r.c.Shared().Now(), 1)
		r.c.logData(p)
		p.ClearData(true)
	}
	require.Equal(t, 2, r.c.Missed())
	r.tick(time.Second)
	st, _ := r.c.QueueLengths()
	assert.Equal(t, 1, st, "no report while still out of memory")

	free = 1 << 20
	p.fill(r.c.Shared().Now(), 1)
	r.c.logData(p)
	require.False(t, r.c.OutOfMemory())
	r.tick(time.Second)

	require.Len(t, r.c.stateStack, 2)
	top := r.c.stateStack[1]
	assert.Contains(t, top, `{"k":"missed_data_logs","v":"2"}`)
	assert.Contains(t, top, `"t":"error"`)
	assert.Contains(t, top, "lack of cloud connection and low memory")
	assert.Zero(t, r.c.Missed())
}

func TestPublishIsLIFOAndPopsOnSuccess(t *testing.T) {
	d := DefaultState()
	d.StateLogging = false
	p := newGauge("lifo", 1)
	r := newRig(t, Config{Defaults: d}, nil, p)
	r.tick(time.Second)

	for _, v := range []float64{1, 2, 3} {
		p.fill(r.c.Shared().Now(), v)
		r.c.logData(p)
		p.ClearData(true)
	}

	r.pub.connected = true
	r.pub.fail = true
	r.tick(time.Second)
	_, n := r.c.QueueLengths()
	assert.Equal(t, 3, n)
	assert.Empty(t, r.pub.sent)

	r.pub.fail = false
	r.tick(1001 * time.Millisecond)
	r.tick(100 * time.Millisecond)
	require.Len(t, r.pub.sent, 1, "one publish per interval")
	r.tick(1001 * time.Millisecond)
	r.tick(1001 * time.Millisecond)

	require.Len(t, r.pub.sent, 3)
	for i, want := range []string{`"v":3.0`, `"v":2.0`, `"v":1.0`} {
		assert.Equal(t, VarDataLog, r.pub.sent[i].channel)
		assert.Contains(t, r.pub.sent[i].text, want)
	}
	_, n = r.c.QueueLengths()
	assert.Equal(t, 1, n, "popped when the result is collected")
	r.tick(100 * time.Millisecond)
	_, n = r.c.QueueLengths()
	assert.Zero(t, n)
}

func TestSlowPublishDoesNotBlockUpdate(t *testing.T) {
	d := DefaultState()
	d.StateLogging = false
	p := newGauge("slow", 1)
	pub := &heldPublisher{release: make(chan struct{}), sent: make(chan string, 4)}
	clk := timex.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New(Config{Name: "dev", Defaults: d, PublishTimeout: time.Minute}, nvstore.NewMem(256), Options{
		Clock:     clk,
		Publisher: pub,
	})
	require.NoError(t, c.Register(p))
	require.NoError(t, c.Init())
	tick := func() {
		clk.Advance(1001 * time.Millisecond)
		start := time.Now()
		c.Update(context.Background())
		assert.Less(t, time.Since(start), time.Second)
	}
	tick()

	p.fill(c.Shared().Now(), 1)
	c.logData(p)
	p.ClearData(true)
	tick()
	require.NotNil(t, c.inflight)

	p.fill(c.Shared().Now(), 2)
	c.logData(p)
	p.ClearData(true)
	tick()
	_, n := c.QueueLengths()
	assert.Equal(t, 2, n, "in-flight record stays queued")

	close(pub.release)
	assert.Contains(t, <-pub.sent, `"v":1.0`)
	<-c.inflight.done
	tick()
	require.Len(t, c.dataStack, 1)
	assert.Contains(t, c.dataStack[0], `"v":2.0`, "the newer record is kept")
}

func TestStateLogsPublishBeforeData(t *testing.T) {
	p := newGauge("order", 1)
	r := newRig(t, Config{}, nil, p)
	r.tick(time.Second)
	p.fill(r.c.Shared().Now(), 1)
	r.c.logData(p)

	r.pub.connected = true
	r.tick(time.Second)
	r.tick(1001 * time.Millisecond)
	require.Len(t, r.pub.sent, 2)
	assert.Equal(t, VarStateLog, r.pub.sent[0].channel)
	assert.Equal(t, VarDataLog, r.pub.sent[1].channel)
}

func TestLogsMirroredToSink(t *testing.T) {
	p := newGauge("sd", 1)
	r := newRig(t, Config{}, nil, p)
	sink := &fakeSink{}
	r.c.opt.Sink = sink
	r.tick(time.Second)
	assert.Empty(t, sink.appends, "sd logging is off by default")

	require.Equal(t, 0, r.c.ReceiveCommand("sd-log on"))
	require.Len(t, sink.appends[sdlog.StateFile], 1)
	assert.Contains(t, sink.appends[sdlog.StateFile][0], `{"k":"sd-log","v":"on"}`)

	p.fill(r.c.Shared().Now(), 5)
	r.c.logData(p)
	require.Len(t, sink.appends[sdlog.DataFile], 1)
	assert.Equal(t, r.c.dataStack[0], sink.appends[sdlog.DataFile][0])

	sink.down = true
	p.fill(r.c.Shared().Now(), 6)
	r.c.logData(p)
	assert.Len(t, sink.appends[sdlog.DataFile], 1)
	assert.Len(t, r.c.dataStack, 2, "queueing does not depend on the card")
}

func TestPassthroughExposesLogs(t *testing.T) {
	d := DefaultState()
	d.StateLogging = false
	p := newGauge("pt", 1)
	r := newRig(t, Config{Defaults: d, Passthrough: true}, nil, p)
	r.tick(time.Second)

	require.Equal(t, 0, r.c.ReceiveCommand("tz 1"))
	assert.Contains(t, r.c.Variable(VarStateLog), `"t":"state changed"`)

	p.fill(r.c.Shared().Now(), 9)
	r.c.logData(p)
	assert.Contains(t, r.c.Variable(VarDataLog), `"v":9.0`)
	st, data := r.c.QueueLengths()
	assert.Zero(t, st)
	assert.Zero(t, data)
}
