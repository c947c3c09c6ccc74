package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// Clock supplies the two time bases the runtime needs: a monotonic
// millisecond counter for intervals and a wall clock for log timestamps.
type Clock interface {
	Millis() int64
	Now() time.Time
}

// System is the process clock. Millis counts from construction.
type System struct{ boot time.Time }

func NewSystem() *System { return &System{boot: time.Now()} }

func (s *System) Millis() int64  { return time.Since(s.boot).Milliseconds() }
func (s *System) Now() time.Time { return time.Now().UTC() }

// Manual is a settable clock for tests and simulations.
type Manual struct {
	ms   int64
	wall time.Time
}

// NewManual starts at ms=0 and the given wall time.
func NewManual(wall time.Time) *Manual { return &Manual{wall: wall} }

func (m *Manual) Millis() int64  { return m.ms }
func (m *Manual) Now() time.Time { return m.wall.Add(time.Duration(m.ms) * time.Millisecond) }

// Advance moves both time bases forward.
func (m *Manual) Advance(d time.Duration) { m.ms += d.Milliseconds() }

// Since returns the milliseconds elapsed on c since start.
func Since(c Clock, start int64) int64 { return c.Millis() - start }

// FormatLog renders t the way log records carry it: "2006-01-02 15:04:05 UTC".
func FormatLog(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05 MST") }
