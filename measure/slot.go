// Package measure holds the measurement slot: one named reading with running
// statistics for its value and its timestamp, rendered as bounded JSON
// fragments for the data log, data variable and debug output.
package measure

import (
	"strconv"
	"strings"

	"fieldlogger/x/mathx"
	"fieldlogger/x/stats"
	"fieldlogger/x/strx"
)

// Name and units are cut to the firmware's fixed widths.
const (
	MaxName  = 24
	MaxUnits = 49
)

// float64 carries no more than this many meaningful decimals.
const maxDecimals = 15

// Slot is one reading owned by exactly one peripheral.
type Slot struct {
	Index      int
	Name       string
	Units      string
	Decimals   int
	Enabled    bool
	DebugOnly  bool
	Persistent bool

	newest      float64
	newestValid bool
	newestTime  int64 // ms on the runtime clock

	Value stats.Running
	Time  stats.Running
}

// New returns an enabled slot. The index is assigned at registration.
func New(name, units string, decimals int) *Slot {
	return &Slot{
		Index:    -1,
		Name:     strx.Truncate(name, MaxName),
		Units:    strx.Truncate(units, MaxUnits),
		Decimals: decimals,
		Enabled:  true,
	}
}

func (s *Slot) SetName(name string)   { s.Name = strx.Truncate(name, MaxName) }
func (s *Slot) SetUnits(units string) { s.Units = strx.Truncate(units, MaxUnits) }

// Clear drops the newest value and both statistics. Persistent slots are only
// cleared when clearPersistent is set.
func (s *Slot) Clear(clearPersistent bool) {
	if s.Persistent && !clearPersistent {
		return
	}
	s.newestValid = false
	s.Value.Clear()
	s.Time.Clear()
}

// N is the number of committed samples.
func (s *Slot) N() int { return s.Value.N() }

// Mean of the committed values.
func (s *Slot) Mean() float64 { return s.Value.Mean() }

// DataTime is the rounded mean timestamp of the committed samples.
func (s *Slot) DataTime() int64 { return int64(mathx.RoundTo(s.Time.Mean(), 0)) }

func (s *Slot) Newest() (float64, bool) { return s.newest, s.newestValid }
func (s *Slot) NewestTime() int64       { return s.newestTime }

func (s *Slot) SetNewestTime(ms int64) { s.newestTime = ms }

func (s *Slot) SetNewestValue(v float64) {
	s.newest = v
	s.newestValid = true
}

func (s *Slot) InvalidateNewest() { s.newestValid = false }

// SetNewestValueText parses the numeric prefix of text. With strict set only
// whitespace may follow the number. With inferDecimals set the slot's
// decimals become the digit count after sep plus addDecimals.
func (s *Slot) SetNewestValueText(text string, strict, inferDecimals bool, addDecimals int, sep string) bool {
	v, end, ok := parsePrefix(text)
	if !ok {
		s.InvalidateNewest()
		return false
	}
	rest := text[end:]
	if strict && strings.TrimSpace(rest) != "" {
		s.InvalidateNewest()
		return false
	}
	if inferDecimals {
		at := strings.Index(text, sep)
		if at < 0 {
			at = len(text)
		}
		s.Decimals = mathx.Clamp(len(text)-at-1-len(rest)+addDecimals, 0, maxDecimals)
	}
	s.SetNewestValue(v)
	return true
}

// Save commits the newest value. Without averaging, or when the newest
// timestamp lies before the committed mean time (clock wrap), both statistics
// restart so pre- and post-wrap samples are never blended. It reports whether
// anything was committed and whether a wrap was detected.
func (s *Slot) Save(average bool) (saved, wrapped bool) {
	if !s.newestValid {
		return false, false
	}
	wrapped = s.Time.N() > 0 && s.newestTime < s.DataTime()
	if !average || wrapped {
		s.Value.Clear()
		s.Time.Clear()
	}
	s.Value.Add(s.newest)
	s.Time.Add(float64(s.newestTime))
	return true, wrapped
}

// SaveStats replaces the value statistics with an externally accumulated
// one, stamped with the newest timestamp.
func (s *Slot) SaveStats(rs stats.Running) bool {
	if rs.N() == 0 {
		return false
	}
	s.SetNewestValue(rs.Mean())
	s.Value = rs
	s.Time.Clear()
	s.Time.Add(float64(s.newestTime))
	return true
}

// FormatValue renders v rounded to decimals; negative decimals round to tens,
// hundreds and print without a fractional part.
func FormatValue(v float64, decimals int) string {
	return string(AppendValue(nil, v, decimals))
}

func AppendValue(dst []byte, v float64, decimals int) []byte {
	r := mathx.RoundTo(v, decimals)
	return strconv.AppendFloat(dst, r, 'f', mathx.Max(decimals, 0), 64)
}

// AssembleLog renders the data log fragment. n==0 renders nothing; n==1 omits
// the standard deviation. With withOffset the age of the mean timestamp
// relative to now is appended as "to".
func (s *Slot) AssembleLog(now int64, withOffset bool) (string, bool) {
	n := s.N()
	if n == 0 {
		return "", false
	}
	b := make([]byte, 0, 96)
	b = s.appendHead(b)
	b = AppendValue(b, s.Mean(), s.Decimals)
	if n > 1 {
		b = append(b, `,"s":`...)
		b = AppendValue(b, s.Value.StdDev(), s.Decimals)
	}
	b = append(b, `,"u":"`...)
	b = append(b, strx.JSONEscape(s.Units)...)
	b = append(b, `","n":`...)
	b = strconv.AppendInt(b, int64(n), 10)
	if withOffset {
		b = append(b, `,"to":`...)
		b = strconv.AppendInt(b, mathx.Max(now-s.DataTime(), 0), 10)
	}
	b = append(b, '}')
	return string(b), true
}

// AssembleInfo renders the newest value for the data variable, with
// "v":null when it is not valid.
func (s *Slot) AssembleInfo() string {
	b := make([]byte, 0, 64)
	b = s.appendHead(b)
	if !s.newestValid {
		b = append(b, "null}"...)
		return string(b)
	}
	b = AppendValue(b, s.newest, s.Decimals)
	if s.Units != "" {
		b = append(b, `,"u":"`...)
		b = append(b, strx.JSONEscape(s.Units)...)
		b = append(b, '"')
	}
	b = append(b, '}')
	return string(b)
}

func (s *Slot) appendHead(b []byte) []byte {
	b = append(b, `{"i":`...)
	b = strconv.AppendInt(b, int64(s.Index), 10)
	b = append(b, `,"k":"`...)
	b = append(b, strx.JSONEscape(s.Name)...)
	return append(b, `","v":`...)
}

// parsePrefix parses the longest leading float, after optional leading
// whitespace. end is the byte offset after the number.
func parsePrefix(s string) (v float64, end int, ok bool) {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	start := i
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
			digits++
		}
	}
	if digits == 0 {
		return 0, 0, false
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			i = j
		}
	}
	v, err := strconv.ParseFloat(s[start:i], 64)
	if err != nil {
		return 0, 0, false
	}
	return v, i, true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isSpace(c byte) bool { return c == ' ' || (c >= '\t' && c <= '\r') }
