package command

import (
	"strconv"

	"fieldlogger/x/strx"
)

// Quoted renders {"k":"key","v":"value"}.
func Quoted(key, value string) string {
	return `{"k":"` + strx.JSONEscape(key) + `","v":"` + strx.JSONEscape(value) + `"}`
}

// Bool renders a boolean setting with its command words.
func Bool(key string, v bool, on, off string) string {
	if v {
		return Quoted(key, on)
	}
	return Quoted(key, off)
}

// Int renders {"k":"key","v":n}.
func Int(key string, n int) string {
	return `{"k":"` + strx.JSONEscape(key) + `","v":` + strconv.Itoa(n) + `}`
}

// IntUnits renders {"k":"key","v":n,"u":"units"}.
func IntUnits(key string, n int, units string) string {
	return `{"k":"` + strx.JSONEscape(key) + `","v":` + strconv.Itoa(n) + `,"u":"` + strx.JSONEscape(units) + `"}`
}
