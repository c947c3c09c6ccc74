// Package sdlog is the durable local log: every admitted state or data log
// is appended as one line to a file on removable storage.
package sdlog

// Sink appends whole log lines to named files.
type Sink interface {
	// Available reports whether the medium is present and initialised.
	Available() bool
	// Append writes text followed by a newline to filename.
	Append(filename, text string) error
}

// Default file names.
const (
	StateFile = "state_log.txt"
	DataFile  = "data_log.txt"
)
