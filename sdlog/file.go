package sdlog

import (
	"os"
	"path/filepath"

	"fieldlogger/errcode"
)

// Dir appends log lines to files in a directory, standing in for the SD card
// on a host build.
type Dir struct {
	Path string
}

func NewDir(path string) *Dir { return &Dir{Path: path} }

func (d *Dir) Available() bool {
	fi, err := os.Stat(d.Path)
	return err == nil && fi.IsDir()
}

func (d *Dir) Append(filename, text string) error {
	if !d.Available() {
		return errcode.SDUnavailable
	}
	f, err := os.OpenFile(filepath.Join(d.Path, filepath.Base(filename)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errcode.Wrap(errcode.SDUnavailable, "sdlog.append", err)
	}
	defer f.Close()
	if _, err := f.WriteString(text + "\n"); err != nil {
		return errcode.Wrap(errcode.SDTestFailed, "sdlog.append", err)
	}
	return nil
}
