//go:build rp2040 || rp2350

package nvstore

import (
	"errors"
	"io"
	"machine"
)

// Flash stores records in the on-chip flash data area. Writes are
// read-modify-erase-write per erase block, skipped when nothing changed.
type Flash struct {
	size  int64
	block []byte
}

// NewFlash reserves size bytes at the start of the flash data area.
func NewFlash(size int64) (*Flash, error) {
	if size > machine.Flash.Size() {
		return nil, errors.New("nvstore: flash data area too small")
	}
	return &Flash{size: size, block: make([]byte, machine.Flash.EraseBlockSize())}, nil
}

func (f *Flash) Size() int64 { return f.size }

func (f *Flash) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > f.size {
		return 0, io.EOF
	}
	return machine.Flash.ReadAt(p, off)
}

func (f *Flash) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > f.size {
		return 0, io.ErrShortWrite
	}
	bs := int64(len(f.block))
	written := 0
	for written < len(p) {
		at := off + int64(written)
		blk := at / bs
		start := blk * bs
		if _, err := machine.Flash.ReadAt(f.block, start); err != nil {
			return written, err
		}
		n := copy(f.block[at-start:], p[written:])
		if err := machine.Flash.EraseBlocks(blk, 1); err != nil {
			return written, err
		}
		if _, err := machine.Flash.WriteAt(f.block, start); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}
