//go:build !(rp2040 || rp2350)

package nvstore

import (
	"io"
	"os"
)

// File is a host store backed by a fixed-size image file.
type File struct {
	f    *os.File
	size int64
}

// OpenFile opens or creates the image at path, growing it to size with
// erased (0xFF) bytes.
func OpenFile(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if cur := st.Size(); cur < size {
		pad := make([]byte, size-cur)
		for i := range pad {
			pad[i] = 0xFF
		}
		if _, err := f.WriteAt(pad, cur); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &File{f: f, size: size}, nil
}

func (s *File) Size() int64 { return s.size }

func (s *File) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > s.size {
		return 0, io.EOF
	}
	return s.f.ReadAt(p, off)
}

func (s *File) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > s.size {
		return 0, io.ErrShortWrite
	}
	n, err := s.f.WriteAt(p, off)
	if err != nil {
		return n, err
	}
	return n, s.f.Sync()
}

func (s *File) Close() error { return s.f.Close() }
