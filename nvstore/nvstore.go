// Package nvstore is the non-volatile storage primitive: a byte-addressable
// store partitioned into fixed regions, each holding one fixed-layout state
// record. Records are encoded little endian with encoding/binary, so fields
// must be fixed size (bool, intN, uintN, floatN, arrays). By convention the
// first field of every record is its uint8 version.
package nvstore

import (
	"bytes"
	"encoding/binary"

	"fieldlogger/errcode"
)

// Store is the raw persistent medium.
type Store interface {
	Size() int64
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Invalid is the version sentinel that never matches a real record.
const Invalid uint8 = 0

// Region is a disjoint byte range of a Store.
type Region struct {
	store Store
	Off   int64
	Size  int
}

func NewRegion(s Store, off int64, size int) Region {
	return Region{store: s, Off: off, Size: size}
}

// Valid reports whether the region is bound to a store and non-empty.
func (r Region) Valid() bool { return r.store != nil && r.Size > 0 }

// Get decodes the record stored in the region into v (a pointer).
func (r Region) Get(v any) error {
	n := binary.Size(v)
	if n < 0 {
		return &errcode.E{C: errcode.Error, Op: "nvstore.get", Msg: "record is not fixed size"}
	}
	if !r.Valid() || n > r.Size {
		return &errcode.E{C: errcode.Overflow, Op: "nvstore.get", Msg: "record larger than region"}
	}
	buf := make([]byte, n)
	if _, err := r.store.ReadAt(buf, r.Off); err != nil {
		return errcode.Wrap(errcode.Error, "nvstore.get", err)
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// Put encodes v into the region. Unchanged bytes are not rewritten, so
// redundant saves within one tick cost a read only.
func (r Region) Put(v any) error {
	n := binary.Size(v)
	if n < 0 {
		return &errcode.E{C: errcode.Error, Op: "nvstore.put", Msg: "record is not fixed size"}
	}
	if !r.Valid() || n > r.Size {
		return &errcode.E{C: errcode.Overflow, Op: "nvstore.put", Msg: "record larger than region"}
	}
	var w bytes.Buffer
	w.Grow(n)
	if err := binary.Write(&w, binary.LittleEndian, v); err != nil {
		return errcode.Wrap(errcode.Error, "nvstore.put", err)
	}
	cur := make([]byte, n)
	if _, err := r.store.ReadAt(cur, r.Off); err == nil && bytes.Equal(cur, w.Bytes()) {
		return nil
	}
	if _, err := r.store.WriteAt(w.Bytes(), r.Off); err != nil {
		return errcode.Wrap(errcode.Error, "nvstore.put", err)
	}
	return nil
}

// Invalidate overwrites the version byte with Invalid so the next restore
// falls back to defaults.
func (r Region) Invalidate() error {
	if !r.Valid() {
		return nil
	}
	if _, err := r.store.WriteAt([]byte{Invalid}, r.Off); err != nil {
		return errcode.Wrap(errcode.Error, "nvstore.invalidate", err)
	}
	return nil
}

// Versioned is implemented by state records.
type Versioned interface{ StateVersion() uint8 }

// Restore loads the stored record into st when its version matches st's.
// On mismatch st keeps its defaults, which are written back immediately.
// found is the stored version, useful for logging.
func Restore[T any, P interface {
	*T
	Versioned
}](r Region, st P) (restored bool, found uint8, err error) {
	var saved T
	if err := r.Get(P(&saved)); err != nil {
		return false, Invalid, err
	}
	found = P(&saved).StateVersion()
	if found != st.StateVersion() {
		return false, found, r.Put(st)
	}
	*st = saved
	return true, found, nil
}
