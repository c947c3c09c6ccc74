package nvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldlogger/errcode"
)

type testState struct {
	Version uint8
	On      bool
	Period  int32
	Name    [8]byte
}

func (s *testState) StateVersion() uint8 { return s.Version }

func TestPutGetRoundTrip(t *testing.T) {
	m := NewMem(64)
	r := NewRegion(m, 8, 16)
	in := testState{Version: 5, On: true, Period: 1500}
	copy(in.Name[:], "abc")
	require.NoError(t, r.Put(&in))

	var out testState
	require.NoError(t, r.Get(&out))
	assert.Equal(t, in, out)
	assert.Equal(t, byte(0xFF), m.Bytes()[0], "bytes before the region untouched")
}

func TestPutRejectsOversizedRecord(t *testing.T) {
	r := NewRegion(NewMem(64), 0, 4)
	err := r.Put(&testState{Version: 1})
	assert.Equal(t, errcode.Overflow, errcode.Of(err))
}

func TestRestoreVersionMismatchPersistsDefaults(t *testing.T) {
	m := NewMem(32)
	r := NewRegion(m, 0, 16)
	require.NoError(t, r.Put(&testState{Version: 3, On: true, Period: 99}))

	defaults := testState{Version: 5, On: false, Period: 2000}
	st := defaults
	restored, found, err := Restore(r, &st)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, uint8(3), found)
	assert.Equal(t, defaults, st, "in-memory defaults unchanged")

	var back testState
	require.NoError(t, r.Get(&back))
	assert.Equal(t, defaults, back, "defaults written back")
}

func TestRestoreMatchingVersionLoads(t *testing.T) {
	r := NewRegion(NewMem(32), 0, 16)
	require.NoError(t, r.Put(&testState{Version: 5, On: true, Period: 42}))

	st := testState{Version: 5}
	restored, _, err := Restore(r, &st)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.True(t, st.On)
	assert.Equal(t, int32(42), st.Period)
}

func TestInvalidateForcesDefaults(t *testing.T) {
	r := NewRegion(NewMem(32), 0, 16)
	require.NoError(t, r.Put(&testState{Version: 5, On: true}))
	require.NoError(t, r.Invalidate())

	st := testState{Version: 5}
	restored, found, err := Restore(r, &st)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, Invalid, found)
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nv.img")
	f, err := OpenFile(path, 128)
	require.NoError(t, err)
	r := NewRegion(f, 32, 16)
	require.NoError(t, r.Put(&testState{Version: 2, Period: 7}))
	require.NoError(t, f.Close())

	f, err = OpenFile(path, 128)
	require.NoError(t, err)
	defer f.Close()
	var st testState
	require.NoError(t, NewRegion(f, 32, 16).Get(&st))
	assert.Equal(t, int32(7), st.Period)
}
