package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestReturnValuesStable(t *testing.T) {
	cases := []struct {
		c    Code
		want int
	}{
		{OK, 0},
		{Unchanged, 1},
		{Error, -1},
		{Locked, -2},
		{InvalidCommand, -3},
		{InvalidValue, -4},
		{InvalidUnits, -5},
		{NotAReader, -10},
		{LogSmallerThanRead, -11},
		{ReadBelowMin, -12},
		{SDTestFailed, -17},
		{Undefined, -100},
		{StorageFull, -1},
	}
	for _, tc := range cases {
		if got := tc.c.Return(); got != tc.want {
			t.Errorf("%q.Return() = %d, want %d", tc.c, got, tc.want)
		}
	}
}

func TestOfUnwrapsWrappedCodes(t *testing.T) {
	if Of(nil) != OK {
		t.Fatal("nil should map to OK")
	}
	if Of(fmt.Errorf("ctx: %w", Locked)) != Locked {
		t.Fatal("wrapped Code not found")
	}
	e := Wrap(StorageFull, "register", errors.New("region past end"))
	if Of(fmt.Errorf("outer: %w", e)) != StorageFull {
		t.Fatal("wrapped *E not found")
	}
	if Of(errors.New("plain")) != Error {
		t.Fatal("plain error should map to Error")
	}
	if Wrap(Timeout, "x", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}

func TestEErrorFormat(t *testing.T) {
	e := &E{C: Overflow, Op: "serial", Msg: "capture full"}
	if got, want := e.Error(), "serial: overflow: capture full"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
