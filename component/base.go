package component

import (
	"fieldlogger/measure"
	"fieldlogger/nvstore"
)

// Base carries the slot bookkeeping shared by all peripherals. Embed it and
// add capabilities on top.
type Base struct {
	id         string
	slots      []*measure.Slot
	sameOffset bool
	autoClear  bool

	Region nvstore.Region
}

func NewBase(id string, sameOffset, autoClear bool) Base {
	return Base{id: id, sameOffset: sameOffset, autoClear: autoClear}
}

func (b *Base) ID() string                  { return b.id }
func (b *Base) Slots() []*measure.Slot      { return b.slots }
func (b *Base) SameTimeOffset() bool        { return b.sameOffset }
func (b *Base) BindRegion(r nvstore.Region) { b.Region = r }

// AddSlot appends a slot; call before registration.
func (b *Base) AddSlot(s *measure.Slot) *measure.Slot {
	b.slots = append(b.slots, s)
	return s
}

// SetupSlots gives every slot its own consecutive index.
func (b *Base) SetupSlots(start int) int {
	for _, s := range b.slots {
		s.Index = start
		start++
	}
	return start
}

func (b *Base) ClearData(clearPersistent bool) {
	if !b.autoClear {
		return
	}
	for _, s := range b.slots {
		s.Clear(clearPersistent)
	}
}

// StampNewest sets the newest timestamp of every slot.
func (b *Base) StampNewest(ms int64) {
	for _, s := range b.slots {
		s.SetNewestTime(ms)
	}
}
