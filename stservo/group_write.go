package stservo

import (
	"context"
	"fmt"
)

// GroupSyncWrite accumulates per-servo data for one register block and sends
// it as a single broadcast sync-write. Entries go out in insertion order.
type GroupSyncWrite struct {
	ctl     *Controller
	address byte
	width   int

	entries []SyncWriteEntry
	index   map[byte]int
}

// NewGroupSyncWrite creates an empty group writing width bytes at address.
func NewGroupSyncWrite(ctl *Controller, address byte, width int) *GroupSyncWrite {
	return &GroupSyncWrite{
		ctl:     ctl,
		address: address,
		width:   width,
		index:   make(map[byte]int),
	}
}

// Address returns the start address of the block.
func (g *GroupSyncWrite) Address() byte { return g.address }

// Width returns the per-servo data length.
func (g *GroupSyncWrite) Width() int { return g.width }

// Len returns the number of members.
func (g *GroupSyncWrite) Len() int { return len(g.entries) }

// AddParam adds a servo with its data. The data is copied.
func (g *GroupSyncWrite) AddParam(id int, data []byte) error {
	if err := g.check(id, data); err != nil {
		return err
	}
	if _, ok := g.index[byte(id)]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	g.index[byte(id)] = len(g.entries)
	g.entries = append(g.entries, SyncWriteEntry{ID: byte(id), Data: clone(data)})
	return nil
}

// ChangeParam replaces the data of an existing member.
func (g *GroupSyncWrite) ChangeParam(id int, data []byte) error {
	if err := g.check(id, data); err != nil {
		return err
	}
	i, ok := g.index[byte(id)]
	if !ok {
		return fmt.Errorf("%w: %d not in group", ErrInvalidID, id)
	}

	g.entries[i].Data = clone(data)
	return nil
}

// RemoveParam drops a member. Removing an unknown id is a no-op.
func (g *GroupSyncWrite) RemoveParam(id int) {
	if id < 0 || id > MaxServoID {
		return
	}
	i, ok := g.index[byte(id)]
	if !ok {
		return
	}

	g.entries = append(g.entries[:i], g.entries[i+1:]...)
	delete(g.index, byte(id))
	for j := i; j < len(g.entries); j++ {
		g.index[g.entries[j].ID] = j
	}
}

// ClearParam removes every member.
func (g *GroupSyncWrite) ClearParam() {
	g.entries = nil
	g.index = make(map[byte]int)
}

// Execute sends the sync-write. An empty group sends nothing and returns
// CommNotAvailable.
func (g *GroupSyncWrite) Execute(ctx context.Context) CommResult {
	if len(g.entries) == 0 {
		return CommNotAvailable
	}

	res, err := g.ctl.SyncWrite(ctx, g.address, g.width, g.entries)
	if err != nil {
		// members were validated on the way in; only an oversized frame gets here
		return CommTxError
	}
	return res
}

func (g *GroupSyncWrite) check(id int, data []byte) error {
	if id < 0 || id > MaxServoID {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	if len(data) != g.width {
		return fmt.Errorf("%w: servo %d has %d bytes, want %d", ErrWidthMismatch, id, len(data), g.width)
	}
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
