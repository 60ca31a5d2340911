package stservo

import (
	"context"
	"fmt"
	"slices"
)

// GroupSyncRead reads the same register block from several servos with one
// broadcast request.
type GroupSyncRead struct {
	ctl     *Controller
	address byte
	width   int

	ids     []byte
	results map[byte]Reply
}

// NewGroupSyncRead creates an empty group reading width bytes at address.
func NewGroupSyncRead(ctl *Controller, address byte, width int) *GroupSyncRead {
	return &GroupSyncRead{
		ctl:     ctl,
		address: address,
		width:   width,
		results: make(map[byte]Reply),
	}
}

// Address returns the start address of the block.
func (g *GroupSyncRead) Address() byte { return g.address }

// Width returns the per-servo data length.
func (g *GroupSyncRead) Width() int { return g.width }

// IDs returns the members in insertion order.
func (g *GroupSyncRead) IDs() []int {
	ids := make([]int, len(g.ids))
	for i, id := range g.ids {
		ids[i] = int(id)
	}
	return ids
}

// AddParam adds a servo to the group.
func (g *GroupSyncRead) AddParam(id int) error {
	if id < 0 || id > MaxServoID {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	if slices.Contains(g.ids, byte(id)) {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	g.ids = append(g.ids, byte(id))
	delete(g.results, byte(id))
	return nil
}

// RemoveParam drops a member and its last result.
func (g *GroupSyncRead) RemoveParam(id int) {
	if id < 0 || id > MaxServoID {
		return
	}
	g.ids = slices.DeleteFunc(g.ids, func(m byte) bool { return m == byte(id) })
	delete(g.results, byte(id))
}

// ClearParam removes every member.
func (g *GroupSyncRead) ClearParam() {
	g.ids = nil
	g.results = make(map[byte]Reply)
}

// Execute sends the sync-read and collects one reply per member. It returns
// CommSuccess when every member answered, otherwise the first failing
// member's result. Results from a previous Execute are discarded.
func (g *GroupSyncRead) Execute(ctx context.Context) CommResult {
	g.results = make(map[byte]Reply)
	if len(g.ids) == 0 {
		return CommNotAvailable
	}

	replies, res, err := g.ctl.SyncRead(ctx, g.address, g.width, g.ids)
	if err != nil {
		return CommTxError
	}
	for id, r := range replies {
		g.results[id] = r
	}
	return res
}

// Result returns the last reply recorded for id.
func (g *GroupSyncRead) Result(id int) (Reply, bool) {
	if id < 0 || id > MaxServoID {
		return Reply{}, false
	}
	r, ok := g.results[byte(id)]
	return r, ok
}

// IsAvailable reports whether the last Execute got a valid reply from id that
// covers [address, address+width). The servo's status flags are returned
// either way.
func (g *GroupSyncRead) IsAvailable(id int, address byte, width int) (bool, StatusError) {
	r, ok := g.Result(id)
	if !ok {
		return false, 0
	}
	if r.Result != CommSuccess {
		return false, r.Status
	}
	start := int(address)
	if start < int(g.address) || width < 1 || start+width > int(g.address)+len(r.Data) {
		return false, r.Status
	}
	return true, r.Status
}

// GetData extracts a 1, 2 or 4 byte field from id's last reply. It returns 0
// when the field is not available.
func (g *GroupSyncRead) GetData(id int, address byte, width int) uint32 {
	if validateWidth(width) != nil {
		return 0
	}
	if ok, _ := g.IsAvailable(id, address, width); !ok {
		return 0
	}

	r := g.results[byte(id)]
	off := int(address) - int(g.address)
	return g.ctl.Protocol().DecodeValue(r.Data[off:off+width], width)
}
