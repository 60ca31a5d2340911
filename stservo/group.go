package stservo

import (
	"context"
	"fmt"
	"time"
)

// PositionMap is a map of servo ID to position value.
type PositionMap map[int]int

// ServoGroup manages coordinated operations across multiple servos using
// the group sync reader and writer.
type ServoGroup struct {
	ctl    *Controller
	servos []*Servo
	ids    []int
}

// NewServoGroup creates a new group from the given servos.
func NewServoGroup(ctl *Controller, servos ...*Servo) *ServoGroup {
	ids := make([]int, len(servos))
	for i, s := range servos {
		ids[i] = s.ID()
	}
	return &ServoGroup{
		ctl:    ctl,
		servos: servos,
		ids:    ids,
	}
}

// NewServoGroupByIDs creates servos with the given IDs and groups them.
// All servos default to the STS3215 model.
func NewServoGroupByIDs(ctl *Controller, ids ...int) *ServoGroup {
	servos := make([]*Servo, len(ids))
	for i, id := range ids {
		servos[i] = NewServo(ctl, id, nil)
	}
	return NewServoGroup(ctl, servos...)
}

// Servos returns the servos in this group.
func (g *ServoGroup) Servos() []*Servo {
	return g.servos
}

// IDs returns the servo IDs in this group.
func (g *ServoGroup) IDs() []int {
	return g.ids
}

// ServoByID returns the servo with the given ID, or nil if not found.
func (g *ServoGroup) ServoByID(id int) *Servo {
	for _, s := range g.servos {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// Positions reads present positions from all servos with one sync read.
// Servos that did not answer are missing from the map; the error names the
// first of them.
func (g *ServoGroup) Positions(ctx context.Context) (PositionMap, error) {
	values, err := g.ReadRegister(ctx, RegPresentPosition)
	positions := make(PositionMap, len(values))
	for id, v := range values {
		positions[id] = int(v)
	}
	return positions, err
}

// ReadRegister reads reg from every servo with one sync read.
func (g *ServoGroup) ReadRegister(ctx context.Context, reg Register) (map[int]uint32, error) {
	reader := NewGroupSyncRead(g.ctl, reg.Address, reg.Size)
	for _, id := range g.ids {
		if err := reader.AddParam(id); err != nil {
			return nil, err
		}
	}

	res := reader.Execute(ctx)

	values := make(map[int]uint32, len(g.ids))
	var firstErr error
	for _, id := range g.ids {
		if ok, _ := reader.IsAvailable(id, reg.Address, reg.Size); ok {
			values[id] = reader.GetData(id, reg.Address, reg.Size)
		}
		if r, _ := reader.Result(id); firstErr == nil {
			firstErr = r.Err("sync read")
		}
	}
	if firstErr == nil && res != CommSuccess {
		firstErr = &CommError{Op: "sync read", Result: res}
	}
	return values, firstErr
}

// SetPositions writes goal positions with one sync write.
// Only servos with IDs present in the positions map are written.
func (g *ServoGroup) SetPositions(ctx context.Context, positions PositionMap) error {
	if len(positions) == 0 {
		return nil
	}

	if err := g.checkMembers(positions); err != nil {
		return err
	}

	proto := g.ctl.Protocol()
	writer := NewGroupSyncWrite(g.ctl, RegGoalPosition.Address, RegGoalPosition.Size)
	for _, id := range g.ids {
		pos, ok := positions[id]
		if !ok {
			continue
		}
		if err := g.ServoByID(id).checkPosition(pos); err != nil {
			return fmt.Errorf("servo %d: %w", id, err)
		}
		if err := writer.AddParam(id, proto.EncodeWord(uint16(pos))); err != nil {
			return err
		}
	}

	return resultErr("sync write", writer.Execute(ctx))
}

// SetPositionsEx writes position, speed and acceleration for each servo in
// one sync write of the acceleration..goal speed block. Only servos present
// in both positions and speeds are written.
func (g *ServoGroup) SetPositionsEx(ctx context.Context, positions, speeds PositionMap, acc int) error {
	if acc < 0 || acc > 254 {
		return fmt.Errorf("%w: acceleration %d", ErrInvalidValue, acc)
	}
	if err := g.checkMembers(positions); err != nil {
		return err
	}

	proto := g.ctl.Protocol()
	writer := NewGroupSyncWrite(g.ctl, RegAcceleration.Address, 7)
	for _, id := range g.ids {
		pos, hasPos := positions[id]
		speed, hasSpeed := speeds[id]
		if !hasPos || !hasSpeed {
			continue
		}
		if err := g.ServoByID(id).checkPosition(pos); err != nil {
			return fmt.Errorf("servo %d: %w", id, err)
		}

		data := make([]byte, 7)
		data[0] = byte(acc)
		copy(data[1:3], proto.EncodeWord(uint16(pos)))
		copy(data[5:7], proto.EncodeWord(encodeSignMagnitude(speed, RegGoalSpeed.SignBit)))
		if err := writer.AddParam(id, data); err != nil {
			return err
		}
	}

	if writer.Len() == 0 {
		return nil
	}
	return resultErr("sync write", writer.Execute(ctx))
}

// EnableAll enables torque on all servos.
func (g *ServoGroup) EnableAll(ctx context.Context) error {
	return g.setTorque(ctx, 1)
}

// DisableAll disables torque on all servos.
func (g *ServoGroup) DisableAll(ctx context.Context) error {
	return g.setTorque(ctx, 0)
}

func (g *ServoGroup) setTorque(ctx context.Context, value byte) error {
	if len(g.ids) == 0 {
		return nil
	}
	writer := NewGroupSyncWrite(g.ctl, RegTorqueEnable.Address, 1)
	for _, id := range g.ids {
		if err := writer.AddParam(id, []byte{value}); err != nil {
			return err
		}
	}
	return resultErr("sync write", writer.Execute(ctx))
}

// RegWritePositions buffers position writes to servos.
// Call Controller.Action to execute them simultaneously.
func (g *ServoGroup) RegWritePositions(ctx context.Context, positions PositionMap) error {
	if err := g.checkMembers(positions); err != nil {
		return err
	}

	proto := g.ctl.Protocol()
	for _, id := range g.ids {
		pos, ok := positions[id]
		if !ok {
			continue
		}
		reply, err := g.ctl.RegWrite(ctx, id, RegGoalPosition.Address, proto.EncodeWord(uint16(pos)))
		if err != nil {
			return err
		}
		if err := reply.Err("reg write"); err != nil {
			return err
		}
	}
	return nil
}

// WaitForStop polls the moving flag of every servo until none is moving.
// It returns the final positions.
func (g *ServoGroup) WaitForStop(ctx context.Context, timeout time.Duration) (PositionMap, error) {
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	expired := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			pos, _ := g.Positions(ctx)
			return pos, fmt.Errorf("%w after %s", ErrMotionTimeout, timeout)
		case <-ticker.C:
			moving, err := g.ReadRegister(ctx, RegMoving)
			if err != nil {
				continue
			}
			stopped := true
			for _, v := range moving {
				if v != 0 {
					stopped = false
					break
				}
			}
			if stopped {
				return g.Positions(ctx)
			}
		}
	}
}

func (g *ServoGroup) checkMembers(values PositionMap) error {
	for id := range values {
		if g.ServoByID(id) == nil {
			return fmt.Errorf("servo ID %d not in group", id)
		}
	}
	return nil
}

func resultErr(op string, res CommResult) error {
	if res == CommSuccess {
		return nil
	}
	return &CommError{Op: op, Result: res}
}
