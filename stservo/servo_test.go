package stservo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaidokert/waveshare-stservo-go/stservo"
	"github.com/kaidokert/waveshare-stservo-go/stservo/stservotest"
)

func newSimBus(t *testing.T, ids ...int) (*stservo.Controller, *stservotest.Bus) {
	t.Helper()

	sim := stservotest.NewBus()
	for _, id := range ids {
		sim.AddServo(id, stservo.ModelSTS3215.Number)
	}

	port := stservo.NewPort(stservo.PortConfig{
		LatencyTimer: 2 * time.Millisecond,
		Opener:       sim.Open,
	})
	require.NoError(t, port.Open("sim"))

	ctl := stservo.NewController(port, stservo.ControllerConfig{})
	t.Cleanup(func() { ctl.Close() })
	return ctl, sim
}

func TestServo_DetectModel(t *testing.T) {
	ctl, _ := newSimBus(t, 1)
	s := stservo.NewServo(ctl, 1, &stservo.ModelSCS0009)

	require.NoError(t, s.DetectModel(context.Background()))
	assert.Equal(t, "sts3215", s.Model().Name)
}

func TestServo_PingAbsent(t *testing.T) {
	ctl, _ := newSimBus(t, 1)
	s := stservo.NewServo(ctl, 2, nil)

	_, err := s.Ping(context.Background())
	assert.True(t, stservo.IsTimeout(err))
}

func TestServo_TorqueRoundTrip(t *testing.T) {
	ctl, sim := newSimBus(t, 1)
	s := stservo.NewServo(ctl, 1, nil)
	ctx := context.Background()

	require.NoError(t, s.Enable(ctx))
	enabled, err := s.TorqueEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, uint32(1), sim.Device(1).Get(stservo.RegTorqueEnable.Address, 1))

	require.NoError(t, s.Disable(ctx))
	enabled, err = s.TorqueEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestServo_FaultIsReported(t *testing.T) {
	ctl, sim := newSimBus(t, 1)
	sim.Device(1).Status = stservo.ErrOverload
	s := stservo.NewServo(ctl, 1, nil)

	err := s.Enable(context.Background())
	servoErr, ok := stservo.GetServoError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, stservo.ErrOverload, servoErr.Status)

	// the write still landed
	assert.Equal(t, uint32(1), sim.Device(1).Get(stservo.RegTorqueEnable.Address, 1))
}

func TestServo_SetPosition(t *testing.T) {
	ctl, sim := newSimBus(t, 1)
	s := stservo.NewServo(ctl, 1, nil)
	ctx := context.Background()

	require.NoError(t, s.SetPosition(ctx, 1000))
	assert.Equal(t, uint32(1000), sim.Device(1).Get(stservo.RegGoalPosition.Address, 2))

	before := sim.Requests
	assert.ErrorIs(t, s.SetPosition(ctx, 4096), stservo.ErrInvalidValue)
	assert.ErrorIs(t, s.SetPosition(ctx, -1), stservo.ErrInvalidValue)
	assert.Equal(t, before, sim.Requests, "out of range positions must not be sent")

	pos, err := s.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2048, pos)
}

func TestServo_WritePosEx(t *testing.T) {
	ctl, sim := newSimBus(t, 1)
	s := stservo.NewServo(ctl, 1, nil)
	ctx := context.Background()
	dev := sim.Device(1)

	require.NoError(t, s.WritePosEx(ctx, 3000, 2400, 50))
	assert.Equal(t, uint32(50), dev.Get(stservo.RegAcceleration.Address, 1))
	assert.Equal(t, uint32(3000), dev.Get(stservo.RegGoalPosition.Address, 2))
	assert.Equal(t, uint32(0), dev.Get(stservo.RegGoalTime.Address, 2))
	assert.Equal(t, uint32(2400), dev.Get(stservo.RegGoalSpeed.Address, 2))

	require.NoError(t, s.WritePosEx(ctx, 100, -300, 0))
	assert.Equal(t, uint32(0x8000|300), dev.Get(stservo.RegGoalSpeed.Address, 2))

	assert.ErrorIs(t, s.WritePosEx(ctx, 100, 300, 255), stservo.ErrInvalidValue)
}

func TestServo_WheelMode(t *testing.T) {
	ctl, sim := newSimBus(t, 1)
	s := stservo.NewServo(ctl, 1, nil)
	ctx := context.Background()
	dev := sim.Device(1)

	require.NoError(t, s.WheelMode(ctx))
	mode, err := s.OperatingMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, stservo.ModeWheel, mode)

	require.NoError(t, s.WriteSpeed(ctx, -500, 10))
	assert.Equal(t, uint32(10), dev.Get(stservo.RegAcceleration.Address, 1))
	assert.Equal(t, uint32(0x8000|500), dev.Get(stservo.RegGoalSpeed.Address, 2))

	assert.ErrorIs(t, s.SetOperatingMode(ctx, 4), stservo.ErrInvalidValue)
}

func TestServo_Feedback(t *testing.T) {
	ctl, sim := newSimBus(t, 1)
	s := stservo.NewServo(ctl, 1, nil)
	ctx := context.Background()
	dev := sim.Device(1)

	dev.Set(stservo.RegPresentSpeed.Address, 2, 0x8000|120)
	dev.Set(stservo.RegPresentLoad.Address, 2, 1<<10|25)
	dev.Set(stservo.RegPresentCurrent.Address, 2, 40)

	speed, err := s.Speed(ctx)
	require.NoError(t, err)
	assert.Equal(t, -120, speed)

	load, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, -25, load)

	current, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, current)

	volts, err := s.Voltage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120, volts)

	temp, err := s.Temperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, temp)

	moving, err := s.Moving(ctx)
	require.NoError(t, err)
	assert.False(t, moving)
}

func TestServo_SetID(t *testing.T) {
	ctl, sim := newSimBus(t, 1)
	s := stservo.NewServo(ctl, 1, nil)
	ctx := context.Background()

	require.NoError(t, s.SetID(ctx, 7))
	assert.Equal(t, 7, s.ID())
	assert.Nil(t, sim.Device(1))

	dev := sim.Device(7)
	require.NotNil(t, dev)
	assert.Equal(t, uint32(1), dev.Get(stservo.RegLock.Address, 1), "eeprom must be locked again")

	_, err := s.Ping(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetID(ctx, stservo.BroadcastID), stservo.ErrInvalidID)
}

func TestServo_EEPROMSettings(t *testing.T) {
	ctl, sim := newSimBus(t, 1)
	s := stservo.NewServo(ctl, 1, nil)
	ctx := context.Background()
	dev := sim.Device(1)

	require.NoError(t, s.SetPositionLimits(ctx, 100, 3900))
	lo, hi, err := s.PositionLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, lo)
	assert.Equal(t, 3900, hi)
	assert.Equal(t, uint32(1), dev.Get(stservo.RegLock.Address, 1))

	assert.ErrorIs(t, s.SetPositionLimits(ctx, 3000, 2000), stservo.ErrInvalidValue)

	require.NoError(t, s.SetBaudRate(ctx, 115200))
	assert.Equal(t, uint32(4), dev.Get(stservo.RegBaudRate.Address, 1))
	assert.Error(t, s.SetBaudRate(ctx, 9600))

	s.SetModel(nil)
	assert.Equal(t, &stservo.ModelSTS3215, s.Model())
	require.NoError(t, s.SetBaudRate(ctx, 500000))
	assert.Equal(t, uint32(1), dev.Get(stservo.RegBaudRate.Address, 1))
}

func TestServo_NamedRegisters(t *testing.T) {
	ctl, sim := newSimBus(t, 1)
	s := stservo.NewServo(ctl, 1, nil)
	ctx := context.Background()

	require.NoError(t, s.WriteNamed(ctx, "goal_speed", -100))
	assert.Equal(t, uint32(0x8000|100), sim.Device(1).Get(stservo.RegGoalSpeed.Address, 2))

	v, err := s.ReadNamed(ctx, "goal_speed")
	require.NoError(t, err)
	assert.Equal(t, -100, v)

	v, err = s.ReadNamed(ctx, "temperature")
	require.NoError(t, err)
	assert.Equal(t, 30, v)

	_, err = s.ReadNamed(ctx, "bogus")
	assert.Error(t, err)
	assert.Error(t, s.WriteNamed(ctx, "present_position", 1))
	assert.ErrorIs(t, s.WriteNamed(ctx, "goal_position", -1), stservo.ErrInvalidValue)
}

func TestServo_CorruptReply(t *testing.T) {
	ctl, sim := newSimBus(t, 1)
	sim.Mangle = func(frame []byte) []byte {
		frame[len(frame)-1] ^= 0xFF
		return frame
	}
	s := stservo.NewServo(ctl, 1, nil)

	_, err := s.Position(context.Background())
	var commErr *stservo.CommError
	require.ErrorAs(t, err, &commErr)
	assert.Equal(t, stservo.CommRxCorrupt, commErr.Result)
}

func TestServoGroup_RegWritePositions(t *testing.T) {
	ctl, sim := newSimBus(t, 1, 2)
	g := stservo.NewServoGroupByIDs(ctl, 1, 2)
	ctx := context.Background()

	require.NoError(t, g.RegWritePositions(ctx, stservo.PositionMap{1: 100, 2: 200}))
	assert.Equal(t, uint32(2048), sim.Device(1).Get(stservo.RegGoalPosition.Address, 2))

	require.Equal(t, stservo.CommSuccess, ctl.Action(ctx).Result)
	assert.Equal(t, uint32(100), sim.Device(1).Get(stservo.RegGoalPosition.Address, 2))
	assert.Equal(t, uint32(200), sim.Device(2).Get(stservo.RegGoalPosition.Address, 2))
}

func TestBus_BroadcastWrite(t *testing.T) {
	ctl, sim := newSimBus(t, 1, 2)

	reply, err := ctl.WriteRegister(context.Background(), stservo.BroadcastID, stservo.RegTorqueEnable, 1)
	require.NoError(t, err)
	assert.Equal(t, stservo.CommSuccess, reply.Result)

	assert.Equal(t, uint32(1), sim.Device(1).Get(stservo.RegTorqueEnable.Address, 1))
	assert.Equal(t, uint32(1), sim.Device(2).Get(stservo.RegTorqueEnable.Address, 1))
}

func TestBus_Reset(t *testing.T) {
	ctl, _ := newSimBus(t, 1)

	reply, err := ctl.Reset(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, reply.OK())
}
