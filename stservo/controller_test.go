package stservo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaidokert/waveshare-stservo-go/transports"
)

// status builds a status frame the way a servo would send it.
func status(id byte, errByte byte, params ...byte) []byte {
	body := append([]byte{id, byte(len(params) + 2), errByte}, params...)
	frame := append([]byte{0xFF, 0xFF}, body...)
	return append(frame, Checksum(body))
}

func newTestController(t *testing.T, mock *transports.MockTransport) *Controller {
	t.Helper()
	ctl, err := Open(BusConfig{
		Transport:    mock,
		LatencyTimer: 2 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ctl.Close() })
	return ctl
}

func TestController_Ping(t *testing.T) {
	mock := &transports.MockTransport{
		Replies: [][]byte{
			{0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC},             // ping
			{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x09, 0x03, 0xEE}, // model number 777 (0x0309)
		},
	}
	ctl := newTestController(t, mock)

	model, reply, err := ctl.Ping(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, reply.OK())
	assert.Equal(t, uint16(777), model)

	want := []byte{
		0xFF, 0xFF, 0x01, 0x02, 0x01, 0xFB, // ping
		0xFF, 0xFF, 0x01, 0x04, 0x02, 0x03, 0x02, 0xF3, // read model number
	}
	assert.Equal(t, want, mock.Written())
}

func TestController_PingBroadcastNotAvailable(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl := newTestController(t, mock)

	_, reply, err := ctl.Ping(context.Background(), BroadcastID)
	require.NoError(t, err)
	assert.Equal(t, CommNotAvailable, reply.Result)
	assert.Empty(t, mock.Written())
}

func TestController_Read(t *testing.T) {
	mock := &transports.MockTransport{
		Replies: [][]byte{{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x00, 0x08, 0xF2}}, // position 2048
	}
	ctl := newTestController(t, mock)

	value, reply, err := ctl.ReadRegister(context.Background(), 1, RegPresentPosition)
	require.NoError(t, err)
	require.Equal(t, CommSuccess, reply.Result)
	assert.Equal(t, uint32(2048), value)
	assert.Equal(t, []byte{0xFF, 0xFF, 0x01, 0x04, 0x02, 0x38, 0x02, 0xBE}, mock.Written())
	assert.Equal(t, 1, mock.Flushed)
}

func TestController_ReadToleratesLeadingNoise(t *testing.T) {
	reply := append([]byte{0x00, 0x12, 0xFF}, status(1, 0, 0x00, 0x08)...)
	mock := &transports.MockTransport{Replies: [][]byte{reply}}
	ctl := newTestController(t, mock)

	value, r, err := ctl.Read(context.Background(), 1, RegPresentPosition.Address, 2)
	require.NoError(t, err)
	require.Equal(t, CommSuccess, r.Result)
	assert.Equal(t, uint32(2048), value)
}

func TestController_ReadBytes(t *testing.T) {
	mock := &transports.MockTransport{
		Replies: [][]byte{status(3, 0, 0x01, 0x02, 0x03, 0x04, 0x05)},
	}
	ctl := newTestController(t, mock)

	reply, err := ctl.ReadBytes(context.Background(), 3, 56, 5)
	require.NoError(t, err)
	require.Equal(t, CommSuccess, reply.Result)
	assert.Equal(t, byte(3), reply.ID)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05}, reply.Data)
}

func TestController_Write(t *testing.T) {
	mock := &transports.MockTransport{
		Replies: [][]byte{{0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC}},
	}
	ctl := newTestController(t, mock)

	reply, err := ctl.WriteRegister(context.Background(), 1, RegGoalPosition, 2048)
	require.NoError(t, err)
	assert.True(t, reply.OK())

	want, err := ctl.Protocol().WritePacket(1, RegGoalPosition.Address, []byte{0x00, 0x08})
	require.NoError(t, err)
	assert.Equal(t, want, mock.Written())
}

func TestController_WriteBroadcastDoesNotWait(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl := newTestController(t, mock)

	start := time.Now()
	reply, err := ctl.Write(context.Background(), BroadcastID, 0x05, 1, 0x01)
	require.NoError(t, err)
	assert.Equal(t, CommSuccess, reply.Result)
	assert.Less(t, time.Since(start), ctl.Port().PacketTimeout(MinFrameLen))

	assert.Equal(t, []byte{0xFF, 0xFF, 0xFE, 0x04, 0x03, 0x05, 0x01, 0xF4}, mock.Written())
}

func TestController_WriteReadOnlyRejected(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl := newTestController(t, mock)

	_, err := ctl.WriteRegister(context.Background(), 1, RegPresentPosition, 1)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Empty(t, mock.Written())
}

func TestController_InvalidArguments(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl := newTestController(t, mock)
	ctx := context.Background()

	_, _, err := ctl.Read(ctx, 255, 56, 2)
	assert.ErrorIs(t, err, ErrInvalidID)

	_, _, err = ctl.Read(ctx, -1, 56, 2)
	assert.ErrorIs(t, err, ErrInvalidID)

	_, _, err = ctl.Read(ctx, 1, 56, 3)
	assert.ErrorIs(t, err, ErrInvalidWidth)

	_, err = ctl.ReadBytes(ctx, 1, 56, 0)
	assert.ErrorIs(t, err, ErrInvalidWidth)

	_, err = ctl.Write(ctx, 1, 56, 3, 0)
	assert.ErrorIs(t, err, ErrInvalidWidth)

	_, err = ctl.WriteBytes(ctx, 1, 56, nil)
	assert.ErrorIs(t, err, ErrInvalidWidth)

	_, _, err = ctl.SyncRead(ctx, 56, 2, []byte{1, 1})
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = ctl.SyncWrite(ctx, 42, 2, []SyncWriteEntry{{ID: 0xFE, Data: []byte{0, 0}}})
	assert.ErrorIs(t, err, ErrInvalidID)

	assert.Empty(t, mock.Written(), "nothing may be sent for rejected arguments")
}

func TestController_ClosedPort(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl := newTestController(t, mock)
	require.NoError(t, ctl.Close())
	assert.True(t, mock.Closed)

	_, reply, err := ctl.Read(context.Background(), 1, 56, 2)
	require.NoError(t, err)
	assert.Equal(t, CommTxFail, reply.Result)
	assert.Equal(t, OutcomeTransportError, reply.Outcome())

	res, err := ctl.SyncWrite(context.Background(), 42, 2, []SyncWriteEntry{{ID: 1, Data: []byte{0, 8}}})
	require.NoError(t, err)
	assert.Equal(t, CommTxFail, res)
}

func TestController_AbsentServoTimesOut(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl := newTestController(t, mock)

	start := time.Now()
	_, reply, err := ctl.Read(context.Background(), 7, 56, 2)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, CommRxTimeout, reply.Result)
	assert.True(t, IsTimeout(reply.Err("read")))

	window := ctl.Port().PacketTimeout(ResponseLength(2))
	assert.GreaterOrEqual(t, elapsed, window-time.Millisecond)
	assert.Less(t, elapsed, window+100*time.Millisecond)
}

func TestController_PartialReplyIsCorrupt(t *testing.T) {
	mock := &transports.MockTransport{
		Replies: [][]byte{{0xFF, 0xFF, 0x01, 0x04}},
	}
	ctl := newTestController(t, mock)

	_, reply, err := ctl.Read(context.Background(), 1, 56, 2)
	require.NoError(t, err)
	assert.Equal(t, CommRxCorrupt, reply.Result)
}

func TestController_WrongReplyIsCorrupt(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"other id", status(2, 0, 0x00, 0x08)},
		{"short data", status(1, 0, 0x00)},
		{"bad checksum", []byte{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x00, 0x08, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &transports.MockTransport{Replies: [][]byte{tt.reply}}
			ctl := newTestController(t, mock)

			_, reply, err := ctl.Read(context.Background(), 1, 56, 2)
			require.NoError(t, err)
			assert.Equal(t, CommRxCorrupt, reply.Result)
		})
	}
}

func TestController_StatusFault(t *testing.T) {
	mock := &transports.MockTransport{
		Replies: [][]byte{status(1, byte(ErrOverheat|ErrOverload))},
	}
	ctl := newTestController(t, mock)

	reply, err := ctl.Write(context.Background(), 1, 40, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, CommSuccess, reply.Result)
	assert.Equal(t, OutcomeDeviceFault, reply.Outcome())

	servoErr, ok := GetServoError(reply.Err("write"))
	require.True(t, ok)
	assert.Equal(t, 1, servoErr.ID)
	assert.ErrorIs(t, servoErr, ErrOverheat|ErrOverload)
}

func TestController_PortBusy(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl := newTestController(t, mock)

	// hold the port as another exchange would
	ctl.slot <- struct{}{}
	defer ctl.release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, reply, err := ctl.Read(ctx, 1, 56, 2)
	require.NoError(t, err)
	assert.Equal(t, CommPortBusy, reply.Result)

	res, err := ctl.SyncWrite(ctx, 42, 2, []SyncWriteEntry{{ID: 1, Data: []byte{0, 8}}})
	require.NoError(t, err)
	assert.Equal(t, CommPortBusy, res)

	assert.Empty(t, mock.Written())
}

func TestController_SyncWrite(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl := newTestController(t, mock)

	res, err := ctl.SyncWrite(context.Background(), 0x38, 2, []SyncWriteEntry{
		{ID: 1, Data: []byte{0x00, 0x00}},
		{ID: 2, Data: []byte{0xFF, 0x0F}},
	})
	require.NoError(t, err)
	assert.Equal(t, CommSuccess, res)

	want := []byte{0xFF, 0xFF, 0xFE, 0x0A, 0x83, 0x38, 0x02, 0x01, 0x00, 0x00, 0x02, 0xFF, 0x0F, 0x29}
	assert.Equal(t, want, mock.Written())
}

func TestController_SyncWriteEmpty(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl := newTestController(t, mock)

	res, err := ctl.SyncWrite(context.Background(), 42, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, CommNotAvailable, res)
	assert.Empty(t, mock.Written())
}

func TestController_SyncRead(t *testing.T) {
	// servo 2 answers before servo 1
	replies := append(status(2, 0, 0x00, 0x01), status(1, byte(ErrVoltage), 0x00, 0x08)...)
	mock := &transports.MockTransport{Replies: [][]byte{replies}}
	ctl := newTestController(t, mock)

	got, res, err := ctl.SyncRead(context.Background(), 56, 2, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, CommSuccess, res)
	require.Len(t, got, 2)

	assert.Equal(t, []byte{0x00, 0x08}, got[1].Data)
	assert.Equal(t, ErrVoltage, got[1].Status)
	assert.Equal(t, []byte{0x00, 0x01}, got[2].Data)

	want := []byte{0xFF, 0xFF, 0xFE, 0x06, 0x82, 0x38, 0x02, 0x01, 0x02, 0x3C}
	assert.Equal(t, want, mock.Written())
}

func TestController_SyncReadMissingServo(t *testing.T) {
	replies := append(status(1, 0, 0x00, 0x08), status(3, 0, 0x00, 0x01)...)
	mock := &transports.MockTransport{Replies: [][]byte{replies}}
	ctl := newTestController(t, mock)

	got, res, err := ctl.SyncRead(context.Background(), 56, 2, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, CommRxTimeout, res)

	assert.Equal(t, CommSuccess, got[1].Result)
	assert.Equal(t, CommRxTimeout, got[2].Result)
	assert.Equal(t, CommSuccess, got[3].Result)
	assert.Equal(t, []byte{0x00, 0x01}, got[3].Data)
}

func TestController_SyncReadNotAvailable(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl, err := Open(BusConfig{Transport: mock, Protocol: ProtocolSCS})
	require.NoError(t, err)
	defer ctl.Close()

	_, res, err := ctl.SyncRead(context.Background(), 56, 2, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, CommNotAvailable, res)

	ctl = newTestController(t, mock)
	_, res, err = ctl.SyncRead(context.Background(), 56, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, CommNotAvailable, res)
	assert.Empty(t, mock.Written())
}

func TestController_RegWriteAction(t *testing.T) {
	mock := &transports.MockTransport{
		Replies: [][]byte{status(1, 0)},
	}
	ctl := newTestController(t, mock)

	reply, err := ctl.RegWrite(context.Background(), 1, RegGoalPosition.Address, []byte{0x00, 0x08})
	require.NoError(t, err)
	assert.True(t, reply.OK())

	action := ctl.Action(context.Background())
	assert.Equal(t, CommSuccess, action.Result)

	written := mock.Written()
	require.Len(t, written, 9+6)
	assert.Equal(t, InstRegWrite, written[4])
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFE, 0x02, 0x05, 0xFA}, written[9:])
}

func TestController_OpenRequiresPort(t *testing.T) {
	_, err := Open(BusConfig{})
	assert.Error(t, err)
}

func TestPort_PacketTimeout(t *testing.T) {
	p := NewPort(PortConfig{BaudRate: 1000000, LatencyTimer: 50 * time.Millisecond})

	// 8 bytes at 10us each, twice the latency timer, 2ms slack
	assert.Equal(t, 80*time.Microsecond+102*time.Millisecond, p.PacketTimeout(8))

	require.NoError(t, p.SetBaudRate(115200))
	assert.Greater(t, p.PacketTimeout(8), 102*time.Millisecond+600*time.Microsecond)

	assert.ErrorIs(t, p.SetBaudRate(0), ErrInvalidBaud)
}

func TestPort_SetBaudRateReconfiguresTransport(t *testing.T) {
	mock := &transports.MockTransport{}
	ctl := newTestController(t, mock)

	require.NoError(t, ctl.Port().SetBaudRate(500000))
	assert.Equal(t, 500000, mock.Baud)
	assert.Equal(t, 500000, ctl.Port().BaudRate())
}

func TestPort_Tracer(t *testing.T) {
	mock := &transports.MockTransport{
		Replies: [][]byte{status(1, 0)},
	}
	rec := &recordingTracer{}
	ctl, err := Open(BusConfig{Transport: mock, LatencyTimer: 2 * time.Millisecond, Tracer: rec})
	require.NoError(t, err)
	defer ctl.Close()

	_, err = ctl.Write(context.Background(), 1, 40, 1, 1)
	require.NoError(t, err)

	require.NotEmpty(t, rec.events)
	assert.Equal(t, DirectionTx, rec.events[0].dir)
	assert.Equal(t, DirectionRx, rec.events[len(rec.events)-1].dir)
}

type traced struct {
	dir  Direction
	data []byte
}

type recordingTracer struct {
	events []traced
}

func (r *recordingTracer) Trace(dir Direction, data []byte) {
	r.events = append(r.events, traced{dir: dir, data: data})
}
