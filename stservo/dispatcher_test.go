package stservo_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaidokert/waveshare-stservo-go/stservo"
)

func TestDispatcher_ConcurrentReads(t *testing.T) {
	ids := []int{1, 2, 3, 4, 5, 6}
	ctl, sim := newSimBus(t, ids...)
	for _, id := range ids {
		sim.Device(id).Set(stservo.RegPresentPosition.Address, 2, uint32(id*100))
	}

	d := stservo.NewDispatcher(ctl, stservo.DispatcherConfig{})
	d.Start()
	defer d.Stop()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for range 5 {
				res, err := d.Submit(context.Background(), stservo.ReadOp{
					ID:      id,
					Address: stservo.RegPresentPosition.Address,
					Width:   2,
				})
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, stservo.CommSuccess, res.Result)
				assert.Equal(t, uint32(id*100), res.Value)
				assert.Equal(t, byte(id), res.Reply.ID)
				assert.NotEqual(t, uuid.Nil, res.RequestID)
			}
		}(id)
	}
	wg.Wait()
}

func TestDispatcher_Ops(t *testing.T) {
	ctl, sim := newSimBus(t, 1, 2)
	d := stservo.NewDispatcher(ctl, stservo.DispatcherConfig{QueueSize: 1})
	d.Start()
	defer d.Stop()
	ctx := context.Background()

	res, err := d.Submit(ctx, stservo.PingOp{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, uint32(777), res.Value)

	res, err = d.Submit(ctx, stservo.WriteOp{ID: 1, Address: stservo.RegTorqueEnable.Address, Width: 1, Value: 1})
	require.NoError(t, err)
	assert.True(t, res.Reply.OK())
	assert.Equal(t, uint32(1), sim.Device(1).Get(stservo.RegTorqueEnable.Address, 1))

	res, err = d.Submit(ctx, stservo.SyncWriteOp{
		Address: stservo.RegGoalPosition.Address,
		Width:   2,
		Entries: []stservo.SyncWriteEntry{
			{ID: 1, Data: []byte{0x00, 0x04}},
			{ID: 2, Data: []byte{0x00, 0x0C}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, stservo.CommSuccess, res.Result)

	res, err = d.Submit(ctx, stservo.SyncReadOp{
		Address: stservo.RegGoalPosition.Address,
		Width:   2,
		IDs:     []int{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, stservo.CommSuccess, res.Result)
	require.Len(t, res.Replies, 2)
	assert.Equal(t, []byte{0x00, 0x04}, res.Replies[1].Data)
	assert.Equal(t, []byte{0x00, 0x0C}, res.Replies[2].Data)

	_, err = d.Submit(ctx, stservo.ReadOp{ID: 1, Address: 56, Width: 3})
	assert.ErrorIs(t, err, stservo.ErrInvalidWidth)

	_, err = d.Submit(ctx, stservo.SyncReadOp{Address: 56, Width: 2, IDs: []int{1, 1}})
	assert.ErrorIs(t, err, stservo.ErrDuplicateID)
}

func TestDispatcher_Stopped(t *testing.T) {
	ctl, _ := newSimBus(t, 1)
	d := stservo.NewDispatcher(ctl, stservo.DispatcherConfig{})
	d.Start()
	d.Stop()
	d.Stop()

	_, err := d.Submit(context.Background(), stservo.PingOp{ID: 1})
	assert.ErrorIs(t, err, stservo.ErrDispatcherStopped)
}

func TestDispatcher_CancelledSubmit(t *testing.T) {
	ctl, _ := newSimBus(t, 1)
	d := stservo.NewDispatcher(ctl, stservo.DispatcherConfig{})
	d.Start()
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Submit(ctx, stservo.PingOp{ID: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
