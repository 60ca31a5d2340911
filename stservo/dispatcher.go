package stservo

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDispatcherStopped is returned by Submit once the dispatcher is stopped.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Op is one bus operation submitted to a Dispatcher. The set is closed:
// PingOp, ReadOp, WriteOp, SyncReadOp and SyncWriteOp.
type Op interface {
	name() string
	run(ctx context.Context, ctl *Controller) Result
}

// Result is what a Dispatcher hands back for one Op.
type Result struct {
	RequestID uuid.UUID

	// Result is the transport outcome of the whole operation.
	Result CommResult
	// Reply holds the single-servo reply for ping, read and write.
	Reply Reply
	// Value is the model number for ping and the register value for read.
	Value uint32
	// Replies holds per-servo replies for sync read.
	Replies map[int]Reply

	// Err is set for rejected arguments or an ended context.
	Err error
}

// PingOp pings one servo; Value carries the model number.
type PingOp struct {
	ID int
}

func (PingOp) name() string { return "ping" }

func (o PingOp) run(ctx context.Context, ctl *Controller) Result {
	model, reply, err := ctl.Ping(ctx, o.ID)
	return Result{Result: reply.Result, Reply: reply, Value: uint32(model), Err: err}
}

// ReadOp reads a 1, 2 or 4 byte value.
type ReadOp struct {
	ID      int
	Address byte
	Width   int
}

func (ReadOp) name() string { return "read" }

func (o ReadOp) run(ctx context.Context, ctl *Controller) Result {
	v, reply, err := ctl.Read(ctx, o.ID, o.Address, o.Width)
	return Result{Result: reply.Result, Reply: reply, Value: v, Err: err}
}

// WriteOp writes a 1, 2 or 4 byte value.
type WriteOp struct {
	ID      int
	Address byte
	Width   int
	Value   uint32
}

func (WriteOp) name() string { return "write" }

func (o WriteOp) run(ctx context.Context, ctl *Controller) Result {
	reply, err := ctl.Write(ctx, o.ID, o.Address, o.Width, o.Value)
	return Result{Result: reply.Result, Reply: reply, Err: err}
}

// SyncReadOp reads the same block from several servos.
type SyncReadOp struct {
	Address byte
	Width   int
	IDs     []int
}

func (SyncReadOp) name() string { return "sync_read" }

func (o SyncReadOp) run(ctx context.Context, ctl *Controller) Result {
	g := NewGroupSyncRead(ctl, o.Address, o.Width)
	for _, id := range o.IDs {
		if err := g.AddParam(id); err != nil {
			return Result{Result: CommNotAvailable, Err: err}
		}
	}

	res := Result{Result: g.Execute(ctx), Replies: make(map[int]Reply, len(o.IDs))}
	for _, id := range o.IDs {
		if r, ok := g.Result(id); ok {
			res.Replies[id] = r
		}
	}
	return res
}

// SyncWriteOp writes per-servo data to the same block on several servos.
type SyncWriteOp struct {
	Address byte
	Width   int
	Entries []SyncWriteEntry
}

func (SyncWriteOp) name() string { return "sync_write" }

func (o SyncWriteOp) run(ctx context.Context, ctl *Controller) Result {
	g := NewGroupSyncWrite(ctl, o.Address, o.Width)
	for _, e := range o.Entries {
		if err := g.AddParam(int(e.ID), e.Data); err != nil {
			return Result{Result: CommNotAvailable, Err: err}
		}
	}
	return Result{Result: g.Execute(ctx)}
}

type request struct {
	id   uuid.UUID
	ctx  context.Context
	op   Op
	done chan Result
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// QueueSize is how many requests may wait for the owner. Default is 16.
	QueueSize int

	Logger *zap.Logger
}

// Dispatcher gives one goroutine sole ownership of a Controller. Callers
// submit operations and wait for their result, so any number of goroutines
// can share the bus.
type Dispatcher struct {
	ctl    *Controller
	logger *zap.Logger

	requests chan request
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before submitting.
func NewDispatcher(ctl *Controller, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Dispatcher{
		ctl:      ctl,
		logger:   cfg.Logger,
		requests: make(chan request, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the owner goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	d.logger.Info("Dispatcher started")
}

// Stop ends the owner goroutine after the operation in flight, if any.
// Queued requests fail with ErrDispatcherStopped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		d.logger.Info("Dispatcher stopped")
	})
}

// Submit queues op and waits for its result. The context bounds both the
// wait and, once running, the operation's wait for the port.
func (d *Dispatcher) Submit(ctx context.Context, op Op) (Result, error) {
	req := request{
		id:   uuid.New(),
		ctx:  ctx,
		op:   op,
		done: make(chan Result, 1),
	}

	select {
	case <-d.stopCh:
		return Result{}, ErrDispatcherStopped
	default:
	}

	select {
	case d.requests <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-d.stopCh:
		return Result{}, ErrDispatcherStopped
	}

	select {
	case res := <-req.done:
		return res, res.Err
	case <-ctx.Done():
		return Result{RequestID: req.id}, ctx.Err()
	case <-d.stopCh:
		// the owner may have finished this request on its way out
		select {
		case res := <-req.done:
			return res, res.Err
		default:
			return Result{RequestID: req.id}, ErrDispatcherStopped
		}
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return

		case req := <-d.requests:
			if err := req.ctx.Err(); err != nil {
				req.done <- Result{RequestID: req.id, Err: err}
				continue
			}

			res := req.op.run(req.ctx, d.ctl)
			res.RequestID = req.id
			d.logger.Debug("Request done",
				zap.Stringer("request_id", req.id),
				zap.String("op", req.op.name()),
				zap.Stringer("result", res.Result))
			req.done <- res
		}
	}
}
