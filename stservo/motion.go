package stservo

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Motion polling defaults.
const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultStableWindow = 250 * time.Millisecond
	DefaultSettleDelay  = 500 * time.Millisecond
	DefaultMoveTimeout  = 10 * time.Second
)

// StableConfig tunes WaitUntilStable. Zero fields take the defaults.
type StableConfig struct {
	// PollInterval between position reads.
	PollInterval time.Duration
	// Window the position must stay unchanged for the move to count as done.
	Window time.Duration
	// Settle is waited before the first read so the move can start.
	Settle time.Duration
	// Timeout bounds the polling phase.
	Timeout time.Duration

	Logger *zap.Logger
}

func (c *StableConfig) setDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Window == 0 {
		c.Window = DefaultStableWindow
	}
	if c.Settle == 0 {
		c.Settle = DefaultSettleDelay
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultMoveTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type motionState int

const (
	motionSettling motionState = iota
	motionStarting
	motionPolling
	motionStopped
	motionTimedOut
)

// WaitUntilStable waits until servo id's present position stops changing and
// returns that position. Failed reads during polling are skipped; a failed
// first read is returned as an error. When the timeout passes first, the last
// seen position is returned along with ErrMotionTimeout.
func WaitUntilStable(ctx context.Context, ctl *Controller, id int, cfg StableConfig) (int, error) {
	cfg.setDefaults()
	logger := cfg.Logger.With(zap.Int("id", id))

	var (
		state      = motionSettling
		start      time.Time
		lastChange time.Time
		last       int
	)

	for {
		switch state {
		case motionSettling:
			if err := sleepCtx(ctx, cfg.Settle); err != nil {
				return 0, err
			}
			start = time.Now()
			state = motionStarting

		case motionStarting:
			pos, err := readPosition(ctx, ctl, id)
			if err != nil {
				return 0, fmt.Errorf("read initial position: %w", err)
			}
			last, lastChange = pos, time.Now()
			logger.Debug("Waiting for servo to stop", zap.Int("position", pos))
			state = motionPolling

		case motionPolling:
			if time.Since(start) >= cfg.Timeout {
				state = motionTimedOut
				continue
			}
			if pos, err := readPosition(ctx, ctl, id); err == nil {
				if pos != last {
					last, lastChange = pos, time.Now()
					logger.Debug("Servo moving", zap.Int("position", pos))
				}
				if time.Since(lastChange) > cfg.Window {
					state = motionStopped
					continue
				}
			} else if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if err := sleepCtx(ctx, cfg.PollInterval); err != nil {
				return last, err
			}

		case motionStopped:
			logger.Debug("Servo stopped", zap.Int("position", last))
			return last, nil

		case motionTimedOut:
			logger.Warn("Timed out waiting for servo to stop", zap.Int("position", last))
			return last, fmt.Errorf("servo %d: %w after %s", id, ErrMotionTimeout, cfg.Timeout)
		}
	}
}

func readPosition(ctx context.Context, ctl *Controller, id int) (int, error) {
	v, reply, err := ctl.ReadRegister(ctx, id, RegPresentPosition)
	if err != nil {
		return 0, err
	}
	if err := reply.Err("read position"); err != nil {
		return 0, err
	}
	return int(v), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
