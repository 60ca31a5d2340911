package stservo

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FoundServo represents a servo discovered during scanning.
type FoundServo struct {
	ID          int
	ModelNumber int
	Model       *Model // May be nil if model is unknown
	Status      StatusError
}

// CommonIDs is the order servos are most often found in: 1 first, then the
// factory id 0, then 2 through 20.
func CommonIDs() []int {
	ids := []int{1, 0}
	for id := 2; id <= 20; id++ {
		ids = append(ids, id)
	}
	return ids
}

// AllIDs returns every unicast id, 0 through MaxServoID.
func AllIDs() []int {
	ids := make([]int, 0, MaxServoID+1)
	for id := 0; id <= MaxServoID; id++ {
		ids = append(ids, id)
	}
	return ids
}

// ScanOptions tunes Scan.
type ScanOptions struct {
	// StopAfter ends the scan once this many servos were found. Zero scans all ids.
	StopAfter int

	Logger *zap.Logger
}

// Scan pings each id in order. Ids that time out are absent. Any other
// failure is logged and the scan moves on; only an ended context or an
// invalid id stops it early.
func Scan(ctx context.Context, ctl *Controller, ids []int, opts ScanOptions) ([]FoundServo, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var found []FoundServo
	for _, id := range ids {
		if id < 0 || id > MaxServoID {
			return found, fmt.Errorf("%w: %d", ErrInvalidID, id)
		}
		if err := ctx.Err(); err != nil {
			return found, err
		}

		modelNum, reply, err := ctl.Ping(ctx, id)
		if err != nil {
			return found, err
		}

		switch reply.Result {
		case CommSuccess:
		case CommRxTimeout:
			logger.Debug("No servo", zap.Int("id", id))
			continue
		default:
			logger.Info("Bad reply while scanning", zap.Int("id", id), zap.Stringer("result", reply.Result))
			continue
		}

		f := FoundServo{
			ID:          id,
			ModelNumber: int(modelNum),
			Status:      reply.Status,
		}
		if model, ok := ModelByNumber(f.ModelNumber); ok {
			f.Model = model
		}
		logger.Info("Found servo", zap.Int("id", id), zap.Int("model", f.ModelNumber))

		found = append(found, f)
		if opts.StopAfter > 0 && len(found) >= opts.StopAfter {
			break
		}
	}

	return found, nil
}
