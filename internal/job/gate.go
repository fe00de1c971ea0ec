package job

import (
	"context"
	"time"

	"inference/internal/apperrors"
)

// Gate is a single-slot admission gate. The zero value is not usable.
type Gate struct {
	slot chan struct{}
}

// NewGate creates an open gate.
func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Acquire takes the slot, waiting at most wait for it to free up.
// It returns an apperrors.ErrBusy error when the slot stays taken and
// ctx.Err() when ctx ends first. Each successful Acquire needs one Release.
func (g *Gate) Acquire(ctx context.Context, wait time.Duration) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	default:
	}
	if wait <= 0 {
		return apperrors.Busy("a job is already running")
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case g.slot <- struct{}{}:
		return nil
	case <-timer.C:
		return apperrors.Busy("a job is already running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot.
func (g *Gate) Release() {
	<-g.slot
}
