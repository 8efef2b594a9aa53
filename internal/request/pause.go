package request

import (
	"context"
	"time"
)

// Pauser abstracts how the engine waits between attempts.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

type timerPauser struct{}

func (timerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PauseFunc adapts a function to Pauser.
type PauseFunc func(ctx context.Context, delay time.Duration) error

// Pause calls f.
func (f PauseFunc) Pause(ctx context.Context, delay time.Duration) error {
	return f(ctx, delay)
}
