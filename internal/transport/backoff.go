package transport

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines how dial retries are spaced.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay returns the wait before retry attempt N (1-based). With jitter the
// delay is scaled by a random factor in [0.5, 1.5).
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || b.InitialDelay <= 0 {
		return max(b.InitialDelay, 0)
	}
	mult := math.Max(b.Multiplier, 1.0)
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 {
		delay = math.Min(delay, float64(b.MaxDelay))
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
