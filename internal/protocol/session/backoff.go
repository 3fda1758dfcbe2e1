package session

import (
	"math"
	"math/rand"
	"time"
)

// BaseBackoffDelay returns the pre-jitter delay for a zero-based attempt
// count: min(MaxDelay, InitialDelay * Multiplier^attempts).
func BaseBackoffDelay(cfg BackoffConfig, attempts int) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempts))
	if cfg.MaxDelay > 0 && (delay > float64(cfg.MaxDelay) || math.IsInf(delay, 1)) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// NextBackoffDelay returns the reconnect delay for a zero-based attempt
// count. The capped delay is shifted up or down by at most
// JitterFactor*delay; one uniform draw picks both the size of the shift and,
// through its low bit, the direction.
func NextBackoffDelay(cfg BackoffConfig, attempts int, rng *rand.Rand) time.Duration {
	delay := BaseBackoffDelay(cfg, attempts)
	if cfg.JitterFactor <= 0 || delay <= 0 {
		return delay
	}
	r := 0.5
	if rng != nil {
		r = rng.Float64()
	}
	return applyJitter(delay, cfg.JitterFactor, r)
}

func applyJitter(delay time.Duration, factor, r float64) time.Duration {
	if factor > 1 {
		factor = 1
	}
	deviation := time.Duration(math.Floor(r * factor * float64(delay)))
	if int(math.Floor(r*10))&1 == 0 {
		return delay - deviation
	}
	return delay + deviation
}
