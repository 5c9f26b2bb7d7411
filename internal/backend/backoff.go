package backend

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/codex-autorunner/car/internal/config"
)

// DelayForAttempt computes the retry delay before the attempt-th retry
// (1-indexed): initial * factor^(attempt-1), capped, with deterministic
// seeded jitter so retry schedules are reproducible per workspace.
func DelayForAttempt(attempt int, cfg config.BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	// Apply jitter after capping.
	if cfg.Jitter == nil || *cfg.Jitter {
		m := 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
		baseMS *= m
	}

	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// BackoffSeed builds the jitter seed for a workspace operation attempt.
func BackoffSeed(workspaceID, operation string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", workspaceID, operation, attempt)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	return float64(u) / max
}
