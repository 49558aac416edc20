package signal

import (
	"math"

	"github.com/luwei/quantflow/internal/contracts"
)

// StrengthBands maps |score| to a signal strength:
// |s| < Weak -> WEAK, Weak <= |s| < Strong -> MEDIUM, Strong <= |s| -> STRONG.
// The band values are pure configuration; a zero value means banding is
// not configured and every decision classifies as MEDIUM.
type StrengthBands struct {
	Weak   float64
	Strong float64
}

// Configured reports whether banding was set.
func (b StrengthBands) Configured() bool {
	return b.Weak > 0 && b.Strong > 0
}

// Classify returns the strength for a score.
func (b StrengthBands) Classify(score float64) contracts.SignalStrength {
	if !b.Configured() {
		return contracts.StrengthMedium
	}

	abs := math.Abs(score)
	switch {
	case abs < b.Weak:
		return contracts.StrengthWeak
	case abs < b.Strong:
		return contracts.StrengthMedium
	default:
		return contracts.StrengthStrong
	}
}
