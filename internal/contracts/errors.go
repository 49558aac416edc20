package contracts

import "errors"

// Typed error kinds surfaced to callers. The engine downgrades any
// locally-recoverable condition at the bar boundary; only artifact,
// bar-data and post-budget fetch errors propagate.
var (
	// ErrConfigInvalid means missing or malformed configuration. Fatal
	// before any I/O.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrArtifactMissing means the score artifact cannot be opened.
	ErrArtifactMissing = errors.New("score artifact missing")

	// ErrArtifactCorrupt means the score artifact lacks the required
	// schema or contains duplicate keys.
	ErrArtifactCorrupt = errors.New("score artifact corrupt")

	// ErrArtifactEmpty means the score artifact parsed to zero rows.
	ErrArtifactEmpty = errors.New("score artifact empty")

	// ErrBarFetchFailed is a recoverable per-bar fetch failure, fatal
	// once the per-run retry budget is exhausted.
	ErrBarFetchFailed = errors.New("bar fetch failed")

	// ErrBarFetchTimeout is a bar fetch that exceeded its deadline.
	ErrBarFetchTimeout = errors.New("bar fetch timeout")

	// ErrBarDataInvalid is an OHLC invariant violation. Fatal; the run
	// aborts and surfaces the partial result.
	ErrBarDataInvalid = errors.New("bar data invalid")

	// ErrCanceled is an external cancel. Non-error completion with a
	// partial result.
	ErrCanceled = errors.New("run canceled")

	// ErrNumericAnomaly is a NaN/Inf score. Local recovery: HOLD.
	ErrNumericAnomaly = errors.New("numeric anomaly in score")

	// ErrInsufficientCash means a specific BUY cannot be funded.
	// Skipped, not fatal.
	ErrInsufficientCash = errors.New("insufficient cash")

	// ErrPolicyViolation means an attempted weight exceeded the cap.
	// Clamped, not fatal.
	ErrPolicyViolation = errors.New("position policy violation")
)
