package broker

import (
	"fmt"
	"time"
)

// PolicyError reports a command rejected by the blocklist before any
// process was spawned.
type PolicyError struct {
	Pattern string // the blocklist entry that matched
	Command string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("command blocked by policy: matches %q", e.Pattern)
}

// TimeoutError reports a command killed after exceeding its time budget.
// Partial output captured before the kill is preserved on the result.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.Timeout)
}

// UnavailableError reports a sandbox that cannot execute anything, for
// example a missing container image.
type UnavailableError struct {
	ImagePath string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("sandbox unavailable: image %s: %v", e.ImagePath, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
