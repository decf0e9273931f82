package session

import "time"

// TimeBank is a refilling response budget. Slow answers drain it down to zero;
// every completed turn credits a fixed increment up to the maximum.
type TimeBank struct {
	remaining time.Duration
	max       time.Duration
	increment time.Duration
}

// NewTimeBank returns a full bank. Negative inputs are treated as zero.
func NewTimeBank(max, increment time.Duration) TimeBank {
	if max < 0 {
		max = 0
	}
	if increment < 0 {
		increment = 0
	}
	return TimeBank{remaining: max, max: max, increment: increment}
}

// Remaining returns the current budget.
func (b TimeBank) Remaining() time.Duration {
	return b.remaining
}

// Max returns the configured ceiling.
func (b TimeBank) Max() time.Duration {
	return b.max
}

// Increment returns the per-turn credit.
func (b TimeBank) Increment() time.Duration {
	return b.increment
}

// Millis returns the remaining budget in whole milliseconds.
func (b TimeBank) Millis() int64 {
	return b.remaining.Milliseconds()
}

// Update debits elapsed and then credits one increment, in that order.
func (b *TimeBank) Update(elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	b.remaining = max(b.remaining-elapsed, 0)
	b.remaining = min(b.remaining+b.increment, b.max)
}
