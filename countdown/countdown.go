// Package countdown distributes a single total duration budget across a
// sequence of blocking waits, so that N sequential operations never
// collectively exceed a configured deadline.
package countdown

import (
	"sync"
	"time"
)

// Countdown tracks a remaining duration budget. The zero value is an
// unbounded countdown (TimeLeft always returns nil). Safe for concurrent use.
type Countdown struct {
	mu        sync.Mutex
	remaining *time.Duration // nil means unbounded
	exhausted bool
}

// New returns a Countdown with the given total budget. A nil budget means
// unbounded: TimeLeft will always return nil and Scope is a no-op.
func New(waitUpTo *time.Duration) *Countdown {
	cd := &Countdown{}
	if waitUpTo != nil {
		v := *waitUpTo
		if v < 0 {
			v = 0
		}
		cd.remaining = &v
	}
	return cd
}

// TimeLeft returns the remaining budget, or nil if unbounded. Once the
// budget is exhausted, it returns a zero duration (never nil) to signal
// that no further blocking is permitted.
func (cd *Countdown) TimeLeft() *time.Duration {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	if cd.remaining == nil {
		return nil
	}
	if cd.exhausted {
		zero := time.Duration(0)
		return &zero
	}
	v := *cd.remaining
	return &v
}

// Scope captures a monotonic timestamp on entry; call Leave when the
// scoped operation completes to subtract the elapsed time from the
// remaining budget.
type Scope struct {
	cd      *Countdown
	entered time.Time
}

// Enter begins a new scoped wait against this budget.
func (cd *Countdown) Enter() *Scope {
	return &Scope{cd: cd, entered: time.Now()}
}

// Leave subtracts the time elapsed since Enter from the countdown's
// remaining budget. If the budget reaches zero or below, subsequent
// TimeLeft calls return a zero duration.
func (s *Scope) Leave() {
	elapsed := time.Since(s.entered)

	s.cd.mu.Lock()
	defer s.cd.mu.Unlock()

	if s.cd.remaining == nil {
		return
	}
	remaining := *s.cd.remaining - elapsed
	if remaining <= 0 {
		remaining = 0
		s.cd.exhausted = true
	}
	s.cd.remaining = &remaining
}
