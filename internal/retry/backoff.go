// Package retry paces repeated attempts and fails calls fast.
//
// tcpfwd never retries the outbound leg of a session.  Backoff spaces
// out accept attempts after transient listener errors and bounds SSH
// gateway establishment; CircuitBreaker lets new sessions fail at once
// while the remote is known to be down.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// PermanentError stops [Backoff.Do] from trying again.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.  Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Backoff describes an exponential delay schedule.  The zero value
// waits 1s, doubling up to 60s, with unlimited attempts.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxAttempts bounds Do, counting the first try.  0 is unlimited.
	MaxAttempts int

	// Jitter spreads each delay by up to ±25%.
	Jitter bool

	// OnRetry, when set, is called by Do before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff is the schedule used for SSH gateway establishment.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// Delay returns the wait after the attempt-th consecutive failure
// (1-based): InitialDelay, then multiplied per attempt up to MaxDelay.
func (b *Backoff) Delay(attempt int) time.Duration {
	initial, ceiling, factor := b.InitialDelay, b.MaxDelay, b.Multiplier
	if initial <= 0 {
		initial = time.Second
	}
	if ceiling <= 0 {
		ceiling = time.Minute
	}
	if factor <= 1 {
		factor = 2
	}

	d := float64(initial)
	for i := 1; i < attempt && d < float64(ceiling); i++ {
		d *= factor
	}
	if d > float64(ceiling) {
		d = float64(ceiling)
	}

	wait := time.Duration(d)
	if b.Jitter {
		wait = jitter(wait)
	}
	return wait
}

// Wait sleeps for Delay(attempt).  It returns false, early, if ctx is
// cancelled first.
func (b *Backoff) Wait(ctx context.Context, attempt int) bool {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Do calls fn until it succeeds, returns a [Permanent] error,
// MaxAttempts is used up, or ctx is cancelled.  fn receives the
// 1-based attempt number.  With MaxAttempts == 1 the error from the
// single try is returned unchanged.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		var pe *PermanentError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &pe):
			return pe.Err
		case b.MaxAttempts == 1:
			return err
		case b.MaxAttempts > 0 && attempt >= b.MaxAttempts:
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := b.Delay(attempt)
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
}

// jitter moves d by a random amount within ±25%, never below 1ms.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 2
	if spread <= 0 {
		return d
	}
	j := d + time.Duration(rand.Int63n(spread+1)-spread/2)
	if j < time.Millisecond {
		j = time.Millisecond
	}
	return j
}
