package discovery

import (
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// Retry windows. Local multicast retries eagerly, the global service lazily.
const (
	EagerMin = 30 * time.Second
	EagerMax = 60 * time.Second
	LazyMin  = 300 * time.Second
	LazyMax  = 600 * time.Second
)

// Backoff schedules randomized one-shot timers whose callbacks run through
// dispatch (the control loop).
type Backoff struct {
	clock    clock.Clock
	dispatch func(func()) bool
}

func NewBackoff(clk clock.Clock, dispatch func(func()) bool) *Backoff {
	if clk == nil {
		clk = clock.New()
	}
	return &Backoff{
		clock:    clk,
		dispatch: dispatch,
	}
}

// Delay picks a random delay from the eager or lazy window
func (b *Backoff) Delay(eager bool) time.Duration {
	low, high := LazyMin, LazyMax
	if eager {
		low, high = EagerMin, EagerMax
	}
	return low + rand.N(high-low)
}

// Timer is a pending Schedule call. Cancel and the callback both run on the
// control loop, so a cancelled timer never fires.
type Timer struct {
	timer     *clock.Timer
	cancelled bool
	fired     bool
}

func (b *Backoff) Schedule(fn func(), eager bool) *Timer {
	t := &Timer{}
	t.timer = b.clock.AfterFunc(b.Delay(eager), func() {
		b.dispatch(func() {
			if t.cancelled || t.fired {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	t.cancelled = true
	t.timer.Stop()
}

// RetryTask is a restartable timer around one callback
type RetryTask struct {
	backoff *Backoff
	eager   bool
	fn      func()
	timer   *Timer
}

func (b *Backoff) NewRetryTask(fn func(), eager bool) *RetryTask {
	return &RetryTask{
		backoff: b,
		eager:   eager,
		fn:      fn,
	}
}

// Reschedule replaces any pending run with a new one after a fresh delay
func (r *RetryTask) Reschedule() {
	r.Cancel()
	r.timer = r.backoff.Schedule(func() {
		r.timer = nil
		r.fn()
	}, r.eager)
}

func (r *RetryTask) Cancel() {
	if r == nil || r.timer == nil {
		return
	}
	r.timer.Cancel()
	r.timer = nil
}

func (r *RetryTask) Pending() bool {
	return r != nil && r.timer != nil
}
