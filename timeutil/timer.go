package timeutil

import (
	"sync"
	"time"
)

type timerState int

const (
	timerIdle timerState = iota
	timerStarted
	timerFired
)

// Timer is a restartable one-shot timer. Unlike time.Timer, Start and Cancel
// are idempotent and report whether they changed the timer's state, which
// simplifies call sites that don't otherwise track whether a timer is live.
type Timer struct {
	mu    sync.Mutex
	d     time.Duration
	state timerState
	t     *time.Timer

	// C fires exactly once per successful Start, unless canceled first.
	C chan time.Time
}

// NewTimer creates a new Timer with duration d. The timer is not started.
func NewTimer(d time.Duration) *Timer {
	return &Timer{
		d: d,
		C: make(chan time.Time, 1),
	}
}

// Start arms the timer. Returns false if the timer is already running.
func (t *Timer) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == timerStarted {
		return false
	}
	t.state = timerStarted
	t.t = time.AfterFunc(t.d, t.fire)
	return true
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.state != timerStarted {
		t.mu.Unlock()
		return
	}
	t.state = timerFired
	t.mu.Unlock()

	select {
	case t.C <- time.Now():
	default:
	}
}

// Cancel stops the timer if it is running, returning it to the idle state so
// it can be started again. Returns false if the timer was not running.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != timerStarted {
		return false
	}
	t.t.Stop()
	t.state = timerIdle
	return true
}
