package alert

import "sync"

// Config configures the alert queue. Mirrors networkevent.Config's
// Enable/size shape.
type Config struct {
	// Enabled gates whether Post does anything at all, matching
	// networkevent.Producer's "disabled sink drops everything" behavior.
	Enabled bool `yaml:"enabled"`

	// QueueSize bounds the ring buffer; once full, Post drops the oldest
	// alert rather than blocking the network thread.
	QueueSize int `yaml:"queue_size"`

	// Mask filters which categories Post actually enqueues.
	Mask Category `yaml:"-"`
}

func (c Config) applyDefaults() Config {
	if c.QueueSize == 0 {
		c.QueueSize = 1000
	}
	if c.Mask == 0 {
		c.Mask = AllCategories
	}
	return c
}

// Queue is a bounded alert ring buffer with a notify channel, safe for
// concurrent Post from worker goroutines (disk, tracker HTTP) and Pop from
// the owning application goroutine -- the only cross-thread-touched state
// described in SPEC_FULL.md §5 besides stats counters.
type Queue struct {
	config Config

	mu      sync.Mutex
	buf     []Alert
	dropped int

	notify chan struct{}
}

// NewQueue creates a Queue. If config.Enabled is false, Post is a no-op,
// matching networkevent.NewProducer's disabled-sink behavior.
func NewQueue(config Config) *Queue {
	config = config.applyDefaults()
	return &Queue{
		config: config,
		notify: make(chan struct{}, 1),
	}
}

// Post enqueues a, dropping the oldest queued alert if full. Safe to call
// from any goroutine.
func (q *Queue) Post(a Alert) {
	if !q.config.Enabled || a.Category()&q.config.Mask == 0 {
		return
	}
	q.mu.Lock()
	if len(q.buf) >= q.config.QueueSize {
		q.buf = q.buf[1:]
		q.dropped++
	}
	q.buf = append(q.buf, a)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PopAlerts drains and returns every queued alert, oldest first, along with
// how many were dropped due to overflow since the last pop.
func (q *Queue) PopAlerts() ([]Alert, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	dropped := q.dropped
	q.buf = nil
	q.dropped = 0
	return out, dropped
}

// Wait blocks until an alert is posted or done is closed, whichever first.
// Returns false if done fired first.
func (q *Queue) Wait(done <-chan struct{}) bool {
	select {
	case <-q.notify:
		return true
	case <-done:
		return false
	}
}

// Len reports the number of currently queued alerts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
