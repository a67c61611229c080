package watcher

import (
	"sync"
	"time"
)

// Debouncer collects events into batches. A batch is flushed once no event
// arrived for the delay, or once maxDelay passed since its first event,
// whichever comes first.
type Debouncer struct {
	delay    time.Duration
	maxDelay time.Duration
	out      chan []Event
	done     chan struct{}

	mu      sync.Mutex
	pending []Event
	first   time.Time
	timer   *time.Timer
	gen     uint64
	closed  bool
}

// NewDebouncer creates a debouncer whose output channel holds up to
// queueCapacity batches.
func NewDebouncer(delay, maxDelay time.Duration, queueCapacity int) *Debouncer {
	if maxDelay < delay {
		maxDelay = delay
	}
	return &Debouncer{
		delay:    delay,
		maxDelay: maxDelay,
		out:      make(chan []Event, queueCapacity),
		done:     make(chan struct{}),
	}
}

// Add queues an event for the current batch.
func (d *Debouncer) Add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	d.pending = append(d.pending, ev)
	if d.timer == nil {
		d.gen++
		gen := d.gen
		d.first = time.Now()
		d.timer = time.AfterFunc(d.delay, func() { d.flush(gen) })
		return
	}

	wait := min(d.delay, d.maxDelay-time.Since(d.first))
	d.timer.Reset(max(wait, 0))
}

// Events returns the channel of flushed batches.
func (d *Debouncer) Events() <-chan []Event { return d.out }

func (d *Debouncer) flush(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || len(d.pending) == 0 || d.closed {
		d.mu.Unlock()
		return
	}
	batch := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	select {
	case d.out <- batch:
	case <-d.done:
	}
}

// Close stops the pending timer and drops the unflushed batch.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = nil
	close(d.done)
}
