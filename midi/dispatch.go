package midi

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"

	"diskseq/tick"
)

// Dispatch tuning. The buffer window and queue capacity are starting points;
// the queue retunes them from measured latency and utilization.
const (
	DefaultCapacity     = 256
	DefaultMaxCapacity  = 4096
	defaultBufferWindow = time.Millisecond
	minBufferWindow     = 250 * time.Microsecond
	maxBufferWindow     = 10 * time.Millisecond
	processInterval     = time.Millisecond
	maxPerCycle         = 50
	tuneEvery           = 1000
	growLatency         = 5 * time.Millisecond
	shrinkLatency       = 2 * time.Millisecond
	shrinkJitter        = time.Millisecond
)

// DispatchQueue decouples event scheduling from device I/O. Events are held
// in scheduled-time order and released to the sink once they enter the
// buffer window. Overflow drops the new event rather than blocking the
// caller.
type DispatchQueue struct {
	sink   Sink
	log    *charmlog.Logger
	source tick.Source
	now    func() time.Time

	mu           sync.Mutex
	events       eventHeap
	seq          uint64
	capacity     int
	maxCapacity  int
	bufferWindow time.Duration
	processed    uint64
	dropped      uint64
	sinceTune    int
	stats        *latencyStats
	onSent       []func(TimedEvent)
}

// QueueOption configures a DispatchQueue.
type QueueOption func(*DispatchQueue)

// WithCapacity sets the initial queue capacity.
func WithCapacity(n int) QueueOption {
	return func(q *DispatchQueue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithMaxCapacity sets the hard ceiling for adaptive capacity growth.
func WithMaxCapacity(n int) QueueOption {
	return func(q *DispatchQueue) {
		if n > 0 {
			q.maxCapacity = n
		}
	}
}

// WithBufferWindow sets the initial look-ahead window.
func WithBufferWindow(d time.Duration) QueueOption {
	return func(q *DispatchQueue) {
		if d > 0 {
			q.bufferWindow = d
		}
	}
}

// WithTickSource replaces the 1ms wall ticker driving the processing loop.
func WithTickSource(s tick.Source) QueueOption {
	return func(q *DispatchQueue) { q.source = s }
}

// WithNowFunc replaces the wall clock used by the scheduling entry points.
func WithNowFunc(now func() time.Time) QueueOption {
	return func(q *DispatchQueue) { q.now = now }
}

// NewDispatchQueue creates a queue sending through sink.
func NewDispatchQueue(sink Sink, logger *charmlog.Logger, opts ...QueueOption) *DispatchQueue {
	q := &DispatchQueue{
		sink:         sink,
		log:          logger,
		source:       tick.NewWall(processInterval),
		now:          time.Now,
		capacity:     DefaultCapacity,
		maxCapacity:  DefaultMaxCapacity,
		bufferWindow: defaultBufferWindow,
		stats:        newLatencyStats(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.capacity > q.maxCapacity {
		q.maxCapacity = q.capacity
	}
	return q
}

// Start begins the processing loop.
func (q *DispatchQueue) Start() {
	q.source.Start(q.process)
}

// Stop halts the processing loop. Pending events stay queued.
func (q *DispatchQueue) Stop() {
	q.source.Stop()
}

// OnSent registers a listener invoked after every successful send from the
// processing loop.
func (q *DispatchQueue) OnSent(fn func(TimedEvent)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onSent = append(q.onSent, fn)
}

// ScheduleNoteOn enqueues a note-on to fire after delay.
func (q *DispatchQueue) ScheduleNoteOn(channel, note, velocity uint8, delay time.Duration) error {
	if err := ValidateNote(channel, note, velocity); err != nil {
		return err
	}
	return q.schedule(TimedEvent{Channel: channel, Note: note, Velocity: velocity, NoteOn: true}, delay)
}

// ScheduleNoteOff enqueues a note-off to fire after delay.
func (q *DispatchQueue) ScheduleNoteOff(channel, note uint8, delay time.Duration) error {
	return q.ScheduleNoteOffFunc(channel, note, delay, nil)
}

// ScheduleNoteOffFunc enqueues a note-off with a completion hook that runs
// once the event has been sent.
func (q *DispatchQueue) ScheduleNoteOffFunc(channel, note uint8, delay time.Duration, onSent func()) error {
	if err := ValidateNote(channel, note, 0); err != nil {
		return err
	}
	return q.schedule(TimedEvent{Channel: channel, Note: note, NoteOn: false, OnSent: onSent}, delay)
}

// schedule enqueues ev. Overflow drops the event, logs, and reports the
// overflow to the caller; it never blocks.
func (q *DispatchQueue) schedule(ev TimedEvent, delay time.Duration) error {
	ev.ScheduledAt = q.now().Add(delay)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.events.Len() >= q.capacity {
		q.dropped++
		q.log.Warn("queue full, dropping event",
			"channel", ev.Channel, "note", ev.Note, "capacity", q.capacity)
		return fmt.Errorf("capacity %d: %w", q.capacity, ErrQueueOverflow)
	}
	ev.seq = q.seq
	q.seq++
	heap.Push(&q.events, ev)
	return nil
}

// SendImmediate bypasses the queue, sends directly, and records the measured
// device latency.
func (q *DispatchQueue) SendImmediate(channel, note, velocity uint8, noteOn bool) error {
	if err := ValidateNote(channel, note, velocity); err != nil {
		return err
	}
	start := q.now()
	var err error
	if noteOn {
		err = q.sink.NoteOn(channel, note, velocity)
	} else {
		err = q.sink.NoteOff(channel, note)
	}
	elapsed := q.now().Sub(start)

	q.mu.Lock()
	q.processed++
	q.sinceTune++
	if err == nil {
		q.stats.Record(elapsed)
	}
	q.maybeTune()
	q.mu.Unlock()
	return err
}

// process is one cycle of the dispatch loop: release everything whose
// scheduled time is within the buffer window, up to the per-cycle cap.
func (q *DispatchQueue) process(now time.Time) {
	q.mu.Lock()
	var ready []TimedEvent
	for len(ready) < maxPerCycle && q.events.Len() > 0 {
		next := q.events[0]
		if next.ScheduledAt.Sub(now) > q.bufferWindow {
			break
		}
		ready = append(ready, heap.Pop(&q.events).(TimedEvent))
	}
	listeners := q.onSent
	q.mu.Unlock()

	for _, ev := range ready {
		ev.Latency = now.Sub(ev.ScheduledAt)

		var err error
		if ev.NoteOn {
			err = q.sink.NoteOn(ev.Channel, ev.Note, ev.Velocity)
		} else {
			err = q.sink.NoteOff(ev.Channel, ev.Note)
		}

		q.mu.Lock()
		q.processed++
		q.sinceTune++
		if err == nil {
			q.stats.Record(ev.Latency)
		}
		q.maybeTune()
		q.mu.Unlock()

		if err != nil {
			q.log.Warn("send failed", "channel", ev.Channel, "note", ev.Note, "err", err)
			continue
		}
		if ev.OnSent != nil {
			ev.OnSent()
		}
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// maybeTune adjusts the buffer window and capacity from measured stats.
// Called with q.mu held, every tuneEvery processed events.
func (q *DispatchQueue) maybeTune() {
	if q.sinceTune < tuneEvery {
		return
	}
	q.sinceTune = 0

	mean := q.stats.Mean()
	jitter := q.stats.Jitter()

	switch {
	case mean > growLatency:
		w := q.bufferWindow * 2
		if w > maxBufferWindow {
			w = maxBufferWindow
		}
		if w != q.bufferWindow {
			q.log.Debug("growing buffer window", "window", w, "mean", mean)
			q.bufferWindow = w
		}
	case mean < shrinkLatency && jitter < shrinkJitter:
		w := q.bufferWindow / 2
		if w < minBufferWindow {
			w = minBufferWindow
		}
		if w != q.bufferWindow {
			q.log.Debug("shrinking buffer window", "window", w, "mean", mean, "jitter", jitter)
			q.bufferWindow = w
		}
	}

	if q.events.Len()*5 > q.capacity*4 && q.capacity < q.maxCapacity {
		c := q.capacity * 2
		if c > q.maxCapacity {
			c = q.maxCapacity
		}
		q.log.Debug("growing queue capacity", "capacity", c)
		q.capacity = c
	}
}

// Clear drains all pending events without sending them.
func (q *DispatchQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.events.Len()
	q.events = q.events[:0]
	if n > 0 {
		q.log.Info("queue cleared", "dropped", n)
	}
}

// Size returns the number of pending events.
func (q *DispatchQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events.Len()
}

// Processed returns the total number of processed events.
func (q *DispatchQueue) Processed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed
}

// Dropped returns the number of events dropped on overflow.
func (q *DispatchQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// BufferWindow returns the current look-ahead window.
func (q *DispatchQueue) BufferWindow() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bufferWindow
}

// Capacity returns the current queue capacity.
func (q *DispatchQueue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// MeanLatency returns the rolling mean dispatch latency.
func (q *DispatchQueue) MeanLatency() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats.Mean()
}

// LatencyJitter returns the rolling latency standard deviation.
func (q *DispatchQueue) LatencyJitter() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats.Jitter()
}

// eventHeap orders events by scheduled time, then by insertion sequence so
// equal times keep their scheduling order.
type eventHeap []TimedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(TimedEvent)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = TimedEvent{} // release OnSent reference
	*h = old[:n-1]
	return ev
}
