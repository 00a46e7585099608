package watcher

import (
	"sync"
	"time"
)

// Op is what happened to an inbox file
type Op int

const (
	// OpArrived means the file was created or rewritten
	OpArrived Op = iota
	// OpRemoved means the file was deleted or moved away
	OpRemoved
)

func (o Op) String() string {
	switch o {
	case OpArrived:
		return "ARRIVED"
	case OpRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Event is a settled change to one inbox file. Path is relative to the
// inbox root with forward slashes.
type Event struct {
	Path string
	Op   Op
	At   time.Time
}

// Debouncer holds back events until a path has been quiet for the delay.
// Cameras and sync tools write files in several chunks; only the last
// operation on a path is reported.
type Debouncer struct {
	delay   time.Duration
	mu      sync.Mutex
	pending map[string]*pendingEvent
	out     chan Event
	stopped bool
}

type pendingEvent struct {
	event Event
	timer *time.Timer
}

// NewDebouncer creates a debouncer with the given quiet period
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*pendingEvent),
		out:     make(chan Event, 100),
	}
}

// Events returns the channel of settled events. It is closed by Stop.
func (d *Debouncer) Events() <-chan Event {
	return d.out
}

// Add records an operation on path and restarts its quiet period
func (d *Debouncer) Add(path string, op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if p, ok := d.pending[path]; ok {
		p.timer.Stop()
		p.event.Op = op
		p.event.At = time.Now()
		p.timer = time.AfterFunc(d.delay, func() { d.emit(path) })
		return
	}

	d.pending[path] = &pendingEvent{
		event: Event{Path: path, Op: op, At: time.Now()},
		timer: time.AfterFunc(d.delay, func() { d.emit(path) }),
	}
}

// emit delivers a settled event. The lock is held during the send so Stop
// cannot close the channel underneath it.
func (d *Debouncer) emit(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[path]
	if !ok || d.stopped {
		return
	}
	delete(d.pending, path)

	select {
	case d.out <- p.event:
	default:
		// Consumer is not keeping up; retry after another quiet period.
		d.pending[path] = p
		p.timer = time.AfterFunc(d.delay, func() { d.emit(path) })
	}
}

// Flush emits every pending event now
func (d *Debouncer) Flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path, p := range d.pending {
		p.timer.Stop()
		paths = append(paths, path)
	}
	d.mu.Unlock()

	for _, path := range paths {
		d.emit(path)
	}
}

// Stop drops pending events and closes the event channel
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	for _, p := range d.pending {
		p.timer.Stop()
	}
	d.pending = make(map[string]*pendingEvent)
	close(d.out)
}

// PendingCount returns the number of unsettled paths
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
