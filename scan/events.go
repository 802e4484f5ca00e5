package scan

import (
	"sync"
	"time"
)

// State is the state of the scan state machine
type State int

const (
	// Idle means no scan is running
	Idle State = iota

	// Armed means EXSC has been written and the record is not yet busy
	Armed

	// Busy means the record reports BUSY
	Busy

	// Done means the record finished on its own
	Done

	// Aborted means the scan was cancelled
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Busy:
		return "busy"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal is true for Done and Aborted
func (s State) Terminal() bool {
	return s == Done || s == Aborted
}

// EventKind classifies events
type EventKind int

const (
	// Started is published once the record reports busy
	Started EventKind = iota

	// PointDone is published for every completed point of the innermost scanner
	PointDone

	// Finished is published when the scan reaches a terminal state
	Finished
)

// Event is published by a Coordinator as a scan progresses
type Event struct {
	Kind EventKind

	// Scan is the scan number
	Scan int

	// Index is the 0-based pixel index of a PointDone, row major
	Index int

	// Total is the number of pixels the scan will produce
	Total int

	// State is the terminal state of a Finished
	State State

	Time time.Time
}

// Subscription receives events on C until Close is called.  Publishing
// never blocks; events queue until they are received.
type Subscription struct {
	C <-chan Event

	c      chan Event
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	quit   chan struct{}
	bus    *bus
}

func newSubscription(b *bus) *Subscription {
	c := make(chan Event)
	s := &Subscription{C: c, c: c, quit: make(chan struct{}), bus: b}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, e)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) pump() {
	defer close(s.c)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.c <- e:
		case <-s.quit:
			return
		}
	}
}

// Close stops delivery and closes C
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.quit)
	s.cond.Broadcast()
}

type bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func (b *bus) subscribe() *Subscription {
	s := newSubscription(b)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[*Subscription]struct{})
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *bus) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(e)
	}
}
