package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new connection to something.
// RemoteDevice.Dial is the usual one.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds one or more connections to a remote that are closed once all of
// them have been idle for the timeout, and re-opened as needed.  It is
// concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int
	timeout time.Duration
	maker   CreationFunc

	mu      sync.Mutex
	onLease int
	idle    chan io.ReadWriteCloser
	timer   *time.Timer
}

// NewPool creates a pool of at most maxSize connections
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		maker:   maker,
		idle:    make(chan io.ReadWriteCloser, maxSize),
	}
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  There is no contention for the returned ReadWriter.
//
// When done with the connection, return it with Put(), or discard it with
// Destroy() if it has gone bad.  If the error from Get is not nil, there is
// nothing to return.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	select {
	case c := <-p.idle:
		p.onLease++
		p.mu.Unlock()
		return c, nil
	default:
	}
	if p.onLease+len(p.idle) >= p.maxSize {
		p.mu.Unlock()
		c := <-p.idle
		p.mu.Lock()
		p.onLease++
		p.mu.Unlock()
		return c, nil
	}
	// reserve the slot before dialing so concurrent Gets cannot overshoot
	p.onLease++
	p.mu.Unlock()
	c, err := p.maker()
	if err != nil {
		p.mu.Lock()
		p.onLease--
		p.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Put returns a connection to the pool
func (p *Pool) Put(rw io.ReadWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	p.idle <- rw.(io.ReadWriteCloser)
	if p.onLease == 0 && p.timeout > 0 {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
}

// Destroy closes a connection that has gone bad instead of returning it
func (p *Pool) Destroy(rw io.ReadWriter) {
	if c, ok := rw.(io.Closer); ok {
		c.Close()
	}
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// reclaim closes every idle connection if none are on lease
func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease > 0 {
		return
	}
	for {
		select {
		case c := <-p.idle:
			c.Close()
		default:
			return
		}
	}
}

// Close closes every idle connection
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	p.reclaim()
	return nil
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active returns the number of connections currently given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}
