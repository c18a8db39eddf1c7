package comm

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// CreationFunc dials a fresh connection for a Pool.  Close over the
// address, port settings and so on when building one.
type CreationFunc func() (io.ReadWriteCloser, error)

// BackingOffTCPConnMaker returns a CreationFunc that dials addr over TCP,
// retrying with exponential backoff for up to three times the timeout.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * timeout,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens the port described by
// cfg.  Serial opens fail fast, there is no one on the other end to thrash.
func SerialConnMaker(cfg *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(cfg)
	}
}

// Pool holds one or more connections to an instrument, lending them out one
// conversation at a time and closing them after an idle period.  It is
// concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	mu      sync.Mutex
	maxSize int                     // cap on live connections, == cap(conns)
	onLease int                     // connections currently given out
	timeout time.Duration           // idle time after which connections are freed
	conns   chan io.ReadWriteCloser // returned connections awaiting reuse
	timer   *time.Timer             // fires when the pool has been idle for timeout
	maker   CreationFunc
}

// NewPool creates a new Pool and starts its reclaim goroutine, which runs
// for the life of the pool.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	p.timer.Stop() // nothing to reclaim until something is returned
	go p.reclaim()
	return p
}

// Get retrieves a connection from the pool, dialing a new one if none are
// idle and the pool is not at capacity, or blocking until one is returned.
//
// When the conversation is over, give the connection back with Put, or with
// Destroy if it has gone bad (e.g., all calls error).  ReturnWithError does
// the right thing based on the error of the last call.
//
// If the error from Get is not nil, the connection must not be returned to
// the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	p.timer.Stop()
	// short circuit: an idle connection is available right now
	select {
	case conn := <-p.conns:
		p.onLease++
		p.mu.Unlock()
		return conn, nil
	default:
	}
	if p.onLease == p.maxSize {
		// all given out; release the lock and wait for a return
		p.mu.Unlock()
		conn := <-p.conns
		p.mu.Lock()
		p.onLease++
		p.mu.Unlock()
		return conn, nil
	}
	conn, err := p.maker()
	if err == nil {
		p.onLease++
	}
	p.mu.Unlock()
	return conn, err
}

// Put restores a connection to the pool.  It may be reused, or will be
// closed after the pool sits idle for its timeout.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	p.onLease--
	idle := p.onLease == 0
	p.mu.Unlock()
	p.conns <- rwc
	if idle {
		p.timer.Reset(p.timeout)
	}
}

// Destroy closes a connection instead of returning it to the pool.  This
// should be used instead of Put when the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	if closer, ok := rw.(io.Closer); ok {
		closer.Close()
	}
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError puts the connection back when err is nil and destroys it
// otherwise.  A junk connection returned to the pool poisons every later
// conversation.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool or given out from it.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently given out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// reclaim closes every idle connection each time the idle timer fires.
func (p *Pool) reclaim() {
	for range p.timer.C {
		drained := false
		for !drained {
			select {
			case conn := <-p.conns:
				conn.Close()
			default:
				drained = true
			}
		}
	}
}
