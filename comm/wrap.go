package comm

import (
	"errors"
	"io"
	"time"
)

// ErrTimeoutUnsupported is generated by NewTimeout when the underlying
// connection does not expose deadlines
var ErrTimeoutUnsupported = errors.New("connection does not support deadlines")

// deadliner is the deadline surface of net.Conn.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// terminator decorates a ReadWriter with framing bytes.
type terminator struct {
	rw     io.ReadWriter
	rx, tx byte
}

// NewTerminator wraps rw so that writes gain a trailing Tx terminator and
// reads block until the Rx terminator arrives.  The terminator is left in
// the returned data for the caller to strip.
func NewTerminator(rw io.ReadWriter, rx, tx byte) io.ReadWriter {
	return terminator{rw: rw, rx: rx, tx: tx}
}

func (t terminator) Write(b []byte) (int, error) {
	n, err := t.rw.Write(append(b, t.tx))
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

func (t terminator) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := t.rw.Read(b[n : n+1])
		n += m
		if err != nil {
			return n, err
		}
		if m > 0 && b[n-1] == t.rx {
			break
		}
	}
	return n, nil
}

// timeout decorates a ReadWriter with a fresh deadline per call.
type timeout struct {
	rw io.ReadWriter
	dl deadliner
	d  time.Duration
}

// NewTimeout wraps rw so that every Read and Write refreshes a deadline of
// d on the underlying connection.  The connection must expose deadlines
// the way net.Conn does; decoration by NewTerminator is seen through.
// ErrTimeoutUnsupported is returned otherwise.
func NewTimeout(rw io.ReadWriter, d time.Duration) (io.ReadWriter, error) {
	probe := rw
	for {
		if dl, ok := probe.(deadliner); ok {
			return timeout{rw: rw, dl: dl, d: d}, nil
		}
		if t, ok := probe.(terminator); ok {
			probe = t.rw
			continue
		}
		return nil, ErrTimeoutUnsupported
	}
}

func (t timeout) Read(b []byte) (int, error) {
	t.dl.SetReadDeadline(time.Now().Add(t.d))
	return t.rw.Read(b)
}

func (t timeout) Write(b []byte) (int, error) {
	t.dl.SetWriteDeadline(time.Now().Add(t.d))
	return t.rw.Write(b)
}
