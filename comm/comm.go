/*Package comm provides connection plumbing for beamline instruments.

Drivers hold a Pool for their transport and bracket each conversation by
leasing a connection, decorating it with the deadline and framing the
instrument speaks, and returning it along with the error of the last
call:

	conn, err := p.Get()
	if err != nil {
		return err
	}
	defer func() { p.ReturnWithError(conn, err) }()
	rw, err := comm.NewTimeout(conn, 3*time.Second)
	if err != nil {
		return err
	}
	rw = comm.NewTerminator(rw, '\n', '\n')
	_, err = rw.Write([]byte("CNT?"))

Pooling lets an instrument that accepts a single TCP client be shared
between goroutines, one conversation at a time.
*/
package comm

import (
	"net"
	"time"
)

// TCPSetup dials addr and applies timeout to the dial and the first
// read and write.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
