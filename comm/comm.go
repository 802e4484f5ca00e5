/*Package comm provides the line-oriented transport used to reach PV gateways
and other ASCII devices on the beamline network.

A RemoteDevice describes where the remote lives (a TCP address such as
"164.54.100.20:5064", or a serial port such as /dev/ttyS4) and knows how to
open a connection to it.  Opening is retried with an exponential backoff, the
gateways do not like being connection thrashed.  Connections are normally held
in a Pool and exchanged a line at a time:

	rd := comm.NewRemoteDevice("localhost:5064", false)
	pool := comm.NewPool(2, time.Minute, rd.Dial)
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	resp, err := comm.Exchange(conn, []byte("GET 2idd:m40.RBV"), rd.Terminator, rd.Timeout)
	if err != nil {
		pool.Destroy(conn)
		return err
	}
	pool.Put(conn)
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrNoAddr is generated when a RemoteDevice has no address to dial
	ErrNoAddr = errors.New("remote device has no address")
)

// DefaultTerminator ends every line sent to or received from a remote
const DefaultTerminator = byte('\r')

// RemoteDevice has an address and knows how to connect to it
type RemoteDevice struct {
	// Addr is a host:port for TCP or a device path for serial
	Addr string

	// IsSerial selects a serial connection instead of TCP
	IsSerial bool

	// Baud is the serial baud rate, ignored for TCP
	Baud int

	// Timeout bounds connection and each exchange
	Timeout time.Duration

	// Terminator ends each line
	Terminator byte
}

// NewRemoteDevice creates a new RemoteDevice with a 3 s timeout, 9600 baud,
// and carriage return terminator
func NewRemoteDevice(addr string, serial bool) RemoteDevice {
	return RemoteDevice{
		Addr:       addr,
		IsSerial:   serial,
		Baud:       9600,
		Timeout:    3 * time.Second,
		Terminator: DefaultTerminator}
}

// SerialConf yields a serial config for use with serial.OpenPort
func (rd RemoteDevice) SerialConf() *serial.Config {
	return &serial.Config{Name: rd.Addr, Baud: rd.Baud, ReadTimeout: rd.Timeout}
}

// Dial opens a new connection, retrying with backoff.  A refused connection
// is returned at once, other failures are retried until the backoff expires.
func (rd RemoteDevice) Dial() (io.ReadWriteCloser, error) {
	if rd.Addr == "" {
		return nil, ErrNoAddr
	}
	var (
		conn       io.ReadWriteCloser
		wasTimeout bool
	)
	op := func() error {
		c, err := rd.open()
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		conn = c
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return conn, nil
	}
	if wasTimeout {
		return nil, fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
	}
	return nil, err
}

func (rd RemoteDevice) open() (io.ReadWriteCloser, error) {
	if rd.IsSerial {
		return serial.OpenPort(rd.SerialConf())
	}
	return TCPSetup(rd.Addr, rd.Timeout)
}

// Exchange writes b plus the terminator to rw, then reads one terminated line
// and returns it with the terminator stripped.  If rw is a net.Conn the
// exchange is bounded by timeout.
func Exchange(rw io.ReadWriter, b []byte, term byte, timeout time.Duration) ([]byte, error) {
	if c, ok := rw.(net.Conn); ok && timeout > 0 {
		c.SetDeadline(time.Now().Add(timeout))
	}
	msg := make([]byte, 0, len(b)+1)
	msg = append(append(msg, b...), term)
	if _, err := rw.Write(msg); err != nil {
		return nil, err
	}
	return RecvLine(rw, term)
}

// RecvLine reads one byte at a time until term, so no data past the line is
// consumed from rw
func RecvLine(r io.Reader, term byte) ([]byte, error) {
	var buf bytes.Buffer
	one := make([]byte, 1)
	for {
		n, err := r.Read(one)
		if n == 1 {
			if one[0] == term {
				return buf.Bytes(), nil
			}
			buf.WriteByte(one[0])
		}
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				return buf.Bytes(), ErrTerminatorNotFound
			}
			return buf.Bytes(), err
		}
	}
}

// ScanLines returns a bufio.SplitFunc splitting on term, for servers reading
// a stream of terminated requests
func ScanLines(term byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.IndexByte(data, term); i >= 0 {
			return i + 1, bytes.TrimRight(data[:i], "\n"), nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
