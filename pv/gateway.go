package pv

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/aps-2idd/s2driver/comm"
	"golang.org/x/time/rate"
)

// ErrGateway is wrapped around errors reported by the remote gateway
var ErrGateway = errors.New("gateway error")

/*Gateway talks to a Channel Access line gateway over TCP or RS-232.

The protocol is one carriage-return terminated ASCII line per request.
Values travel as Go quoted strings in both directions, so empty values and
values with spaces or a leading ERR survive the trip:

	GET <name>             -> "<value>"
	PUT <name> "<value>"   -> OK
	PUTW <name> "<value>"  -> OK, after the put callback has fired
	any                    -> ERR <text> on failure

A response of "ERR not found" maps to ErrNotFound.  Requests are paced by a
token bucket so scan polling cannot flood the IOC.
*/
type Gateway struct {
	dev     comm.RemoteDevice
	pool    *comm.Pool
	limiter *rate.Limiter
}

// NewGateway creates a gateway client.  ratePerSec <= 0 disables pacing.
func NewGateway(addr string, serial bool, ratePerSec float64) *Gateway {
	rd := comm.NewRemoteDevice(addr, serial)
	lim := rate.NewLimiter(rate.Inf, 1)
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)
	}
	size := 4
	if serial {
		size = 1
	}
	return &Gateway{
		dev:     rd,
		pool:    comm.NewPool(size, time.Minute, rd.Dial),
		limiter: lim,
	}
}

// Close releases idle connections
func (g *Gateway) Close() error {
	return g.pool.Close()
}

func (g *Gateway) do(req string) (string, error) {
	if err := g.limiter.Wait(context.Background()); err != nil {
		return "", err
	}
	conn, err := g.pool.Get()
	if err != nil {
		return "", err
	}
	resp, err := comm.Exchange(conn, []byte(req), g.dev.Terminator, g.dev.Timeout)
	if err != nil {
		g.pool.Destroy(conn)
		return "", err
	}
	g.pool.Put(conn)
	s := strings.TrimSpace(string(resp))
	if s == errReply || strings.HasPrefix(s, errReply+" ") {
		text := strings.TrimSpace(strings.TrimPrefix(s, errReply))
		if text == errNotFound {
			return "", fmt.Errorf("%w: %s", ErrNotFound, req)
		}
		return "", fmt.Errorf("%w: %s: %s", ErrGateway, req, text)
	}
	return s, nil
}

const (
	errReply    = "ERR"
	errNotFound = "not found"
)

// GetString returns the value of a PV
func (g *Gateway) GetString(name string) (string, error) {
	resp, err := g.do("GET " + name)
	if err != nil {
		return "", err
	}
	s, err := strconv.Unquote(resp)
	if err != nil {
		return "", fmt.Errorf("%w: unquoted reply %q to GET %s", ErrGateway, resp, name)
	}
	return s, nil
}

// GetFloat returns the numeric value of a PV
func (g *Gateway) GetFloat(name string) (float64, error) {
	s, err := g.GetString(name)
	if err != nil {
		return 0, err
	}
	return ParseFloat(name, s)
}

// PutFloat writes a numeric PV
func (g *Gateway) PutFloat(name string, v float64, wait bool) error {
	return g.PutString(name, FormatFloat(v), wait)
}

// PutString writes a PV
func (g *Gateway) PutString(name string, s string, wait bool) error {
	verb := "PUT"
	if wait {
		verb = "PUTW"
	}
	resp, err := g.do(verb + " " + name + " " + strconv.Quote(s))
	if err != nil {
		return err
	}
	if resp != "OK" {
		return fmt.Errorf("%w: unexpected reply %q to %s %s", ErrGateway, resp, verb, name)
	}
	return nil
}

// ServeGateway answers gateway requests on ln from c until ln is closed.  It
// is the counterpart of Gateway, used to expose a soft IOC on the network.
func ServeGateway(ln net.Listener, c Client) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveGatewayConn(conn, c)
	}
}

func serveGatewayConn(rw io.ReadWriteCloser, c Client) {
	defer rw.Close()
	sc := bufio.NewScanner(rw)
	sc.Split(comm.ScanLines(comm.DefaultTerminator))
	for sc.Scan() {
		reply := answer(sc.Text(), c)
		if _, err := rw.Write(append([]byte(reply), comm.DefaultTerminator)); err != nil {
			return
		}
	}
}

func answer(line string, c Client) string {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	switch {
	case len(parts) == 2 && parts[0] == "GET":
		s, err := c.GetString(parts[1])
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return errReply + " " + errNotFound
			}
			return errReply + " " + err.Error()
		}
		return strconv.Quote(s)
	case len(parts) == 3 && (parts[0] == "PUT" || parts[0] == "PUTW"):
		v, err := strconv.Unquote(parts[2])
		if err != nil {
			return errReply + " value must be quoted"
		}
		if err := c.PutString(parts[1], v, parts[0] == "PUTW"); err != nil {
			return errReply + " " + err.Error()
		}
		return "OK"
	default:
		return errReply + " malformed request"
	}
}
