package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aps-2idd/s2driver/beamline"
	"github.com/aps-2idd/s2driver/xeol"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

var (
	// ErrScanFailed is generated when the server acknowledges a scan with an error
	ErrScanFailed = errors.New("remote scan failed")

	// ErrClosed is generated when the connection to the server is gone
	ErrClosed = errors.New("bridge connection closed")
)

// XRFDir is the folder holding the fly scan and XRF files
func (m *SaveDir) XRFDir() string {
	return filepath.Join(m.RootDir, m.SubDir)
}

// XEOLDir is the folder holding the XEOL files
func (m *SaveDir) XEOLDir() string {
	return filepath.Join(m.RootDir, "XEOL")
}

// XRFFile is the file of scan n
func (m *SaveDir) XRFFile(n int) string {
	return filepath.Join(m.XRFDir(), fmt.Sprintf("%s_%04d.h5", m.BaseName, n))
}

// XEOLFile is the XEOL file of scan n.  When the server saved scan n more
// than once and the folder is visible locally, it is the newest copy.
func (m *SaveDir) XEOLFile(n int) string {
	return xeol.Newest(filepath.Join(m.XEOLDir(), fmt.Sprintf("%s_%04d_XEOL.fits", m.BaseName, n)))
}

// Client talks to a bridge server
type Client struct {
	// WaitInterval is how often a blocked call checks for completion
	WaitInterval time.Duration

	ws  *websocket.Conn
	wmu sync.Mutex

	mu         sync.Mutex
	inProgress bool
	pending    string
	last       *ScanComplete
	recent     int
	closed     bool
	saveDir    chan *SaveDir
	remoteErrs chan *Error
}

// Dial connects to the websocket of a bridge server, e.g.
// ws://localhost:8000/ws, retrying with backoff until ctx is done or the
// server refuses outright
func Dial(ctx context.Context, url string) (*Client, error) {
	var ws *websocket.Conn
	op := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil || (resp != nil && resp.StatusCode >= 400) {
				return backoff.Permanent(err)
			}
			return err
		}
		ws = c
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.1,
		Multiplier:          2.,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      15 * time.Second,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("dialing bridge at %s: %w", url, err)
	}
	c := &Client{
		WaitInterval: time.Second,
		ws:           ws,
		recent:       -1,
		saveDir:      make(chan *SaveDir, 1),
		remoteErrs:   make(chan *Error, 1),
	}
	go c.read()
	return c, nil
}

// Close the connection
func (c *Client) Close() error {
	c.wmu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *Client) read() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}()
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		m, err := Decode(b)
		if err != nil {
			continue
		}
		switch m := m.(type) {
		case *ScanComplete:
			c.mu.Lock()
			c.recent = m.ScanNumber
			c.last = m
			if m.ID == "" || m.ID == c.pending {
				c.inProgress = false
			}
			c.mu.Unlock()
		case *SaveDir:
			select {
			case c.saveDir <- m:
			default:
			}
		case *Error:
			c.mu.Lock()
			if c.inProgress && (m.ID == "" || m.ID == c.pending) {
				c.inProgress = false
				c.last = &ScanComplete{ID: c.pending, ScanNumber: c.recent, Error: m.Message}
			}
			c.mu.Unlock()
			select {
			case c.remoteErrs <- m:
			default:
			}
		}
	}
}

func (c *Client) send(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// InProgress reports whether a request sent by this client is unacknowledged
func (c *Client) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// MostRecentCompleted is the scan number of the last acknowledgement, -1 if
// there has been none
func (c *Client) MostRecentCompleted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recent
}

// Wait blocks until the outstanding request is acknowledged and returns the
// acknowledgement.  A scan that failed on the server returns ErrScanFailed.
func (c *Client) Wait(ctx context.Context) (*ScanComplete, error) {
	tick := time.NewTicker(c.WaitInterval)
	defer tick.Stop()
	for {
		c.mu.Lock()
		done, closed, last := !c.inProgress, c.closed, c.last
		c.mu.Unlock()
		if done {
			if last != nil && last.Error != "" {
				return last, fmt.Errorf("%w: %s", ErrScanFailed, last.Error)
			}
			return last, nil
		}
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

// Submit sends a request.  When block is true it waits for the
// acknowledgement, otherwise it returns once the request is sent with a nil
// acknowledgement.
func (c *Client) Submit(ctx context.Context, r Request, block bool) (*ScanComplete, error) {
	c.mu.Lock()
	c.inProgress = true
	c.pending = r.RequestID()
	c.mu.Unlock()
	if err := c.send(r); err != nil {
		c.mu.Lock()
		c.inProgress = false
		c.mu.Unlock()
		return nil, err
	}
	if !block {
		return nil, nil
	}
	return c.Wait(ctx)
}

// Scan1D requests a 1-D step scan, see Submit
func (c *Client) Scan1D(ctx context.Context, r beamline.Scan1D, withXEOL, block bool) (*ScanComplete, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return c.Submit(ctx, &Scan1D{ID: NewID(), Scan1D: r, XEOL: withXEOL}, block)
}

// Scan2D requests a 2-D step scan
func (c *Client) Scan2D(ctx context.Context, r beamline.Scan2D, withXEOL, block bool) (*ScanComplete, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return c.Submit(ctx, &Scan2D{ID: NewID(), Scan2D: r, XEOL: withXEOL}, block)
}

// Flyscan2D requests a 2-D fly scan
func (c *Client) Flyscan2D(ctx context.Context, r beamline.Flyscan2D, block bool) (*ScanComplete, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return c.Submit(ctx, &Flyscan2D{ID: NewID(), Flyscan2D: r}, block)
}

// Timeseries requests a timeseries
func (c *Client) Timeseries(ctx context.Context, r beamline.Timeseries, withXEOL, block bool) (*ScanComplete, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return c.Submit(ctx, &Timeseries{ID: NewID(), Timeseries: r, XEOL: withXEOL}, block)
}

// GetSaveDir asks the server where its files are
func (c *Client) GetSaveDir(ctx context.Context) (*SaveDir, error) {
	if err := c.send(&GetSavePath{}); err != nil {
		return nil, err
	}
	select {
	case d := <-c.saveDir:
		return d, nil
	case e := <-c.remoteErrs:
		return nil, errors.New(e.Message)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
