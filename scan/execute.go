package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aps-2idd/s2driver/pv"
)

var (
	// ErrAborted is generated when a scan is cancelled
	ErrAborted = errors.New("scan aborted")

	// ErrNotStarted is generated when a record never reports busy
	ErrNotStarted = errors.New("scan record did not start")
)

// Result describes an executed scan
type Result struct {
	Kind    string
	Scan    int
	State   State
	Points  int
	Total   int
	Started time.Time
	Ended   time.Time
}

// Duration is how long the scan ran
func (r Result) Duration() time.Duration {
	return r.Ended.Sub(r.Started)
}

// Execute runs the outer scanner to completion.  inner is the innermost
// scanner, whose CPT counter is the pixel clock; for a 1-D scan it is the
// same record as outer.
//
// BUSY is polled every BusyInterval and CPT every PointInterval.  When ctx is
// done the scanner's abort PV is written and ErrAborted is returned without
// waiting for the hardware to halt.
func (c *Coordinator) Execute(ctx context.Context, outer, inner Scanner, kind string) (Result, error) {
	if err := c.claim(); err != nil {
		return Result{Kind: kind}, err
	}
	res, err := c.execute(ctx, outer, inner, kind)
	res.Ended = time.Now()
	c.setState(res.State)
	if res.State.Terminal() {
		if c.Progress != nil {
			c.Progress.Finish(res.State)
		}
		c.bus.publish(Event{Kind: Finished, Scan: res.Scan, Total: res.Total, State: res.State})
	}
	return res, err
}

func (c *Coordinator) execute(ctx context.Context, outer, inner Scanner, kind string) (Result, error) {
	res := Result{Kind: kind, State: Idle, Started: time.Now()}
	var err error
	res.Scan, err = c.NextScanNumber()
	if err != nil {
		return res, err
	}
	outerN, err := pv.GetInt(c.PV, outer.PV("NPTS"))
	if err != nil {
		return res, err
	}
	innerN := outerN
	if inner.Record != outer.Record {
		innerN, err = pv.GetInt(c.PV, inner.PV("NPTS"))
		if err != nil {
			return res, err
		}
		res.Total = outerN * innerN
	} else {
		res.Total = outerN
	}

	if err := ctx.Err(); err != nil {
		res.State = Aborted
		return res, fmt.Errorf("%w: scan %d cancelled before it started: %v", ErrAborted, res.Scan, err)
	}
	if err := c.PV.PutFloat(outer.PV("EXSC"), 1, false); err != nil {
		return res, err
	}
	res.State = Armed
	c.Log.Infof("Started %s %d", kind, res.Scan)

	finished, err := c.waitBusy(ctx, outer)
	if err != nil {
		res.State = Aborted
		c.abort(outer, res.Scan)
		if errors.Is(err, ErrNotStarted) {
			return res, err
		}
		return res, fmt.Errorf("%w: scan %d: %v", ErrAborted, res.Scan, err)
	}

	res.State = Busy
	c.setState(Busy)
	c.bus.publish(Event{Kind: Started, Scan: res.Scan, Total: res.Total})
	if c.Progress != nil {
		c.Progress.Start(res.Scan, res.Total)
	}

	tr := &pointTracker{lineLen: innerN, total: res.Total, publish: func(idx int) {
		c.bus.publish(Event{Kind: PointDone, Scan: res.Scan, Index: idx, Total: res.Total})
	}}
	if !finished {
		if err := c.follow(ctx, outer, inner, tr); err != nil {
			res.State = Aborted
			res.Points = tr.emitted
			c.abort(outer, res.Scan)
			return res, fmt.Errorf("%w: scan %d: %v", ErrAborted, res.Scan, err)
		}
	}
	tr.flush()
	if c.Progress != nil {
		c.Progress.Update(tr.emitted)
	}
	res.Points = tr.emitted
	res.State = Done
	c.Log.Infof("Finished %s %d, %d points", kind, res.Scan, res.Points)
	return res, nil
}

// waitBusy polls until the record reports BUSY.  finished is true if the
// record already went back to EXSC=0, i.e. the scan ran before we looked.
func (c *Coordinator) waitBusy(ctx context.Context, s Scanner) (finished bool, err error) {
	deadline := time.Now().Add(c.StartTimeout)
	interval := c.PointInterval
	if interval > 100*time.Millisecond || interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for {
		busy, err := pv.GetBool(c.PV, s.PV("BUSY"))
		if err != nil {
			return false, err
		}
		if busy {
			return false, nil
		}
		exsc, err := pv.GetBool(c.PV, s.PV("EXSC"))
		if err != nil {
			return false, err
		}
		if !exsc {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, fmt.Errorf("%w: %s not busy after %v", ErrNotStarted, s, c.StartTimeout)
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return false, err
		}
	}
}

// follow polls BUSY and the inner CPT until the scan ends or ctx is done
func (c *Coordinator) follow(ctx context.Context, outer, inner Scanner, tr *pointTracker) error {
	busyTick := time.NewTicker(c.BusyInterval)
	defer busyTick.Stop()
	pointTick := time.NewTicker(c.PointInterval)
	defer pointTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pointTick.C:
			cpt, err := pv.GetInt(c.PV, inner.PV("CPT"))
			if err != nil {
				c.Log.WithError(err).Debug("reading points completed")
				continue
			}
			if tr.observe(cpt) && c.Progress != nil {
				c.Progress.Update(tr.emitted)
			}
		case <-busyTick.C:
			busy, err := pv.GetBool(c.PV, outer.PV("BUSY"))
			if err != nil {
				c.Log.WithError(err).Debug("reading busy")
				continue
			}
			if !busy {
				return nil
			}
		}
	}
}

func (c *Coordinator) abort(s Scanner, scan int) {
	if s.Abort != "" {
		if err := c.PV.PutFloat(s.Abort, 1, false); err != nil {
			c.Log.WithError(err).Errorf("writing abort PV for scan %d", scan)
		}
	}
	c.Log.Infof("Scan %d canceled", scan)
}

// pointTracker turns samples of a line scanner's CPT into a stream of pixel
// indices.  A drop in CPT means the line wrapped; the rest of the old line
// is emitted before the new one.
type pointTracker struct {
	lineLen int
	total   int
	last    int
	emitted int
	publish func(int)
}

func (t *pointTracker) observe(cpt int) bool {
	before := t.emitted
	if cpt < t.last {
		t.emit(t.lineLen - t.last)
		t.last = 0
	}
	if cpt > t.lineLen {
		cpt = t.lineLen
	}
	t.emit(cpt - t.last)
	t.last = cpt
	return t.emitted != before
}

func (t *pointTracker) emit(n int) {
	for i := 0; i < n && t.emitted < t.total; i++ {
		t.publish(t.emitted)
		t.emitted++
	}
}

func (t *pointTracker) flush() {
	t.emit(t.total - t.emitted)
}
