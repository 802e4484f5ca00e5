package beamline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aps-2idd/s2driver/motion"
	"github.com/aps-2idd/s2driver/scan"
	"github.com/aps-2idd/s2driver/util"
	"github.com/aps-2idd/s2driver/xeol"
)

// Scan kinds, as they appear in logs, the archive and bridge messages
const (
	KindScan1D         = "scan1d"
	KindScan1DXEOL     = "scan1d_xeol"
	KindScan2D         = "scan2d"
	KindScan2DXEOL     = "scan2d_xeol"
	KindFlyscan2D      = "flyscan2d"
	KindTimeseries     = "timeseries"
	KindTimeseriesXEOL = "timeseries_xeol"
)

// Scan1D is a step scan of one motor.  Dwell is in ms.
type Scan1D struct {
	Motor    string  `json:"motor"`
	Start    float64 `json:"startpos"`
	End      float64 `json:"endpos"`
	NumPts   int     `json:"numpts"`
	Dwell    float64 `json:"dwelltime"`
	Absolute bool    `json:"absolute"`
}

// Validate checks the request without touching hardware
func (r Scan1D) Validate() error {
	if err := (scan.Axis{Start: r.Start, End: r.End, NumPts: r.NumPts}).Validate(); err != nil {
		return err
	}
	return scan.ValidateDwell(r.Dwell)
}

// Scan2D is a raster of two motors.  Motor1 is the inner, fast axis driven
// by the first step scan record and defaults to samx; Motor2 defaults to samy.
type Scan2D struct {
	Motor1   string  `json:"motor1"`
	Start1   float64 `json:"startpos1"`
	End1     float64 `json:"endpos1"`
	NumPts1  int     `json:"numpts1"`
	Motor2   string  `json:"motor2"`
	Start2   float64 `json:"startpos2"`
	End2     float64 `json:"endpos2"`
	NumPts2  int     `json:"numpts2"`
	Dwell    float64 `json:"dwelltime"`
	Absolute bool    `json:"absolute"`
}

// Validate checks the request without touching hardware
func (r Scan2D) Validate() error {
	if err := (scan.Axis{Start: r.Start1, End: r.End1, NumPts: r.NumPts1}).Validate(); err != nil {
		return err
	}
	if err := (scan.Axis{Start: r.Start2, End: r.End2, NumPts: r.NumPts2}).Validate(); err != nil {
		return err
	}
	return scan.ValidateDwell(r.Dwell)
}

func (r Scan2D) motors() (string, string) {
	m1, m2 := r.Motor1, r.Motor2
	if m1 == "" {
		m1 = "samx"
	}
	if m2 == "" {
		m2 = "samy"
	}
	return m1, m2
}

// Flyscan2D is a fly scan: the horizontal axis moves continuously through
// line 1 while the vertical axis steps through line 2.
type Flyscan2D struct {
	Start1    float64 `json:"startpos1"`
	End1      float64 `json:"endpos1"`
	NumPts1   int     `json:"numpts1"`
	Start2    float64 `json:"startpos2"`
	End2      float64 `json:"endpos2"`
	NumPts2   int     `json:"numpts2"`
	Dwell     float64 `json:"dwelltime"`
	Absolute  bool    `json:"absolute"`
	WaitForH5 bool    `json:"wait_for_h5"`
}

// Validate checks the request without touching hardware
func (r Flyscan2D) Validate() error {
	return Scan2D{
		Start1: r.Start1, End1: r.End1, NumPts1: r.NumPts1,
		Start2: r.Start2, End2: r.End2, NumPts2: r.NumPts2,
		Dwell: r.Dwell,
	}.Validate()
}

// Timeseries repeats a point numpts times without moving anything
type Timeseries struct {
	NumPts int     `json:"numpts"`
	Dwell  float64 `json:"dwelltime"`
}

// Validate checks the request without touching hardware
func (r Timeseries) Validate() error {
	if err := (scan.Axis{NumPts: r.NumPts}).Validate(); err != nil {
		return err
	}
	return scan.ValidateDwell(r.Dwell)
}

// line is one configured step scan record
type line struct {
	scanner    scan.Scanner
	motor      *motion.Motor
	start, end float64
	numpts     int
}

// stepPlan is a step scan ready to run
type stepPlan struct {
	kind     string
	lines    []line // inner first
	dwell    float64
	absolute bool
	xeol     bool
}

// Scan1D runs a 1-D step scan
func (s *Session) Scan1D(ctx context.Context, r Scan1D) (scan.Result, error) {
	return s.scan1D(ctx, r, false)
}

// Scan1DXEOL runs a 1-D step scan with a spectrum at every point
func (s *Session) Scan1DXEOL(ctx context.Context, r Scan1D) (scan.Result, error) {
	return s.scan1D(ctx, r, true)
}

func (s *Session) scan1D(ctx context.Context, r Scan1D, withXEOL bool) (scan.Result, error) {
	kind := KindScan1D
	if withXEOL {
		kind = KindScan1DXEOL
	}
	if err := r.Validate(); err != nil {
		return scan.Result{Kind: kind}, err
	}
	m, err := s.Motors.Get(r.Motor)
	if err != nil {
		return scan.Result{Kind: kind}, err
	}
	return s.stepScan(ctx, stepPlan{
		kind:     kind,
		lines:    []line{{s.Config.Step1, m, r.Start, r.End, r.NumPts}},
		dwell:    r.Dwell,
		absolute: r.Absolute,
		xeol:     withXEOL,
	})
}

// Scan2D runs a 2-D step scan
func (s *Session) Scan2D(ctx context.Context, r Scan2D) (scan.Result, error) {
	return s.scan2D(ctx, r, false)
}

// Scan2DXEOL runs a 2-D step scan with a spectrum at every pixel
func (s *Session) Scan2DXEOL(ctx context.Context, r Scan2D) (scan.Result, error) {
	return s.scan2D(ctx, r, true)
}

func (s *Session) scan2D(ctx context.Context, r Scan2D, withXEOL bool) (scan.Result, error) {
	kind := KindScan2D
	if withXEOL {
		kind = KindScan2DXEOL
	}
	if err := r.Validate(); err != nil {
		return scan.Result{Kind: kind}, err
	}
	n1, n2 := r.motors()
	m1, err := s.Motors.Get(n1)
	if err != nil {
		return scan.Result{Kind: kind}, err
	}
	m2, err := s.Motors.Get(n2)
	if err != nil {
		return scan.Result{Kind: kind}, err
	}
	return s.stepScan(ctx, stepPlan{
		kind: kind,
		lines: []line{
			{s.Config.Step1, m1, r.Start1, r.End1, r.NumPts1},
			{s.Config.Step2, m2, r.Start2, r.End2, r.NumPts2},
		},
		dwell:    r.Dwell,
		absolute: r.Absolute,
		xeol:     withXEOL,
	})
}

// Timeseries collects numpts points at the current position
func (s *Session) Timeseries(ctx context.Context, r Timeseries) (scan.Result, error) {
	return s.timeseries(ctx, r, false)
}

// TimeseriesXEOL collects numpts points and spectra at the current position
func (s *Session) TimeseriesXEOL(ctx context.Context, r Timeseries) (scan.Result, error) {
	return s.timeseries(ctx, r, true)
}

func (s *Session) timeseries(ctx context.Context, r Timeseries, withXEOL bool) (scan.Result, error) {
	kind := KindTimeseries
	if withXEOL {
		kind = KindTimeseriesXEOL
	}
	if err := r.Validate(); err != nil {
		return scan.Result{Kind: kind}, err
	}
	// the record needs a positioner, it is parked on the fly scan x axis
	m, err := s.Motors.Get(s.Config.FlyX)
	if err != nil {
		return scan.Result{Kind: kind}, err
	}
	return s.stepScan(ctx, stepPlan{
		kind:  kind,
		lines: []line{{s.Config.Step1, m, 0, 0, r.NumPts}},
		dwell: r.Dwell,
		xeol:  withXEOL,
	})
}

func (s *Session) ready(withXEOL bool) error {
	if withXEOL && !s.XEOL.IsPresent() {
		return xeol.ErrNotPresent
	}
	if s.Busy() {
		return scan.ErrBusy
	}
	return nil
}

func (s *Session) stepScan(ctx context.Context, p stepPlan) (scan.Result, error) {
	res := scan.Result{Kind: p.kind}
	if err := s.ready(p.xeol); err != nil {
		return res, err
	}
	inner, outer := p.lines[0], p.lines[len(p.lines)-1]
	for _, l := range p.lines {
		s.Log.Infof("%s: %s from %v to %v, %d points, dwell %v ms, absolute %t",
			p.kind, l.motor.Name, l.start, l.end, l.numpts, p.dwell, p.absolute)
	}

	err := s.Moderator.Run(ctx, p.kind, func(ctx context.Context) error {
		for _, l := range p.lines {
			if err := s.Coord.Configure(l.scanner, l.motor, l.start, l.end, l.numpts, p.absolute); err != nil {
				return err
			}
		}
		if err := s.Coord.SetDwellTime(p.dwell); err != nil {
			return err
		}

		var capt *xeol.Capture
		var sub *scan.Subscription
		if p.xeol {
			var err error
			sub = s.Coord.Subscribe()
			capt, err = s.primeXEOL(p, sub)
			if err != nil {
				sub.Close()
				return err
			}
		}

		var err error
		res, err = s.Coord.Execute(ctx, outer.scanner, inner.scanner, p.kind)
		if capt == nil {
			return err
		}
		if err != nil {
			sub.Close()
		}
		if _, xerr := capt.Wait(); xerr != nil {
			s.Log.WithError(xerr).Error("XEOL capture")
			if err == nil {
				err = xerr
			}
		}
		return err
	})
	s.record(res, p.xeol)
	return res, err
}

func (s *Session) primeXEOL(p stepPlan, sub *scan.Subscription) (*xeol.Capture, error) {
	root, err := s.ExperimentDir()
	if err != nil {
		return nil, err
	}
	base, err := s.BaseName()
	if err != nil {
		return nil, err
	}
	next, err := s.NextScanNumber()
	if err != nil {
		return nil, err
	}
	rec := &xeol.Recorder{Root: root, Prefix: base}
	s.XEOL.Recorder = rec

	plan := xeol.Plan{
		Kind:    p.kind,
		Scan:    next,
		Path:    rec.Path(next),
		NX:      p.lines[0].numpts,
		NY:      1,
		DwellMS: p.dwell,
		Events:  sub,
	}
	var ym *motion.Motor
	if len(p.lines) > 1 {
		plan.NY = p.lines[1].numpts
		ym = p.lines[1].motor
	}
	plan.Position = position(p.lines[0].motor, ym)
	return s.XEOL.Prime(plan)
}

// position reads the pixel coordinates from the motor readbacks; y is 0 for
// a line scan
func position(x, y *motion.Motor) func() (float64, float64, error) {
	return func() (float64, float64, error) {
		xv, err := x.Readback()
		if err != nil || y == nil {
			return xv, 0, err
		}
		yv, err := y.Readback()
		return xv, yv, err
	}
}

// Flyscan2D runs a 2-D fly scan.  The horizontal record always takes
// absolute positions and the vertical one relative positions, so an absolute
// request first moves the vertical axis to the middle of its range and a
// relative one is offset by the current horizontal setpoint.
func (s *Session) Flyscan2D(ctx context.Context, r Flyscan2D) (scan.Result, error) {
	res := scan.Result{Kind: KindFlyscan2D}
	if err := r.Validate(); err != nil {
		return res, err
	}
	mx, err := s.Motors.Get(s.Config.FlyX)
	if err != nil {
		return res, err
	}
	my, err := s.Motors.Get(s.Config.FlyY)
	if err != nil {
		return res, err
	}
	if err := s.ready(false); err != nil {
		return res, err
	}
	s.Log.Infof("%s: %s from %v to %v, %d points, %s from %v to %v, %d points, dwell %v ms, absolute %t",
		KindFlyscan2D, mx.Name, r.Start1, r.End1, r.NumPts1, my.Name, r.Start2, r.End2, r.NumPts2, r.Dwell, r.Absolute)

	err = s.Moderator.Run(ctx, KindFlyscan2D, func(ctx context.Context) error {
		s1, e1, s2, e2 := r.Start1, r.End1, r.Start2, r.End2
		if r.Absolute {
			if err := s.Motors.Mov(ctx, my, (s2+e2)/2); err != nil {
				return err
			}
			y0, err := my.Setpoint()
			if err != nil {
				return err
			}
			s2 -= y0
			e2 -= y0
		} else {
			x0, err := mx.Setpoint()
			if err != nil {
				return err
			}
			s1 += x0
			e1 += x0
		}
		if err := s.Motors.Guard.Check(mx, s1); err != nil {
			return err
		}
		if err := s.Coord.ConfigureRange(s.Config.FlyH, s1, e1, r.NumPts1); err != nil {
			return err
		}
		if err := s.Coord.Configure(s.Config.Fly1, my, s2, e2, r.NumPts2, false); err != nil {
			return err
		}
		if err := s.Coord.SetDwellTime(r.Dwell); err != nil {
			return err
		}
		var err error
		res, err = s.Coord.Execute(ctx, s.Config.Fly1, s.Config.FlyH, KindFlyscan2D)
		if err != nil {
			return err
		}
		if r.WaitForH5 {
			return s.waitH5(ctx, res.Scan)
		}
		return nil
	})
	s.record(res, false)
	return res, err
}

// H5Path is where the fly scan with the given number writes its file
func (s *Session) H5Path(scanNumber int) (string, error) {
	dir, err := s.SaveDir()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%04d.h5", dir.BaseName, scanNumber)
	return filepath.Join(dir.RootDir, dir.SubDir, name), nil
}

// waitH5 blocks until the fly scan's file exists, then lets the writer
// finish with it
func (s *Session) waitH5(ctx context.Context, scanNumber int) error {
	path, err := s.H5Path(scanNumber)
	if err != nil {
		return err
	}
	poll := util.SecsToDuration(s.Config.H5Poll)
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	s.Log.Debugf("waiting for %s", path)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(util.SecsToDuration(s.Config.H5Settle)):
	}
	return nil
}
