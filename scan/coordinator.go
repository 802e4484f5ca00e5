package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/aps-2idd/s2driver/motion"
	"github.com/aps-2idd/s2driver/pv"
	"github.com/sirupsen/logrus"
)

// ErrBusy is generated when a scan is requested while another is running
var ErrBusy = errors.New("a scan is already running")

// Detector is one line of the dwell time quirk table
type Detector struct {
	// Name is used in logs
	Name string `yaml:"Name" koanf:"Name"`

	// PV receives the dwell time
	PV string `yaml:"PV" koanf:"PV"`

	// Scale converts the dwell time in ms to the detector's unit,
	// 1 for ms and 0.001 for s
	Scale float64 `yaml:"Scale" koanf:"Scale"`

	// Trigger, if not empty, limits the detector to scans whose trigger list
	// contains this PV
	Trigger string `yaml:"Trigger" koanf:"Trigger"`
}

// DefaultDetectors is the 2-ID-D quirk table.  The flyscan setup takes ms, the
// XMAP step scan preset takes s.  The scaler and Medipix are only set when the
// step scan triggers them.
var DefaultDetectors = []Detector{
	{Name: "flyscan", PV: "2idd:Flyscans:Setup:DwellTime.VAL", Scale: 1},
	{Name: "xmap", PV: "2iddXMAP:PresetReal", Scale: 1e-3},
	{Name: "scaler", PV: "2idd:3820:scaler1.TP", Scale: 1e-3, Trigger: "2idd:3820:scaler1.CNT"},
	{Name: "qmpx3", PV: "QMPX3:cam1:AcquirePeriod", Scale: 1, Trigger: "QMPX3:cam1:Acquire"},
}

// Progress is told about a running scan
type Progress interface {
	Start(scan, total int)
	Update(done int)
	Finish(State)
}

// Coordinator owns the scan records of the endstation.  It is the single
// writer of their PVs; Execute refuses to run two scans at once.
type Coordinator struct {
	PV     pv.Client
	Motors *motion.Registry

	// Detectors is the dwell time quirk table
	Detectors []Detector

	// TriggerScanner is the record whose T1PV..T4PV select conditional detectors
	TriggerScanner Scanner

	// ScanNumberPV holds the number of the next scan to be saved
	ScanNumberPV string

	// Progress, if not nil, follows every executed scan
	Progress Progress

	// BusyInterval is the BUSY polling period
	BusyInterval time.Duration

	// PointInterval is the CPT polling period used to publish points
	PointInterval time.Duration

	// StartTimeout bounds the armed state
	StartTimeout time.Duration

	Log logrus.FieldLogger

	mu    sync.Mutex
	state State
	bus   bus
}

// New returns a coordinator with 2-ID-D defaults
func New(c pv.Client, motors *motion.Registry, log logrus.FieldLogger) *Coordinator {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Coordinator{
		PV:             c,
		Motors:         motors,
		Detectors:      DefaultDetectors,
		TriggerScanner: Scanner{Name: "sc1", Record: "2idd:scan1", Abort: "2idd:AbortScans.PROC"},
		ScanNumberPV:   "2idd:saveData_scanNumber",
		BusyInterval:   time.Second,
		PointInterval:  10 * time.Millisecond,
		StartTimeout:   30 * time.Second,
		Log:            log,
	}
}

// State returns the state of the current or last scan
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Subscribe returns a subscription to scan events.  Close it when done.
func (c *Coordinator) Subscribe() *Subscription {
	return c.bus.subscribe()
}

// NextScanNumber returns the number the next saved scan will get
func (c *Coordinator) NextScanNumber() (int, error) {
	return pv.GetInt(c.PV, c.ScanNumberPV)
}

// Configure points a scanner at a motor and sets its range.  When absolute
// is false, start and end are relative to the motor's setpoint.
//
// The scan's first point is checked against the motor's movement threshold
// before anything is written; a refused confirmation returns
// motion.ErrMoveVetoed.
func (c *Coordinator) Configure(s Scanner, m *motion.Motor, start, end float64, numpts int, absolute bool) error {
	if err := (Axis{Start: start, End: end, NumPts: numpts}).Validate(); err != nil {
		return err
	}
	first := start
	if !absolute {
		current, err := m.Setpoint()
		if err != nil {
			return err
		}
		first += current
	}
	if err := c.Motors.Guard.Check(m, first); err != nil {
		return err
	}
	if err := c.PV.PutString(s.PV("P1PV"), m.PV("VAL"), true); err != nil {
		return err
	}
	if err := pv.PutBool(c.PV, s.PV("P1AR"), !absolute, true); err != nil {
		return err
	}
	if err := c.setRange(s, start, end, numpts); err != nil {
		return err
	}
	c.Log.Debugf("Set scanner %s to scan %s from %.2f to %.2f, absolute is %t",
		s, m, start, end, absolute)
	return nil
}

// ConfigureRange sets only the range of a scanner whose positioner is fixed,
// such as the horizontal flyscan record
func (c *Coordinator) ConfigureRange(s Scanner, start, end float64, numpts int) error {
	if err := (Axis{Start: start, End: end, NumPts: numpts}).Validate(); err != nil {
		return err
	}
	if err := c.setRange(s, start, end, numpts); err != nil {
		return err
	}
	c.Log.Debugf("Set scanner %s to scan from %.2f to %.2f", s, start, end)
	return nil
}

func (c *Coordinator) setRange(s Scanner, start, end float64, numpts int) error {
	if err := c.PV.PutFloat(s.PV("P1SP"), start, true); err != nil {
		return err
	}
	if err := c.PV.PutFloat(s.PV("P1EP"), end, true); err != nil {
		return err
	}
	return c.PV.PutFloat(s.PV("NPTS"), float64(numpts), true)
}

// Settings reads back the positioner settings of a scanner
func (c *Coordinator) Settings(s Scanner) (Settings, error) {
	return ReadSettings(c.PV, s)
}

// SetDwellTime writes a dwell time, in ms rounded to the nearest ms, to every
// detector of the quirk table that is active for the trigger scanner.  PVs
// already holding the target value are not written, so repeating a call is a
// no-op.
func (c *Coordinator) SetDwellTime(ms float64) error {
	if err := ValidateDwell(ms); err != nil {
		return err
	}
	ms = math.Round(ms)
	triggers, err := c.triggers()
	if err != nil {
		return err
	}
	for _, d := range c.Detectors {
		if d.Trigger != "" && !triggers[d.Trigger] {
			continue
		}
		target := ms * d.Scale
		current, err := c.PV.GetFloat(d.PV)
		if err == nil && current == target {
			continue
		}
		if err := c.PV.PutFloat(d.PV, target, true); err != nil {
			return fmt.Errorf("setting %s dwell time: %w", d.Name, err)
		}
	}
	c.Log.Debugf("Set detector dwell time to %.2f ms", ms)
	return nil
}

func (c *Coordinator) triggers() (map[string]bool, error) {
	out := make(map[string]bool, len(Triggers))
	if c.TriggerScanner.Record == "" {
		return out, nil
	}
	for _, t := range Triggers {
		s, err := c.PV.GetString(c.TriggerScanner.PV(t))
		if errors.Is(err, pv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s != "" {
			out[s] = true
		}
	}
	return out, nil
}

// claim moves to Armed unless a scan is running
func (c *Coordinator) claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Armed || c.state == Busy {
		return ErrBusy
	}
	c.state = Armed
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
