/*Package beamline is an interactive session at the 2-ID-D endstation.

A Session owns the PV client, the motors, the scan coordinator and the XEOL
controller, and offers the scan kinds an experimenter runs: 1-D and 2-D step
scans with or without XEOL, 2-D fly scans and timeseries.  Every scan is
bracketed by the Moderator, so the shutter is opened for the scan body and
closed again however it ends.

Requests are validated before any PV is written.  A movement that exceeds a
motor's threshold and is not confirmed aborts the scan with
motion.ErrMoveVetoed.
*/
package beamline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aps-2idd/s2driver/archive"
	"github.com/aps-2idd/s2driver/logbook"
	"github.com/aps-2idd/s2driver/motion"
	"github.com/aps-2idd/s2driver/pv"
	"github.com/aps-2idd/s2driver/scan"
	"github.com/aps-2idd/s2driver/util"
	"github.com/aps-2idd/s2driver/xeol"
	"github.com/sirupsen/logrus"
)

// ErrBadFilter is generated when a filter index outside 1..4 is requested
var ErrBadFilter = errors.New("filter index must be 1, 2, 3, or 4")

// Session is a connection to the endstation
type Session struct {
	Config Config

	PV        pv.Client
	Motors    *motion.Registry
	Coord     *scan.Coordinator
	Moderator *scan.Moderator
	XEOL      *xeol.Controller

	// Archive records every finished scan
	Archive archive.Recorder

	Log logrus.FieldLogger
}

// New builds a session.  confirm is asked about large moves; spec is the
// XEOL spectrometer, nil if none is connected.
func New(cfg Config, c pv.Client, confirm motion.Confirmer, spec xeol.Spectrometer, log logrus.FieldLogger) (*Session, error) {
	if log == nil {
		log = logbook.Discard()
	}
	reg := motion.NewRegistry(motion.Guard{Confirm: confirm, Log: log}, log)
	reg.Strict = cfg.StrictMotion
	for _, mc := range cfg.Motors {
		reg.Add(motion.NewMotor(c, mc.Name, mc.Record, mc.Threshold))
	}
	for _, name := range []string{cfg.FlyX, cfg.FlyY} {
		if _, err := reg.Get(name); err != nil {
			return nil, fmt.Errorf("fly scan axis: %w", err)
		}
	}

	coord := scan.New(c, reg, log)
	coord.Detectors = cfg.Detectors
	coord.TriggerScanner = cfg.Step1
	coord.ScanNumberPV = cfg.scanNumberPV()
	if cfg.BusyPoll > 0 {
		coord.BusyInterval = util.SecsToDuration(cfg.BusyPoll)
	}
	if cfg.PointPoll > 0 {
		coord.PointInterval = util.SecsToDuration(cfg.PointPoll)
	}

	ctl := xeol.NewController(spec, log)
	if cfg.XEOL.Ratio > 0 {
		ctl.Ratio = cfg.XEOL.Ratio
	}
	if cfg.XEOL.BackgroundScans > 0 {
		ctl.BackgroundScans = cfg.XEOL.BackgroundScans
	}
	ctl.Smoothing = cfg.XEOL.Smoothing

	return &Session{
		Config: cfg,
		PV:     c,
		Motors: reg,
		Coord:  coord,
		Moderator: &scan.Moderator{
			PV:           c,
			Shutter:      cfg.Shutter,
			ScanNumberPV: cfg.scanNumberPV(),
			SavePathPV:   cfg.savePathPV(),
			Checks:       cfg.Prechecks,
			Log:          log,
		},
		XEOL:    ctl,
		Archive: archive.Nop{},
		Log:     log,
	}, nil
}

// Busy reports whether a scan is running
func (s *Session) Busy() bool {
	st := s.Coord.State()
	return st == scan.Armed || st == scan.Busy
}

// NextScanNumber returns the number the next saved scan will get
func (s *Session) NextScanNumber() (int, error) {
	return s.Coord.NextScanNumber()
}

// ExperimentDir is where the scan files and the logbook live
func (s *Session) ExperimentDir() (string, error) {
	return logbook.ExperimentDir(s.PV, s.Config.Prefix, s.Config.Mounts)
}

// BaseName is the saveData file prefix
func (s *Session) BaseName() (string, error) {
	b, err := s.PV.GetString(s.Config.baseNamePV())
	return strings.TrimSpace(b), err
}

// SaveDir tells a remote client where to find scan files: the fly scan and
// XRF files are in RootDir/SubDir, the XEOL files in RootDir/XEOL
type SaveDir struct {
	RootDir  string `json:"rootdir"`
	SubDir   string `json:"subdir"`
	BaseName string `json:"basename"`
}

// SaveDir returns the save locations of the current experiment
func (s *Session) SaveDir() (SaveDir, error) {
	root, err := s.ExperimentDir()
	if err != nil {
		return SaveDir{}, err
	}
	base, err := s.BaseName()
	if err != nil {
		return SaveDir{}, err
	}
	return SaveDir{RootDir: root, SubDir: "img.dat", BaseName: base}, nil
}

// Motor returns a motor by name
func (s *Session) Motor(name string) (*motion.Motor, error) {
	return s.Motors.Get(name)
}

// Mov moves a motor to an absolute position
func (s *Session) Mov(ctx context.Context, name string, pos float64) error {
	m, err := s.Motors.Get(name)
	if err != nil {
		return err
	}
	return s.Motors.Mov(ctx, m, pos)
}

// Movr moves a motor by a relative amount
func (s *Session) Movr(ctx context.Context, name string, delta float64) error {
	m, err := s.Motors.Get(name)
	if err != nil {
		return err
	}
	return s.Motors.Movr(ctx, m, delta)
}

// OpenShutter removes the shutter from the beam path
func (s *Session) OpenShutter() error {
	return s.Moderator.OpenShutter()
}

// CloseShutter places the shutter in the beam path
func (s *Session) CloseShutter() error {
	return s.Moderator.CloseShutter()
}

func checkFilter(index int) error {
	if index < 1 || index > 4 {
		return fmt.Errorf("%w, got %d", ErrBadFilter, index)
	}
	return nil
}

// InsertFilter moves a filter into the beam path
func (s *Session) InsertFilter(index int) error {
	if err := checkFilter(index); err != nil {
		return err
	}
	if err := s.PV.PutString(s.Config.FilterCommand, fmt.Sprintf("I%d", index), true); err != nil {
		return err
	}
	s.Log.Debugf("Filter %d moved into beam path.", index)
	return nil
}

// RemoveFilter moves a filter out of the beam path
func (s *Session) RemoveFilter(index int) error {
	if err := checkFilter(index); err != nil {
		return err
	}
	if err := s.PV.PutString(s.Config.FilterCommand, fmt.Sprintf("R%d", index), true); err != nil {
		return err
	}
	s.Log.Debugf("Filter %d moved out of beam path.", index)
	return nil
}

// RemoveAllFilters moves every filter out of the beam path
func (s *Session) RemoveAllFilters() error {
	for i := 1; i <= 4; i++ {
		if err := s.RemoveFilter(i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) record(res scan.Result, withXEOL bool) {
	if res.Started.IsZero() || res.Kind == "" {
		return
	}
	sum := archive.Summary{
		Kind:     res.Kind,
		Scan:     res.Scan,
		State:    res.State.String(),
		Points:   res.Points,
		Total:    res.Total,
		Duration: res.Duration(),
		XEOL:     withXEOL,
		Ended:    res.Ended,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Archive.Record(ctx, sum); err != nil {
		s.Log.WithError(err).Debug("archiving scan summary")
	}
}
