package beamline_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aps-2idd/s2driver/archive"
	"github.com/aps-2idd/s2driver/beamline"
	"github.com/aps-2idd/s2driver/motion"
	"github.com/aps-2idd/s2driver/pv"
	"github.com/aps-2idd/s2driver/scan"
	"github.com/aps-2idd/s2driver/sim"
	"github.com/aps-2idd/s2driver/xeol"
	"github.com/google/go-cmp/cmp"
)

const shutterState = "2idd:s1:shutterOpen"

type summaries struct {
	mu  sync.Mutex
	got []archive.Summary
}

func (s *summaries) Record(_ context.Context, sum archive.Summary) error {
	s.mu.Lock()
	s.got = append(s.got, sum)
	s.mu.Unlock()
	return nil
}

func (s *summaries) Close() error { return nil }

func session(t *testing.T, spec xeol.Spectrometer) (*beamline.Session, *pv.Memory, *sim.IOC) {
	t.Helper()
	m := pv.NewMemory()
	ioc := sim.Endstation(m, t.TempDir())
	ioc.PointTime = time.Millisecond
	cfg := beamline.DefaultConfig()
	cfg.Mounts = nil
	cfg.BusyPoll = 0.005
	cfg.PointPoll = 0.001
	cfg.H5Poll = 0.005
	cfg.H5Settle = 0
	s, err := beamline.New(cfg, m, motion.Deny, spec, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Motors.Settle = 0
	s.Coord.StartTimeout = time.Second
	for _, name := range s.Motors.Names() {
		mot, _ := s.Motors.Get(name)
		mot.PollInterval = time.Millisecond
	}
	m.ResetJournal()
	return s, m, ioc
}

func TestFilterIndexOutOfRange(t *testing.T) {
	s, m, _ := session(t, nil)
	for _, idx := range []int{0, 5, -1} {
		if err := s.InsertFilter(idx); !errors.Is(err, beamline.ErrBadFilter) {
			t.Errorf("insert %d: expected %v got %v", idx, beamline.ErrBadFilter, err)
		}
		if err := s.RemoveFilter(idx); !errors.Is(err, beamline.ErrBadFilter) {
			t.Errorf("remove %d: expected %v got %v", idx, beamline.ErrBadFilter, err)
		}
	}
	if j := m.Journal(); len(j) != 0 {
		t.Errorf("expected no PV writes got %v", j)
	}
}

func TestFilters(t *testing.T) {
	s, m, _ := session(t, nil)
	if err := s.InsertFilter(2); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.GetFloat("2idd:s1:filter2"); v != 1 {
		t.Errorf("expected filter 2 in got %v", v)
	}
	if err := s.RemoveAllFilters(); err != nil {
		t.Fatal(err)
	}
	want := []pv.Put{
		{Name: "2idd:s1:sendCommand", Value: "I2", Wait: true},
		{Name: "2idd:s1:sendCommand", Value: "R1", Wait: true},
		{Name: "2idd:s1:sendCommand", Value: "R2", Wait: true},
		{Name: "2idd:s1:sendCommand", Value: "R3", Wait: true},
		{Name: "2idd:s1:sendCommand", Value: "R4", Wait: true},
	}
	if diff := cmp.Diff(want, m.Journal()); diff != "" {
		t.Errorf("filter commands (-want +got):\n%s", diff)
	}
	if v, _ := m.GetFloat("2idd:s1:filter2"); v != 0 {
		t.Errorf("expected filter 2 out got %v", v)
	}
}

func TestXEOLScanWithoutSpectrometerTouchesNothing(t *testing.T) {
	s, m, _ := session(t, nil)
	_, err := s.Scan1DXEOL(context.Background(), beamline.Scan1D{
		Motor: "samx", Start: -1, End: 1, NumPts: 3, Dwell: 10,
	})
	if !errors.Is(err, xeol.ErrNotPresent) {
		t.Errorf("expected %v got %v", xeol.ErrNotPresent, err)
	}
	_, err = s.Scan2DXEOL(context.Background(), beamline.Scan2D{
		Start1: 0, End1: 1, NumPts1: 2, Start2: 0, End2: 1, NumPts2: 2, Dwell: 10,
	})
	if !errors.Is(err, xeol.ErrNotPresent) {
		t.Errorf("expected %v got %v", xeol.ErrNotPresent, err)
	}
	if j := m.Journal(); len(j) != 0 {
		t.Errorf("expected no PV writes got %v", j)
	}
}

func TestInvalidRequestTouchesNothing(t *testing.T) {
	s, m, _ := session(t, nil)
	ctx := context.Background()
	errs := []error{}
	_, err := s.Scan1D(ctx, beamline.Scan1D{Motor: "samx", NumPts: 0, Dwell: 10})
	errs = append(errs, err)
	_, err = s.Scan2D(ctx, beamline.Scan2D{NumPts1: 2, NumPts2: 2, Dwell: 0})
	errs = append(errs, err)
	_, err = s.Flyscan2D(ctx, beamline.Flyscan2D{NumPts1: 2, NumPts2: 0, Dwell: 10})
	errs = append(errs, err)
	_, err = s.Timeseries(ctx, beamline.Timeseries{NumPts: 5, Dwell: -1})
	errs = append(errs, err)
	for i, err := range errs {
		if !errors.Is(err, scan.ErrInvalidRequest) {
			t.Errorf("request %d: expected %v got %v", i, scan.ErrInvalidRequest, err)
		}
	}
	if _, err := s.Scan1D(ctx, beamline.Scan1D{Motor: "nope", NumPts: 2, Dwell: 10}); !errors.Is(err, motion.ErrUnknownMotor) {
		t.Errorf("expected %v got %v", motion.ErrUnknownMotor, err)
	}
	if j := m.Journal(); len(j) != 0 {
		t.Errorf("expected no PV writes got %v", j)
	}
}

func TestScan2D(t *testing.T) {
	s, m, _ := session(t, nil)
	arch := &summaries{}
	s.Archive = arch
	res, err := s.Scan2D(context.Background(), beamline.Scan2D{
		Start1: 0, End1: 1, NumPts1: 5,
		Start2: 0, End2: 1, NumPts2: 5,
		Dwell: 100, Absolute: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != scan.Done || res.Points != 25 || res.Scan != 1 {
		t.Errorf("expected scan 1 done with 25 points got %+v", res)
	}
	if n, _ := s.NextScanNumber(); n != 2 {
		t.Errorf("expected next scan number 2 got %d", n)
	}
	positioners := map[string]string{
		"2idd:scan1.P1PV": "2idd:m40.VAL",
		"2idd:scan2.P1PV": "2idd:m39.VAL",
	}
	for name, want := range positioners {
		if got, _ := m.GetString(name); got != want {
			t.Errorf("%s: expected %s got %s", name, want, got)
		}
	}
	values := map[string]float64{
		"2idd:scan1.NPTS":                   5,
		"2idd:scan2.NPTS":                   5,
		"2idd:scan1.P1AR":                   0,
		"2idd:Flyscans:Setup:DwellTime.VAL": 100,
		"2iddXMAP:PresetReal":               0.1,
		"2idd:3820:scaler1.TP":              0.1,
		"QMPX3:cam1:AcquirePeriod":          0,
		shutterState:                        0,
	}
	for name, want := range values {
		if got, _ := m.GetFloat(name); math.Abs(got-want) > 1e-9 {
			t.Errorf("%s: expected %v got %v", name, want, got)
		}
	}
	if len(arch.got) != 1 || arch.got[0].Kind != beamline.KindScan2D || arch.got[0].Points != 25 {
		t.Errorf("expected one scan2d summary got %+v", arch.got)
	}
}

func TestScan1DRelative(t *testing.T) {
	s, m, _ := session(t, nil)
	m.Set("2idd:m36.VAL", 100)
	m.Set("2idd:m36.RBV", 100)
	res, err := s.Scan1D(context.Background(), beamline.Scan1D{
		Motor: "samz", Start: -5, End: 5, NumPts: 11, Dwell: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Points != 11 {
		t.Errorf("expected 11 points got %d", res.Points)
	}
	set, err := s.Coord.Settings(s.Config.Step1)
	if err != nil {
		t.Fatal(err)
	}
	start, end := set.Effective(100)
	if start != 95 || end != 105 || set.NumPts != 11 {
		t.Errorf("expected 95..105 in 11 points got %v..%v in %d", start, end, set.NumPts)
	}
	// a relative scan returns the motor to where it started
	if v, _ := m.GetFloat("2idd:m36.VAL"); v != 100 {
		t.Errorf("expected samz back at 100 got %v", v)
	}
}

func TestVetoedScanClosesShutter(t *testing.T) {
	s, m, _ := session(t, nil)
	_, err := s.Scan1D(context.Background(), beamline.Scan1D{
		Motor: "samx", Start: 500, End: 510, NumPts: 3, Dwell: 10, Absolute: true,
	})
	if !errors.Is(err, motion.ErrMoveVetoed) {
		t.Fatalf("expected %v got %v", motion.ErrMoveVetoed, err)
	}
	var opened, closed bool
	for _, p := range m.Journal() {
		switch p.Name {
		case "2idd:s1:openShutter.PROC":
			opened = true
		case "2idd:s1:closeShutter.PROC":
			closed = opened
		case "2idd:scan1.EXSC":
			t.Errorf("scan executed after a vetoed move")
		}
	}
	if !opened || !closed {
		t.Errorf("expected shutter opened then closed, opened %t closed %t", opened, closed)
	}
	if v, _ := m.GetFloat(shutterState); v != 0 {
		t.Errorf("expected shutter closed got %v", v)
	}
}

func TestCancelledScanClosesShutter(t *testing.T) {
	s, m, ioc := session(t, nil)
	ioc.PointTime = 20 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := s.Timeseries(ctx, beamline.Timeseries{NumPts: 100, Dwell: 20})
	if !errors.Is(err, scan.ErrAborted) {
		t.Fatalf("expected %v got %v", scan.ErrAborted, err)
	}
	if res.State != scan.Aborted {
		t.Errorf("expected aborted got %v", res.State)
	}
	if v, _ := m.GetFloat(shutterState); v != 0 {
		t.Errorf("expected shutter closed got %v", v)
	}
}

func TestTimeseries(t *testing.T) {
	s, m, _ := session(t, nil)
	res, err := s.Timeseries(context.Background(), beamline.Timeseries{NumPts: 4, Dwell: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != beamline.KindTimeseries || res.Points != 4 {
		t.Errorf("expected 4 timeseries points got %+v", res)
	}
	set, err := s.Coord.Settings(s.Config.Step1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(scan.Settings{Positioner: "2idd:m40.VAL", Relative: true, NumPts: 4}, set); diff != "" {
		t.Errorf("timeseries settings (-want +got):\n%s", diff)
	}
	if v, _ := m.GetFloat("2idd:m40.VAL"); v != 0 {
		t.Errorf("expected samx not to move got %v", v)
	}
}

func TestFlyscanRelative(t *testing.T) {
	s, m, _ := session(t, nil)
	m.Set("2idd:m40.VAL", 10)
	m.Set("2idd:m40.RBV", 10)
	res, err := s.Flyscan2D(context.Background(), beamline.Flyscan2D{
		Start1: -1, End1: 1, NumPts1: 4,
		Start2: -2, End2: 2, NumPts2: 3,
		Dwell: 15,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != beamline.KindFlyscan2D || res.Total != 12 || res.Points != 12 {
		t.Errorf("expected 12 fly scan points got %+v", res)
	}
	h, err := s.Coord.Settings(s.Config.FlyH)
	if err != nil {
		t.Fatal(err)
	}
	if h.Relative || h.Start != 9 || h.End != 11 || h.NumPts != 4 {
		t.Errorf("expected absolute horizontal 9..11 in 4 got %+v", h)
	}
	v, err := s.Coord.Settings(s.Config.Fly1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(scan.Settings{Positioner: "2idd:m39.VAL", Relative: true, Start: -2, End: 2, NumPts: 3}, v); diff != "" {
		t.Errorf("vertical settings (-want +got):\n%s", diff)
	}
	if got, _ := m.GetFloat("2idd:Flyscans:Setup:DwellTime.VAL"); got != 15 {
		t.Errorf("expected fly scan dwell 15 ms got %v", got)
	}
}

func TestFlyscanAbsoluteWaitsForFile(t *testing.T) {
	s, m, ioc := session(t, nil)
	dir, err := s.SaveDir()
	if err != nil {
		t.Fatal(err)
	}
	ioc.OnFinish = func(record string, n int) {
		p, _ := s.H5Path(n)
		os.MkdirAll(filepath.Dir(p), 0777)
		os.WriteFile(p, []byte("h5"), 0666)
	}
	_, err = s.Flyscan2D(context.Background(), beamline.Flyscan2D{
		Start1: 0, End1: 1, NumPts1: 2,
		Start2: 2, End2: 4, NumPts2: 2,
		Dwell: 10, Absolute: true, WaitForH5: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if y, _ := m.GetFloat("2idd:m39.VAL"); y != 3 {
		t.Errorf("expected samy centered at 3 got %v", y)
	}
	v, _ := s.Coord.Settings(s.Config.Fly1)
	if v.Start != -1 || v.End != 1 {
		t.Errorf("expected vertical -1..1 about the center got %v..%v", v.Start, v.End)
	}
	want := filepath.Join(dir.RootDir, "img.dat", "2idd_0001.h5")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected %s to exist: %v", want, err)
	}
}

func TestScan2DXEOL(t *testing.T) {
	spec := xeol.NewMock()
	spec.Pixels = 32
	s, _, _ := session(t, spec)
	arch := &summaries{}
	s.Archive = arch
	_, err := s.Scan2DXEOL(context.Background(), beamline.Scan2D{
		Start1: 0, End1: 1, NumPts1: 3,
		Start2: 0, End2: 1, NumPts2: 2,
		Dwell: 10, Absolute: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	root, _ := s.ExperimentDir()
	path := filepath.Join(root, "XEOL", "2idd_0001_XEOL.fits")
	buf, err := xeol.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 3, 32}, buf.Shape(xeol.KeySpectra)); diff != "" {
		t.Errorf("spectra shape (-want +got):\n%s", diff)
	}
	if got := spec.IntegrationTime(); math.Abs(got-9) > 1e-9 {
		t.Errorf("expected integration time 9 ms got %v", got)
	}
	if len(arch.got) != 1 || !arch.got[0].XEOL {
		t.Errorf("expected one XEOL summary got %+v", arch.got)
	}
}

func TestSaveDir(t *testing.T) {
	s, m, _ := session(t, nil)
	m.Set("2idd:saveData_fileSystem", "//micdata/data1/2idd")
	s.Config.Mounts = map[string]string{"//micdata/data1": "/mnt/micdata1"}
	got, err := s.SaveDir()
	if err != nil {
		t.Fatal(err)
	}
	want := beamline.SaveDir{RootDir: "/mnt/micdata1/2idd/2024-1/user", SubDir: "img.dat", BaseName: "2idd"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("save dir (-want +got):\n%s", diff)
	}
}

func TestMovGuarded(t *testing.T) {
	s, m, _ := session(t, nil)
	ctx := context.Background()
	if err := s.Mov(ctx, "samx", 50); err != nil {
		t.Fatal(err)
	}
	if err := s.Movr(ctx, "samx", 200); !errors.Is(err, motion.ErrMoveVetoed) {
		t.Errorf("expected %v got %v", motion.ErrMoveVetoed, err)
	}
	if v, _ := m.GetFloat("2idd:m40.VAL"); v != 50 {
		t.Errorf("expected samx at 50 got %v", v)
	}
}
