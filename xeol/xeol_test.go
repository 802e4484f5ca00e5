package xeol_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aps-2idd/s2driver/motion"
	"github.com/aps-2idd/s2driver/pv"
	"github.com/aps-2idd/s2driver/scan"
	"github.com/aps-2idd/s2driver/sim"
	"github.com/aps-2idd/s2driver/xeol"
	"github.com/google/go-cmp/cmp"
)

var (
	sc1 = scan.Scanner{Name: "sc1", Record: "2idd:scan1", Abort: "2idd:AbortScans.PROC"}
	sc2 = scan.Scanner{Name: "sc2", Record: "2idd:scan2", Abort: "2idd:AbortScans.PROC"}
)

func coordinator(t *testing.T) (*pv.Memory, *sim.IOC, *scan.Coordinator, *motion.Registry) {
	m := pv.NewMemory()
	ioc := sim.Endstation(m, t.TempDir())
	ioc.PointTime = time.Millisecond
	reg := motion.NewRegistry(motion.Guard{Confirm: motion.Deny}, nil)
	reg.Add(motion.NewMotor(m, "samx", "2idd:m40", 100))
	reg.Add(motion.NewMotor(m, "samy", "2idd:m39", 100))
	c := scan.New(m, reg, nil)
	c.BusyInterval = 5 * time.Millisecond
	c.PointInterval = time.Millisecond
	c.StartTimeout = time.Second
	return m, ioc, c, reg
}

func TestPrimeSetsIntegrationAndBackground(t *testing.T) {
	spec := xeol.NewMock()
	spec.Pixels = 64
	ctl := xeol.NewController(spec, nil)
	sub := (&scan.Coordinator{}).Subscribe()
	capt, err := ctl.Prime(xeol.Plan{Kind: "scan1d", NX: 3, NY: 1, DwellMS: 1000, Events: sub})
	if err != nil {
		t.Fatal(err)
	}
	if got := spec.IntegrationTime(); got != 900 {
		t.Errorf("expected integration time 900 ms got %v", got)
	}
	if got := spec.ScansToAverage(); got != 1 {
		t.Errorf("expected scans to average restored to 1 got %d", got)
	}
	if spec.Captures() != 1 {
		t.Errorf("expected only the background capture got %d", spec.Captures())
	}
	// close the subscription so the capture gives up waiting for the scan
	sub.Close()
	buf, err := capt.Wait()
	if !errors.Is(err, xeol.ErrIncomplete) {
		t.Errorf("expected %v got %v", xeol.ErrIncomplete, err)
	}
	// background averages 5 scans of 900 ms, the peak rides on a dark level
	if buf.Background[0] < 100 {
		t.Errorf("expected background above the dark level got %v", buf.Background[0])
	}
}

func TestPrimeNotPresent(t *testing.T) {
	ctl := xeol.NewController(nil, nil)
	if ctl.IsPresent() {
		t.Fatal("controller with no spectrometer reports present")
	}
	_, err := ctl.Prime(xeol.Plan{NX: 1, NY: 1, DwellMS: 10})
	if !errors.Is(err, xeol.ErrNotPresent) {
		t.Errorf("expected %v got %v", xeol.ErrNotPresent, err)
	}
}

func TestPrimeRejectsBadDwell(t *testing.T) {
	ctl := xeol.NewController(xeol.NewMock(), nil)
	_, err := ctl.Prime(xeol.Plan{NX: 1, NY: 1, DwellMS: 0})
	if !errors.Is(err, scan.ErrInvalidRequest) {
		t.Errorf("expected %v got %v", scan.ErrInvalidRequest, err)
	}
}

func TestCapture2DFillsEveryPixel(t *testing.T) {
	m, _, coord, reg := coordinator(t)
	samx, _ := reg.Get("samx")
	samy, _ := reg.Get("samy")
	if err := coord.Configure(sc1, samx, 0, 4, 5, true); err != nil {
		t.Fatal(err)
	}
	if err := coord.Configure(sc2, samy, 0, 4, 5, true); err != nil {
		t.Fatal(err)
	}
	spec := xeol.NewMock()
	spec.Pixels = 128
	ctl := xeol.NewController(spec, nil)
	ctl.Recorder = &xeol.Recorder{Root: t.TempDir(), Prefix: "2idd"}
	path := ctl.Recorder.Path(1)

	capt, err := ctl.Prime(xeol.Plan{
		Kind: "scan2d_xeol", Scan: 1, Path: path,
		NX: 5, NY: 5, DwellMS: 20,
		Events: coord.Subscribe(),
		Position: func() (float64, float64, error) {
			x, err := m.GetFloat("2idd:m40.RBV")
			if err != nil {
				return 0, 0, err
			}
			y, err := m.GetFloat("2idd:m39.RBV")
			return x, y, err
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coord.Execute(context.Background(), sc2, sc1, "scan2d_xeol"); err != nil {
		t.Fatal(err)
	}
	buf, err := capt.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if n := buf.Unwritten(); n != 0 {
		t.Errorf("expected every pixel written, %d missing", n)
	}
	if diff := cmp.Diff([]int{5, 5, 128}, buf.Shape(xeol.KeySpectra)); diff != "" {
		t.Errorf("spectra shape (-want +got):\n%s", diff)
	}
	for _, key := range []string{xeol.KeyDwell, xeol.KeyX, xeol.KeyY} {
		if diff := cmp.Diff([]int{5, 5}, buf.Shape(key)); diff != "" {
			t.Errorf("%s shape (-want +got):\n%s", key, diff)
		}
	}
	for row := 0; row < 5; row++ {
		for col := 0; col < 5; col++ {
			var sum float64
			for _, v := range buf.Spectrum(row, col) {
				sum += v
			}
			if sum == 0 {
				t.Errorf("pixel (%d,%d) is all zero", row, col)
			}
		}
	}
	for i, d := range buf.Dwell {
		if d != 18 {
			t.Errorf("pixel %d: expected dwell 18 ms got %v", i, d)
			break
		}
	}

	got, err := xeol.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(buf.Spectra, got.Spectra); diff != "" {
		t.Errorf("spectra read back differ (-saved +loaded):\n%s", diff)
	}
	if latest, _ := ctl.Recorder.Latest(); latest != 1 {
		t.Errorf("expected latest scan 1 got %d", latest)
	}
}

func TestRecorderPath(t *testing.T) {
	r := xeol.Recorder{Root: "/mnt/micdata1/2idd/2024-1/user", Prefix: "2idd"}
	want := "/mnt/micdata1/2idd/2024-1/user/XEOL/2idd_0042_XEOL.fits"
	if got := r.Path(42); got != want {
		t.Errorf("expected %s got %s", want, got)
	}
}

func TestSaveDoesNotOverwrite(t *testing.T) {
	root := t.TempDir()
	r := xeol.Recorder{Root: root, Prefix: "2idd"}
	buf, err := xeol.NewBuffer(1, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	s := xeol.Spectrum{Counts: []float64{1, 2, 3, 4}, Elapsed: 9 * time.Millisecond}
	if err := buf.Set(0, 1, s, 1.5, -2); err != nil {
		t.Fatal(err)
	}
	path := r.Path(7)
	meta := xeol.Meta{Kind: "scan1d_xeol", Scan: 7, DwellMS: 10, Ratio: 0.9}
	first, err := r.Save(path, buf, meta)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Save(path, buf, meta)
	if err != nil {
		t.Fatal(err)
	}
	if first != path {
		t.Errorf("expected %s got %s", path, first)
	}
	if want := filepath.Join(root, "XEOL", "2idd_0007_XEOL_1.fits"); second != want {
		t.Errorf("expected %s got %s", want, second)
	}
	matches, _ := filepath.Glob(filepath.Join(root, "XEOL", "*.fits"))
	if len(matches) != 2 {
		t.Errorf("expected 2 files got %v", matches)
	}
	got, err := xeol.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.NY != 1 || got.NX != 2 || got.NWL != 4 {
		t.Errorf("expected shape 1x2x4 got %dx%dx%d", got.NY, got.NX, got.NWL)
	}
	if diff := cmp.Diff(buf.Spectra, got.Spectra); diff != "" {
		t.Errorf("spectra (-saved +loaded):\n%s", diff)
	}
	if got.X[1] != 1.5 || got.Y[1] != -2 || got.Dwell[1] != 9 {
		t.Errorf("pixel metadata lost: x=%v y=%v dwell=%v", got.X[1], got.Y[1], got.Dwell[1])
	}
}

func TestRecorderFindsNewestCopy(t *testing.T) {
	root := t.TempDir()
	r := xeol.Recorder{Root: root, Prefix: "2idd"}
	if got := r.File(3); got != r.Path(3) {
		t.Errorf("expected %s got %s", r.Path(3), got)
	}
	if n, _ := r.Latest(); n != -1 {
		t.Errorf("expected %v got %v", -1, n)
	}
	buf, _ := xeol.NewBuffer(1, 1, 2)
	meta := xeol.Meta{Kind: "timeseries_xeol", Scan: 3, DwellMS: 10, Ratio: 1}
	for i := 0; i < 3; i++ {
		if err := buf.Set(0, 0, xeol.Spectrum{Counts: []float64{float64(40 + i), 0}}, 0, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Save(r.Path(3), buf, meta); err != nil {
			t.Fatal(err)
		}
	}
	newest := r.File(3)
	if want := filepath.Join(root, "XEOL", "2idd_0003_XEOL_2.fits"); newest != want {
		t.Errorf("expected %s got %s", want, newest)
	}
	if newest != xeol.Newest(r.Path(3)) {
		t.Errorf("expected %s got %s", newest, xeol.Newest(r.Path(3)))
	}
	got, err := xeol.Load(newest)
	if err != nil {
		t.Fatal(err)
	}
	if got.Spectra[0] != 42 {
		t.Errorf("expected %v got %v", 42, got.Spectra[0])
	}

	// a suffixed copy alone still counts as the scan's file
	if _, err := r.Save(r.Path(9), buf, meta); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Save(r.Path(9), buf, meta); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(r.Path(9)); err != nil {
		t.Fatal(err)
	}
	if n, err := r.Latest(); err != nil || n != 9 {
		t.Errorf("expected %v got %v (%v)", 9, n, err)
	}
	if want := filepath.Join(root, "XEOL", "2idd_0009_XEOL_1.fits"); r.File(9) != want {
		t.Errorf("expected %s got %s", want, r.File(9))
	}
}

func TestBufferSetChecksShape(t *testing.T) {
	buf, _ := xeol.NewBuffer(2, 2, 3)
	if err := buf.Set(2, 0, xeol.Spectrum{Counts: make([]float64, 3)}, 0, 0); !errors.Is(err, xeol.ErrShape) {
		t.Errorf("expected %v got %v", xeol.ErrShape, err)
	}
	if err := buf.Set(0, 0, xeol.Spectrum{Counts: make([]float64, 4)}, 0, 0); !errors.Is(err, xeol.ErrShape) {
		t.Errorf("expected %v got %v", xeol.ErrShape, err)
	}
	if buf.Unwritten() != 4 {
		t.Errorf("expected 4 unwritten got %d", buf.Unwritten())
	}
}

func TestPrimeRejectsBadSmoothing(t *testing.T) {
	spec := xeol.NewMock()
	ctl := xeol.NewController(spec, nil)
	ctl.Smoothing = 5
	sub := (&scan.Coordinator{}).Subscribe()
	defer sub.Close()
	_, err := ctl.Prime(xeol.Plan{NX: 1, NY: 1, DwellMS: 10, Events: sub})
	if !errors.Is(err, xeol.ErrBadSmoothing) {
		t.Errorf("expected %v got %v", xeol.ErrBadSmoothing, err)
	}
	if spec.Captures() != 0 {
		t.Error("expected no capture after a rejected smoothing factor")
	}
}
