package xeol

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aps-2idd/s2driver/scan"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotPresent is generated when an XEOL scan is requested but no
	// spectrometer was connected when the controller was created
	ErrNotPresent = errors.New("XEOL spectrometer is not present, can't run an XEOL measurement")

	// ErrIncomplete is generated when the scan ended before every pixel was captured
	ErrIncomplete = errors.New("xeol capture incomplete")
)

const (
	// DefaultRatio is the fraction of the scan dwell time used to integrate,
	// leaving margin before the next point begins
	DefaultRatio = 0.9

	// DefaultBackgroundScans are averaged into the background spectrum
	DefaultBackgroundScans = 5
)

// Controller runs XEOL captures
type Controller struct {
	// Ratio is the integration time as a fraction of the dwell time
	Ratio float64

	// BackgroundScans is how many scans are averaged for the background
	BackgroundScans int

	// Smoothing is applied to the spectrometer before each scan
	Smoothing int

	// Recorder places the output files
	Recorder *Recorder

	Log logrus.FieldLogger

	spec Spectrometer
	mu   sync.Mutex
}

// NewController wraps a spectrometer.  A nil spectrometer gives a controller
// that is not present.
func NewController(s Spectrometer, log logrus.FieldLogger) *Controller {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Controller{
		Ratio:           DefaultRatio,
		BackgroundScans: DefaultBackgroundScans,
		Recorder:        &Recorder{},
		Log:             log,
		spec:            s,
	}
}

// IsPresent reports whether a spectrometer is connected
func (c *Controller) IsPresent() bool {
	return c.spec != nil
}

// Plan describes the scan a capture rides along with
type Plan struct {
	// Kind is the scan kind, e.g. scan2d
	Kind string

	// Scan is the scan number
	Scan int

	// Path is the output file
	Path string

	// NX is the number of pixels per row, NY the number of rows (1 for 1-D)
	NX, NY int

	// DwellMS is the scan dwell time in ms
	DwellMS float64

	// Events must be subscribed before the scan executes
	Events *scan.Subscription

	// Position reads back the coordinates of the current pixel
	Position func() (x, y float64, err error)
}

// Capture is a running capture
type Capture struct {
	done chan struct{}
	buf  *Buffer
	err  error
}

// Wait blocks until the capture has been saved and returns its buffer
func (c *Capture) Wait() (*Buffer, error) {
	<-c.done
	return c.buf, c.err
}

// IntegrationTime returns the spectrometer integration time, in ms, used for
// a scan with the given dwell time
func (c *Controller) IntegrationTime(dwellMS float64) float64 {
	return dwellMS * c.Ratio
}

// Prime readies the spectrometer for a scan and starts capturing in the
// background.  The background spectrum is taken before Prime returns.
func (c *Controller) Prime(p Plan) (*Capture, error) {
	if !c.IsPresent() {
		return nil, ErrNotPresent
	}
	if err := scan.ValidateDwell(p.DwellMS); err != nil {
		return nil, err
	}
	if p.Events == nil {
		return nil, errors.New("xeol plan has no event subscription")
	}
	if err := ValidateSmoothing(c.Smoothing); err != nil {
		return nil, err
	}
	c.mu.Lock()
	integ := c.IntegrationTime(p.DwellMS)
	if err := c.spec.SetIntegrationTime(integ); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := c.spec.SetSmoothing(c.Smoothing); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	bg, err := c.background()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	buf, err := NewBuffer(p.NY, p.NX, len(bg.Counts))
	if err != nil {
		return nil, err
	}
	copy(buf.Wavelength, bg.Wavelength)
	copy(buf.Background, bg.Counts)

	c.Log.Debugf("XEOL primed for %s, %dx%d pixels at %.1f ms", p.Kind, p.NY, p.NX, integ)
	capt := &Capture{done: make(chan struct{}), buf: buf}
	go func() {
		defer close(capt.done)
		capt.err = c.run(p, buf)
	}()
	return capt, nil
}

func (c *Controller) background() (Spectrum, error) {
	if err := c.spec.SetScansToAverage(c.BackgroundScans); err != nil {
		return Spectrum{}, err
	}
	bg, err := c.spec.Capture()
	if err != nil {
		return Spectrum{}, err
	}
	return bg, c.spec.SetScansToAverage(1)
}

// run captures one spectrum per pixel, row major.  After each capture it
// waits for the scan to report that pixel done before moving on.
func (c *Controller) run(p Plan, buf *Buffer) error {
	defer p.Events.Close()
	c.Log.Info("XEOL capture started, waiting for scan to begin")
	started := false
	for e := range p.Events.C {
		if e.Kind == scan.Started {
			started = true
			break
		}
		if e.Kind == scan.Finished {
			return fmt.Errorf("%w: scan %s before it started", ErrIncomplete, e.State)
		}
	}
	if !started {
		return fmt.Errorf("%w: event stream closed before the scan started", ErrIncomplete)
	}
	c.Log.Info("XEOL collection started")

	var runErr error
	n := buf.Pixels()
pixels:
	for i := 0; i < n; i++ {
		row, col := i/buf.NX, i%buf.NX
		c.mu.Lock()
		s, err := c.spec.Capture()
		c.mu.Unlock()
		if err != nil {
			runErr = err
			break
		}
		var x, y float64
		if p.Position != nil {
			if x, y, err = p.Position(); err != nil {
				c.Log.WithError(err).Debug("reading XEOL pixel position")
			}
		}
		if err := buf.Set(row, col, s, x, y); err != nil {
			runErr = err
			break
		}
		for {
			e, ok := <-p.Events.C
			if !ok {
				runErr = fmt.Errorf("%w: event stream closed", ErrIncomplete)
				break pixels
			}
			if e.Kind == scan.PointDone && e.Index >= i {
				break
			}
			if e.Kind == scan.Finished {
				if e.State != scan.Done || i < n-1 {
					runErr = fmt.Errorf("%w: scan %s after %d of %d pixels", ErrIncomplete, e.State, i+1, n)
				}
				break pixels
			}
		}
	}

	if p.Path != "" {
		written, err := c.Recorder.Save(p.Path, buf, Meta{Kind: p.Kind, Scan: p.Scan, DwellMS: p.DwellMS, Ratio: c.Ratio})
		if err != nil {
			if runErr == nil {
				runErr = err
			}
		} else {
			c.Log.Infof("XEOL scan saved to: %s", written)
		}
	}
	return runErr
}
