/*Package xeol captures X-ray excited optical luminescence spectra alongside
a step scan.

A Controller wraps a USB spectrometer.  Prime sets the spectrometer's
integration time to a fraction of the scan's dwell time, records a
background averaged over several scans, and starts a capture goroutine that
takes one spectrum per scan pixel, pacing itself on the point events the
scan coordinator publishes.  The finished buffer is written as a FITS file
with one extension per array.
*/
package xeol

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aps-2idd/s2driver/util"
	"gonum.org/v1/gonum/floats"
)

// ErrBadSmoothing is generated when a smoothing factor outside 0..4 is requested
var ErrBadSmoothing = errors.New("smoothing factor must be 0, 1, 2, 3, or 4")

// ValidateSmoothing checks a smoothing factor
func ValidateSmoothing(n int) error {
	if n < 0 || n > 4 {
		return fmt.Errorf("%w, got %d", ErrBadSmoothing, n)
	}
	return nil
}

// Spectrum is one capture from the spectrometer
type Spectrum struct {
	Wavelength []float64
	Counts     []float64

	// Elapsed is the total integration time the capture covered
	Elapsed time.Duration
}

// Spectrometer is a USB spectrometer
type Spectrometer interface {
	// SetIntegrationTime sets the integration time in ms
	SetIntegrationTime(ms float64) error

	// SetScansToAverage sets how many scans are averaged into one capture
	SetScansToAverage(n int) error

	// SetSmoothing sets the boxcar smoothing factor, 0 to 4
	SetSmoothing(n int) error

	// Capture acquires one spectrum
	Capture() (Spectrum, error)
}

// Mock is a simulated spectrometer with a luminescence peak on a dark level
type Mock struct {
	// Pixels is the number of wavelength bins
	Pixels int

	// TimeScale multiplies the integration time actually slept, 0 for none
	TimeScale float64

	// PeakNM is the center of the emission peak
	PeakNM float64

	mu          sync.Mutex
	integration float64
	scans       int
	smooth      int
	captures    int
}

// NewMock returns a 2048 pixel mock covering 200 to 1100 nm
func NewMock() *Mock {
	return &Mock{Pixels: 2048, PeakNM: 650, integration: 100, scans: 1}
}

// SetIntegrationTime implements Spectrometer
func (m *Mock) SetIntegrationTime(ms float64) error {
	m.mu.Lock()
	m.integration = ms
	m.mu.Unlock()
	return nil
}

// SetScansToAverage implements Spectrometer
func (m *Mock) SetScansToAverage(n int) error {
	m.mu.Lock()
	m.scans = n
	m.mu.Unlock()
	return nil
}

// SetSmoothing implements Spectrometer
func (m *Mock) SetSmoothing(n int) error {
	if err := ValidateSmoothing(n); err != nil {
		return err
	}
	m.mu.Lock()
	m.smooth = n
	m.mu.Unlock()
	return nil
}

// IntegrationTime returns the last integration time set, in ms
func (m *Mock) IntegrationTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.integration
}

// ScansToAverage returns the last scan count set
func (m *Mock) ScansToAverage() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scans
}

// Captures returns how many spectra have been captured
func (m *Mock) Captures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captures
}

// Capture implements Spectrometer
func (m *Mock) Capture() (Spectrum, error) {
	m.mu.Lock()
	integ, scans := m.integration, m.scans
	m.captures++
	n := m.captures
	m.mu.Unlock()

	total := util.MillisToDuration(integ * float64(scans))
	if m.TimeScale > 0 {
		time.Sleep(time.Duration(float64(total) * m.TimeScale))
	}
	wl := make([]float64, m.Pixels)
	floats.Span(wl, 200, 1100)
	cts := make([]float64, m.Pixels)
	amp := integ * (1 + 0.1*math.Sin(float64(n)))
	for i, w := range wl {
		d := (w - m.PeakNM) / 25
		cts[i] = 100 + amp*math.Exp(-d*d/2)
	}
	return Spectrum{Wavelength: wl, Counts: cts, Elapsed: total}, nil
}
