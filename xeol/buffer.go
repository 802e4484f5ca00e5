package xeol

import (
	"errors"
	"fmt"
)

// ErrShape is generated when data does not fit the buffer
var ErrShape = errors.New("xeol buffer shape mismatch")

// Buffer accumulates one scan's spectra.  Per-pixel arrays are row major,
// [ny][nx] and [ny][nx][nwl] for spectra, stored flat.
type Buffer struct {
	NX, NY, NWL int

	Wavelength []float64
	Background []float64
	Spectra    []float64
	Dwell      []float64
	X          []float64
	Y          []float64

	written []bool
}

// NewBuffer allocates a buffer for ny rows of nx pixels with nwl bins
func NewBuffer(ny, nx, nwl int) (*Buffer, error) {
	if nx < 1 || ny < 1 || nwl < 1 {
		return nil, fmt.Errorf("%w: %dx%dx%d", ErrShape, ny, nx, nwl)
	}
	n := nx * ny
	return &Buffer{
		NX: nx, NY: ny, NWL: nwl,
		Wavelength: make([]float64, nwl),
		Background: make([]float64, nwl),
		Spectra:    make([]float64, n*nwl),
		Dwell:      make([]float64, n),
		X:          make([]float64, n),
		Y:          make([]float64, n),
		written:    make([]bool, n),
	}, nil
}

// Pixels is the number of pixels, nx*ny
func (b *Buffer) Pixels() int {
	return b.NX * b.NY
}

// Set stores the spectrum of pixel (row, col)
func (b *Buffer) Set(row, col int, s Spectrum, x, y float64) error {
	if row < 0 || row >= b.NY || col < 0 || col >= b.NX {
		return fmt.Errorf("%w: pixel (%d,%d) outside %dx%d", ErrShape, row, col, b.NY, b.NX)
	}
	if len(s.Counts) != b.NWL {
		return fmt.Errorf("%w: spectrum has %d bins, expected %d", ErrShape, len(s.Counts), b.NWL)
	}
	i := row*b.NX + col
	copy(b.Spectra[i*b.NWL:(i+1)*b.NWL], s.Counts)
	b.Dwell[i] = float64(s.Elapsed.Microseconds()) / 1e3
	b.X[i] = x
	b.Y[i] = y
	b.written[i] = true
	return nil
}

// Spectrum returns the counts of pixel (row, col)
func (b *Buffer) Spectrum(row, col int) []float64 {
	i := row*b.NX + col
	return b.Spectra[i*b.NWL : (i+1)*b.NWL]
}

// Unwritten returns the number of pixels not yet Set
func (b *Buffer) Unwritten() int {
	n := 0
	for _, w := range b.written {
		if !w {
			n++
		}
	}
	return n
}

// Shape returns the dimensions of a named array, slowest first
func (b *Buffer) Shape(key string) []int {
	switch key {
	case KeyWavelength, KeyBackground:
		return []int{b.NWL}
	case KeySpectra:
		return []int{b.NY, b.NX, b.NWL}
	case KeyDwell, KeyX, KeyY:
		return []int{b.NY, b.NX}
	}
	return nil
}

// Array returns a named array
func (b *Buffer) Array(key string) []float64 {
	switch key {
	case KeyWavelength:
		return b.Wavelength
	case KeyBackground:
		return b.Background
	case KeySpectra:
		return b.Spectra
	case KeyDwell:
		return b.Dwell
	case KeyX:
		return b.X
	case KeyY:
		return b.Y
	}
	return nil
}

// Keys names the arrays of a buffer, in file order
var Keys = []string{KeyWavelength, KeyDwell, KeySpectra, KeyBackground, KeyX, KeyY}

const (
	KeyWavelength = "wavelength"
	KeyDwell      = "dwelltime"
	KeySpectra    = "spectra"
	KeyBackground = "background"
	KeyX          = "x"
	KeyY          = "y"
)
