package xeol

import (
	"fmt"
	"io"
	"os"

	"github.com/astrogo/fitsio"
)

// Meta is written to the header of the first extension
type Meta struct {
	Kind    string
	Scan    int
	DwellMS float64
	Ratio   float64
}

// WriteFits streams a buffer to w as a FITS file with one 64 bit float image
// per array, named by EXTNAME.  FITS axes are fastest first, so spectra are
// NAXIS1=nwl, NAXIS2=nx, NAXIS3=ny.
func WriteFits(w io.Writer, buf *Buffer, meta Meta) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()
	for i, key := range Keys {
		shape := buf.Shape(key)
		axes := make([]int, len(shape))
		for j := range shape {
			axes[j] = shape[len(shape)-1-j]
		}
		im := fitsio.NewImage(-64, axes)
		cards := []fitsio.Card{{Name: "EXTNAME", Value: key}}
		if i == 0 {
			cards = append(cards,
				fitsio.Card{Name: "SCANKIND", Value: meta.Kind},
				fitsio.Card{Name: "SCANNUM", Value: meta.Scan},
				fitsio.Card{Name: "DWELLMS", Value: meta.DwellMS, Comment: "scan dwell time, ms"},
				fitsio.Card{Name: "RATIO", Value: meta.Ratio, Comment: "integration / dwell"},
			)
		}
		if err := im.Header().Append(cards...); err != nil {
			im.Close()
			return err
		}
		if err := im.Write(buf.Array(key)); err != nil {
			im.Close()
			return err
		}
		err = f.Write(im)
		im.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadFits reads a buffer written by WriteFits
func ReadFits(r io.Reader) (*Buffer, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	arrays := map[string][]float64{}
	shapes := map[string][]int{}
	for _, hdu := range f.HDUs() {
		card := hdu.Header().Get("EXTNAME")
		if card == nil {
			continue
		}
		key, ok := card.Value.(string)
		if !ok {
			continue
		}
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		axes := hdu.Header().Axes()
		n := 1
		shape := make([]int, len(axes))
		for j, a := range axes {
			n *= a
			shape[len(axes)-1-j] = a
		}
		data := make([]float64, n)
		if err := img.Read(&data); err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		arrays[key] = data
		shapes[key] = shape
	}
	sp, ok := shapes[KeySpectra]
	if !ok || len(sp) != 3 {
		return nil, fmt.Errorf("%w: no 3-d %s extension", ErrShape, KeySpectra)
	}
	buf, err := NewBuffer(sp[0], sp[1], sp[2])
	if err != nil {
		return nil, err
	}
	for _, key := range Keys {
		data, ok := arrays[key]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s extension", ErrShape, key)
		}
		dst := buf.Array(key)
		if len(data) != len(dst) {
			return nil, fmt.Errorf("%w: %s has %d values, expected %d", ErrShape, key, len(data), len(dst))
		}
		copy(dst, data)
	}
	for i := range buf.written {
		buf.written[i] = true
	}
	return buf, nil
}

// Load reads an XEOL file from disk
func Load(path string) (*Buffer, error) {
	fid, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fid.Close()
	return ReadFits(fid)
}
