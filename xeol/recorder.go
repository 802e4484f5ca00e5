package xeol

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Recorder places XEOL files in the XEOL folder of the experiment directory,
// named <basename>_<scan:04d>_XEOL.fits.  It is not thread safe.
type Recorder struct {
	// Root is the experiment directory
	Root string

	// Prefix is the saveData basename
	Prefix string
}

// Dir returns the XEOL folder
func (r *Recorder) Dir() string {
	return filepath.Join(r.Root, "XEOL")
}

// Path returns the file for a scan number
func (r *Recorder) Path(scan int) string {
	return filepath.Join(r.Dir(), fmt.Sprintf("%s_%04d_XEOL.fits", r.Prefix, scan))
}

// File returns the newest file written for a scan number, or Path(scan) if
// there is none
func (r *Recorder) File(scan int) string {
	return Newest(r.Path(scan))
}

// Save writes buf to path, creating the folder as needed, and returns the
// file actually written.  An existing file is never overwritten; the next
// free numeric suffix is added instead, e.g. 2idd_0005_XEOL_1.fits.
func (r *Recorder) Save(path string, buf *Buffer, meta Meta) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return "", err
	}
	f, err := createUnique(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := WriteFits(f, buf, meta); err != nil {
		return f.Name(), err
	}
	return f.Name(), f.Close()
}

func suffixed(path string, i int) string {
	if i == 0 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(path, ext), i, ext)
}

func createUnique(path string) (*os.File, error) {
	for i := 0; ; i++ {
		f, err := os.OpenFile(suffixed(path, i), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
		if os.IsExist(err) {
			continue
		}
		return f, err
	}
}

// Newest returns the last of path and its suffixed copies written by Save,
// or path itself if none exist
func Newest(path string) string {
	newest := path
	for i := 0; ; i++ {
		p := suffixed(path, i)
		if _, err := os.Stat(p); err != nil {
			if i == 0 {
				continue
			}
			return newest
		}
		newest = p
	}
}

// Latest scans the XEOL folder and returns the highest scan number with a
// file, or -1 if there are none.  File gives the newest file for it.
func (r *Recorder) Latest() (int, error) {
	files, err := os.ReadDir(r.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return -1, err
	}
	latest := -1
	pre := r.Prefix + "_"
	for _, file := range files {
		fn := file.Name()
		if file.IsDir() || !strings.HasPrefix(fn, pre) || !strings.HasSuffix(fn, ".fits") {
			continue
		}
		// <scan>_XEOL.fits or <scan>_XEOL_<copy>.fits
		bit := strings.TrimPrefix(fn, pre)
		i := strings.Index(bit, "_XEOL")
		if i < 0 {
			continue
		}
		n, err := strconv.Atoi(bit[:i])
		if err != nil {
			continue
		}
		if n > latest {
			latest = n
		}
	}
	return latest, nil
}
