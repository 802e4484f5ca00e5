package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aps-2idd/s2driver/pv"
	"github.com/sirupsen/logrus"
)

// ErrPrecheck is generated when a scan fails its prescan checks
var ErrPrecheck = errors.New("failed prescan check, scan will not be executed")

// Shutter names the PVs processed to open and close the beam shutter
type Shutter struct {
	Open  string `yaml:"Open" koanf:"Open"`
	Close string `yaml:"Close" koanf:"Close"`
}

// PVEquals is a prescan check that a PV holds an expected value, such as a
// detector's acquisition mode
type PVEquals struct {
	PV   string `yaml:"PV" koanf:"PV"`
	Want string `yaml:"Want" koanf:"Want"`
}

// Check reads the PV and compares it as text, or numerically when both sides
// parse as numbers
func (p PVEquals) Check(c pv.Getter) error {
	got, err := c.GetString(p.PV)
	if err != nil {
		return err
	}
	if strings.TrimSpace(got) == p.Want {
		return nil
	}
	gf, err1 := pv.ParseFloat(p.PV, got)
	wf, err2 := pv.ParseFloat(p.PV, p.Want)
	if err1 == nil && err2 == nil && gf == wf {
		return nil
	}
	return fmt.Errorf("%s is %q, expected %q", p.PV, got, p.Want)
}

// Moderator brackets every scan: it runs the prescan checks, opens the
// shutter, runs the scan body and closes the shutter again on every exit
// path, including errors and cancellation.
type Moderator struct {
	PV      pv.Client
	Shutter Shutter

	// ScanNumberPV must be readable for a scan to proceed
	ScanNumberPV string

	// SavePathPV must hold a non-empty path for a scan to proceed
	SavePathPV string

	// Checks are additional prescan checks
	Checks []PVEquals

	Log logrus.FieldLogger
}

// Prescan checks whether a scan may start
func (m *Moderator) Prescan() error {
	scannum, err := pv.GetInt(m.PV, m.ScanNumberPV)
	if err != nil {
		return fmt.Errorf("%w: reading scan number: %v", ErrPrecheck, err)
	}
	m.Log.Debugf("scannum is %d", scannum)
	if m.SavePathPV != "" {
		path, err := m.PV.GetString(m.SavePathPV)
		if err != nil {
			return fmt.Errorf("%w: reading save path: %v", ErrPrecheck, err)
		}
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("%w: save path %s is empty", ErrPrecheck, m.SavePathPV)
		}
	}
	for _, c := range m.Checks {
		if err := c.Check(m.PV); err != nil {
			return fmt.Errorf("%w: %v", ErrPrecheck, err)
		}
	}
	return nil
}

// OpenShutter removes the shutter from the beam path
func (m *Moderator) OpenShutter() error {
	if err := pv.Proc(m.PV, m.Shutter.Open); err != nil {
		return err
	}
	m.Log.Debug("Shutter removed from the beam path.")
	return nil
}

// CloseShutter places the shutter in the beam path
func (m *Moderator) CloseShutter() error {
	if err := pv.Proc(m.PV, m.Shutter.Close); err != nil {
		return err
	}
	m.Log.Debug("Shutter inserted into the beam path.")
	return nil
}

// Run executes body between the prescan and postscan steps
func (m *Moderator) Run(ctx context.Context, kind string, body func(context.Context) error) (err error) {
	if err := m.Prescan(); err != nil {
		m.Log.Debug("Failed prescan check")
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s cancelled before the shutter opened: %v", ErrAborted, kind, err)
	}
	if err := m.OpenShutter(); err != nil {
		return err
	}
	defer func() {
		cerr := m.CloseShutter()
		if cerr == nil {
			return
		}
		m.Log.WithError(cerr).Error("closing shutter after scan")
		if err == nil {
			err = cerr
		}
	}()
	if err := body(ctx); err != nil {
		m.Log.WithError(err).Infof("%s did not complete", kind)
		return err
	}
	m.Log.Debugf("postscan %s", kind)
	return nil
}
