/*Package scan drives EPICS scan records: it configures positioners, fans a
single dwell time out to every detector in the trigger list, executes the
record and follows it to completion or abort.

The scan record state machine is

	idle -> armed (EXSC=1) -> busy (BUSY=1) -> done | aborted

and every transition, as well as each completed point of the innermost
scanner, is published to subscribers of the Coordinator.
*/
package scan

import (
	"fmt"

	"github.com/aps-2idd/s2driver/pv"
)

// Scanner is a scan record on the IOC
type Scanner struct {
	// Name is the short name, e.g. sc1
	Name string `yaml:"Name" koanf:"Name"`

	// Record is the record prefix, e.g. 2idd:scan1
	Record string `yaml:"Record" koanf:"Record"`

	// Abort is the PV processed to cancel a running scan, empty if the
	// record cannot be aborted
	Abort string `yaml:"Abort" koanf:"Abort"`
}

func (s Scanner) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.Record)
}

// PV returns the PV name of a field of the record
func (s Scanner) PV(field string) string {
	return pv.Field(s.Record, field)
}

// Triggers lists the detector trigger fields of the record
var Triggers = []string{"T1PV", "T2PV", "T3PV", "T4PV"}

// Settings are the positioner settings stored in a scan record
type Settings struct {
	Positioner string
	Relative   bool
	Start      float64
	End        float64
	NumPts     int
}

// Effective returns the absolute start and end positions given the
// positioner's current setpoint
func (s Settings) Effective(current float64) (start, end float64) {
	if s.Relative {
		return current + s.Start, current + s.End
	}
	return s.Start, s.End
}

// ReadSettings reads back the positioner settings of a scanner
func ReadSettings(c pv.Getter, s Scanner) (Settings, error) {
	var (
		out Settings
		err error
	)
	out.Positioner, err = c.GetString(s.PV("P1PV"))
	if err != nil {
		return out, err
	}
	out.Relative, err = pv.GetBool(c, s.PV("P1AR"))
	if err != nil {
		return out, err
	}
	out.Start, err = c.GetFloat(s.PV("P1SP"))
	if err != nil {
		return out, err
	}
	out.End, err = c.GetFloat(s.PV("P1EP"))
	if err != nil {
		return out, err
	}
	out.NumPts, err = pv.GetInt(c, s.PV("NPTS"))
	return out, err
}
