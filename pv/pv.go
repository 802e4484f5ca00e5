/*Package pv provides access to named process variables on the beamline control network.

A process variable (PV) is a named, remotely readable and writable value such as
"2idd:m40.VAL" or "2idd:scan1.NPTS".  Everything above this package talks to the
control system through the Client interface, so the same scan code runs against
the real network gateway, a redis-backed soft IOC, or an in-memory store in tests.

Puts carry a wait flag.  When wait is true the put does not return until the
write has been acknowledged by whatever owns the PV.
*/
package pv

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is generated when a PV does not exist
	ErrNotFound = errors.New("process variable not found")

	// ErrNotNumeric is generated when a numeric read is made of a non-numeric PV
	ErrNotNumeric = errors.New("process variable is not numeric")
)

// Getter reads process variables
type Getter interface {
	// GetFloat returns the value of a numeric PV
	GetFloat(string) (float64, error)

	// GetString returns the value of a PV formatted as a string
	GetString(string) (string, error)
}

// Putter writes process variables
type Putter interface {
	// PutFloat writes a numeric PV, blocking until acknowledged if wait is true
	PutFloat(name string, v float64, wait bool) error

	// PutString writes a PV as a string, blocking until acknowledged if wait is true
	PutString(name string, s string, wait bool) error
}

// Client can get and put process variables
type Client interface {
	Getter
	Putter
}

// GetInt reads a numeric PV and rounds it to the nearest integer
func GetInt(g Getter, name string) (int, error) {
	f, err := g.GetFloat(name)
	if err != nil {
		return 0, err
	}
	return int(math.Round(f)), nil
}

// GetBool reads a numeric PV and returns true if it is nonzero
func GetBool(g Getter, name string) (bool, error) {
	f, err := g.GetFloat(name)
	return f != 0, err
}

// PutBool writes 1 or 0 to a PV
func PutBool(p Putter, name string, b bool, wait bool) error {
	v := 0.
	if b {
		v = 1
	}
	return p.PutFloat(name, v, wait)
}

// Proc writes 1 to a .PROC field, processing the record
func Proc(p Putter, record string) error {
	name := record
	if !strings.HasSuffix(name, ".PROC") {
		name += ".PROC"
	}
	return p.PutFloat(name, 1, true)
}

// FormatFloat renders a float the way PVs are stored as text
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ParseFloat converts the text form of a PV to a float
func ParseFloat(name, s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrNotNumeric, name, s)
	}
	return f, nil
}

// Field joins a record name and a field, "2idd:scan1" + "NPTS" => "2idd:scan1.NPTS"
func Field(record, field string) string {
	return record + "." + field
}
