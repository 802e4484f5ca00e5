/*Package bridge carries scan requests from a remote client, typically an
optimisation loop, to the process driving the endstation.

Messages are JSON objects with a "type" discriminator, exchanged over a
websocket:

	client -> server  scan1d, scan1d_xeol, scan2d, scan2d_xeol, flyscan2d,
	                  timeseries, timeseries_xeol, get_savepath
	server -> client  scan_complete, savedir, error

Decode turns a frame into one of the message types of this package, so the
rest of the package switches on Go types, never on strings.  The server runs
scans one at a time in the order received and acknowledges each with a
scan_complete carrying the request's id.
*/
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aps-2idd/s2driver/beamline"
	"github.com/google/uuid"
)

var (
	// ErrUnknownType is generated when a message has a type no handler exists for
	ErrUnknownType = errors.New("unknown message type")

	// ErrMissingField is generated when a message lacks a required parameter
	ErrMissingField = errors.New("message is missing a required field")
)

// Message types
const (
	TypeScan1D         = beamline.KindScan1D
	TypeScan1DXEOL     = beamline.KindScan1DXEOL
	TypeScan2D         = beamline.KindScan2D
	TypeScan2DXEOL     = beamline.KindScan2DXEOL
	TypeFlyscan2D      = beamline.KindFlyscan2D
	TypeTimeseries     = beamline.KindTimeseries
	TypeTimeseriesXEOL = beamline.KindTimeseriesXEOL
	TypeGetSavePath    = "get_savepath"
	TypeSaveDir        = "savedir"
	TypeScanComplete   = "scan_complete"
	TypeError          = "error"
)

// Message is anything sent over the bridge
type Message interface {
	Type() string
}

// Request is a message that runs a scan
type Request interface {
	Message
	RequestID() string
}

// Scan1D requests a 1-D step scan, with XEOL if XEOL is set
type Scan1D struct {
	ID string `json:"id,omitempty"`
	beamline.Scan1D
	XEOL bool `json:"-"`
}

// Type implements Message
func (m *Scan1D) Type() string {
	if m.XEOL {
		return TypeScan1DXEOL
	}
	return TypeScan1D
}

// RequestID implements Request
func (m *Scan1D) RequestID() string { return m.ID }

// Scan2D requests a 2-D step scan, with XEOL if XEOL is set
type Scan2D struct {
	ID string `json:"id,omitempty"`
	beamline.Scan2D
	XEOL bool `json:"-"`
}

// Type implements Message
func (m *Scan2D) Type() string {
	if m.XEOL {
		return TypeScan2DXEOL
	}
	return TypeScan2D
}

// RequestID implements Request
func (m *Scan2D) RequestID() string { return m.ID }

// Flyscan2D requests a 2-D fly scan
type Flyscan2D struct {
	ID string `json:"id,omitempty"`
	beamline.Flyscan2D
}

// Type implements Message
func (m *Flyscan2D) Type() string { return TypeFlyscan2D }

// RequestID implements Request
func (m *Flyscan2D) RequestID() string { return m.ID }

// Timeseries requests a timeseries, with XEOL if XEOL is set
type Timeseries struct {
	ID string `json:"id,omitempty"`
	beamline.Timeseries
	XEOL bool `json:"-"`
}

// Type implements Message
func (m *Timeseries) Type() string {
	if m.XEOL {
		return TypeTimeseriesXEOL
	}
	return TypeTimeseries
}

// RequestID implements Request
func (m *Timeseries) RequestID() string { return m.ID }

// GetSavePath asks where the scan files are; the answer is a SaveDir
type GetSavePath struct{}

// Type implements Message
func (*GetSavePath) Type() string { return TypeGetSavePath }

// SaveDir says where the scan files are
type SaveDir struct {
	beamline.SaveDir
}

// Type implements Message
func (*SaveDir) Type() string { return TypeSaveDir }

// ScanComplete acknowledges a scan request.  ScanNumber is the number of the
// last scan saved.  Error is empty if the scan succeeded.
type ScanComplete struct {
	ScanNumber int    `json:"scan_number"`
	ID         string `json:"id,omitempty"`
	State      string `json:"state,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Type implements Message
func (*ScanComplete) Type() string { return TypeScanComplete }

// Error reports a message the server could not act on
type Error struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// Type implements Message
func (*Error) Type() string { return TypeError }

type kind struct {
	new      func() Message
	required []string
}

var (
	line1 = []string{"startpos", "endpos", "numpts", "dwelltime"}
	line2 = []string{"startpos1", "endpos1", "numpts1", "startpos2", "endpos2", "numpts2", "dwelltime"}
)

var kinds = map[string]kind{
	TypeScan1D:         {func() Message { return &Scan1D{} }, append([]string{"motor"}, line1...)},
	TypeScan1DXEOL:     {func() Message { return &Scan1D{XEOL: true} }, append([]string{"motor"}, line1...)},
	TypeScan2D:         {func() Message { return &Scan2D{} }, line2},
	TypeScan2DXEOL:     {func() Message { return &Scan2D{XEOL: true} }, line2},
	TypeFlyscan2D:      {func() Message { return &Flyscan2D{} }, line2},
	TypeTimeseries:     {func() Message { return &Timeseries{} }, []string{"numpts", "dwelltime"}},
	TypeTimeseriesXEOL: {func() Message { return &Timeseries{XEOL: true} }, []string{"numpts", "dwelltime"}},
	TypeGetSavePath:    {func() Message { return &GetSavePath{} }, nil},
	TypeSaveDir:        {func() Message { return &SaveDir{} }, []string{"rootdir", "subdir", "basename"}},
	TypeScanComplete:   {func() Message { return &ScanComplete{} }, []string{"scan_number"}},
	TypeError:          {func() Message { return &Error{} }, []string{"message"}},
}

// Decode parses a frame.  An unknown type returns ErrUnknownType and a
// missing parameter ErrMissingField; neither yields a message.
func Decode(b []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	rawType, ok := raw["type"]
	if !ok {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, fmt.Errorf("decoding message type: %w", err)
	}
	k, ok := kinds[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	for _, field := range k.required {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("%w: %s needs %s", ErrMissingField, typ, field)
		}
	}
	m := k.new()
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", typ, err)
	}
	return m, nil
}

// Encode renders a message with its type field
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	fields["type"], _ = json.Marshal(m.Type())
	return json.Marshal(fields)
}

// NewID returns a fresh request id
func NewID() string {
	return uuid.New().String()
}
