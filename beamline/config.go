package beamline

import (
	"github.com/aps-2idd/s2driver/scan"
	"github.com/aps-2idd/s2driver/xeol"
)

// MotorConfig names a motor record and its movement threshold
type MotorConfig struct {
	Name      string  `yaml:"Name" koanf:"Name"`
	Record    string  `yaml:"Record" koanf:"Record"`
	Threshold float64 `yaml:"Threshold" koanf:"Threshold"`
}

// XEOLConfig tunes the spectrometer capture
type XEOLConfig struct {
	// Ratio is the integration time as a fraction of the scan dwell time
	Ratio float64 `yaml:"Ratio" koanf:"Ratio"`

	// BackgroundScans are averaged into the background spectrum
	BackgroundScans int `yaml:"BackgroundScans" koanf:"BackgroundScans"`

	// Smoothing is the spectrometer smoothing factor, 0 to 4
	Smoothing int `yaml:"Smoothing" koanf:"Smoothing"`
}

// Config describes the endstation
type Config struct {
	// Prefix is the IOC prefix of the saveData PVs, e.g. "2idd:"
	Prefix string `yaml:"Prefix" koanf:"Prefix"`

	Motors []MotorConfig `yaml:"Motors" koanf:"Motors"`

	// Step1 and Step2 are the inner and outer step scan records
	Step1 scan.Scanner `yaml:"Step1" koanf:"Step1"`
	Step2 scan.Scanner `yaml:"Step2" koanf:"Step2"`

	// FlyH is the horizontal fly scan record, Fly1 the outer one
	FlyH scan.Scanner `yaml:"FlyH" koanf:"FlyH"`
	Fly1 scan.Scanner `yaml:"Fly1" koanf:"Fly1"`

	// FlyX is driven by FlyH, FlyY by Fly1
	FlyX string `yaml:"FlyX" koanf:"FlyX"`
	FlyY string `yaml:"FlyY" koanf:"FlyY"`

	// Detectors is the dwell time quirk table
	Detectors []scan.Detector `yaml:"Detectors" koanf:"Detectors"`

	Shutter scan.Shutter `yaml:"Shutter" koanf:"Shutter"`

	// FilterCommand receives I<n> and R<n> to insert and remove filters
	FilterCommand string `yaml:"FilterCommand" koanf:"FilterCommand"`

	// Prechecks are extra PVs checked before every scan
	Prechecks []scan.PVEquals `yaml:"Prechecks" koanf:"Prechecks"`

	// StrictMotion makes failed motor moves abort the caller instead of only
	// being logged
	StrictMotion bool `yaml:"StrictMotion" koanf:"StrictMotion"`

	// Mounts rewrites network paths of saveData_fileSystem to local ones
	Mounts map[string]string `yaml:"Mounts" koanf:"Mounts"`

	XEOL XEOLConfig `yaml:"XEOL" koanf:"XEOL"`

	// BusyPoll and PointPoll are the BUSY and CPT polling periods, s
	BusyPoll  float64 `yaml:"BusyPoll" koanf:"BusyPoll"`
	PointPoll float64 `yaml:"PointPoll" koanf:"PointPoll"`

	// H5Poll is how often to look for a fly scan's file, H5Settle how long
	// to wait once it appears, s
	H5Poll   float64 `yaml:"H5Poll" koanf:"H5Poll"`
	H5Settle float64 `yaml:"H5Settle" koanf:"H5Settle"`
}

// DefaultConfig is the 2-ID-D microprobe
func DefaultConfig() Config {
	return Config{
		Prefix: "2idd:",
		Motors: []MotorConfig{
			{Name: "samx", Record: "2idd:m40", Threshold: 100},
			{Name: "samy", Record: "2idd:m39", Threshold: 100},
			{Name: "samz", Record: "2idd:m36", Threshold: 100},
		},
		Step1:         scan.Scanner{Name: "sc1", Record: "2idd:scan1", Abort: "2idd:AbortScans.PROC"},
		Step2:         scan.Scanner{Name: "sc2", Record: "2idd:scan2", Abort: "2idd:AbortScans.PROC"},
		FlyH:          scan.Scanner{Name: "flyh", Record: "2idd:FscanH"},
		Fly1:          scan.Scanner{Name: "fly1", Record: "2idd:Fscan1", Abort: "2idd:FAbortScans.PROC"},
		FlyX:          "samx",
		FlyY:          "samy",
		Detectors:     scan.DefaultDetectors,
		Shutter:       scan.Shutter{Open: "2idd:s1:openShutter.PROC", Close: "2idd:s1:closeShutter.PROC"},
		FilterCommand: "2idd:s1:sendCommand",
		Mounts:        map[string]string{"//micdata/data1": "/mnt/micdata1"},
		XEOL: XEOLConfig{
			Ratio:           xeol.DefaultRatio,
			BackgroundScans: xeol.DefaultBackgroundScans,
		},
		BusyPoll:  1,
		PointPoll: 0.1,
		H5Poll:    0.1,
		H5Settle:  3,
	}
}

// PV names derived from the prefix
func (c Config) scanNumberPV() string { return c.Prefix + "saveData_scanNumber" }
func (c Config) savePathPV() string   { return c.Prefix + "saveData_fullPathName" }
func (c Config) baseNamePV() string   { return c.Prefix + "saveData_baseName" }
