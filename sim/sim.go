/*Package sim is a simulated 2-ID-D soft IOC.  It hangs behaviour off the put
hooks of a pv.Memory: motor records settle, scan records step their
positioner through the requested points, abort PVs stop running scans, and
the shutter, filter and saveData PVs respond the way the real ones do.

It backs mock mode and most tests above the pv package.
*/
package sim

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aps-2idd/s2driver/pv"
	"gonum.org/v1/gonum/floats"
)

// IOC is a simulated IOC
type IOC struct {
	PV *pv.Memory

	// PointTime is how long each scan point takes when UseDwell is false
	PointTime time.Duration

	// UseDwell makes each point take the XMAP PresetReal dwell time
	UseDwell bool

	// MotorTime is how long a motor takes to settle after VAL is written
	MotorTime time.Duration

	// OnFinish, if not nil, is called when a top-level scan ends on its own
	OnFinish func(record string, scan int)

	scanNumberPV string

	mu       sync.Mutex
	scanners map[string]*scanRecord
	aborts   map[string][]string
}

type scanRecord struct {
	record  string
	inner   string
	running bool
	abort   bool
}

// New returns an IOC on m with nothing defined
func New(m *pv.Memory) *IOC {
	return &IOC{
		PV:        m,
		PointTime: 5 * time.Millisecond,
		MotorTime: time.Millisecond,
		scanners:  make(map[string]*scanRecord),
		aborts:    make(map[string][]string),
	}
}

// AddMotor defines a motor record at pos
func (i *IOC) AddMotor(record string, pos float64) {
	m := i.PV
	m.Set(record+".VAL", pos)
	m.Set(record+".RBV", pos)
	m.Set(record+".DMOV", 1)
	m.Set(record+".DESC", record)
	m.Set(record+".MSTA", 2)
	m.OnPut(record+".VAL", func(_, v string) {
		m.Set(record+".DMOV", 0)
		go func() {
			time.Sleep(i.MotorTime)
			m.Set(record+".RBV", v)
			m.Set(record+".DMOV", 1)
		}()
	})
	m.OnPut(record+".HOMF", func(string, string) {
		m.PutFloat(record+".VAL", 0, false)
	})
	m.OnPut(record+".STOP", func(string, string) {
		rbv, _ := m.GetString(record + ".RBV")
		m.Set(record+".VAL", rbv)
		m.Set(record+".DMOV", 1)
	})
}

// AddScanner defines a scan record.  inner, if not empty, is the record this
// one executes at each of its points.  abort is the PV that stops it.
func (i *IOC) AddScanner(record, inner, abort string) {
	m := i.PV
	for _, f := range []string{"P1SP", "P1EP", "P1AR", "CPT", "BUSY", "EXSC"} {
		m.Set(record+"."+f, 0)
	}
	m.Set(record+".NPTS", 1)
	m.Set(record+".P1PV", "")
	m.Set(record+".SMSG", "")
	for _, t := range []string{"T1PV", "T2PV", "T3PV", "T4PV"} {
		m.Set(record+"."+t, "")
	}
	if inner != "" {
		m.Set(record+".T1PV", inner+".EXSC")
	}
	i.mu.Lock()
	i.scanners[record] = &scanRecord{record: record, inner: inner}
	if abort != "" {
		if _, seen := i.aborts[abort]; !seen {
			m.Set(abort, 0)
			m.OnPut(abort, func(string, string) { i.abortAll(abort) })
		}
		i.aborts[abort] = append(i.aborts[abort], record)
	}
	i.mu.Unlock()
	m.OnPut(record+".EXSC", func(_, v string) {
		if v == "0" || v == "0.0" {
			return
		}
		i.start(record)
	})
}

// AddShutter defines the shutter PROC PVs and a state PV, 1 when open
func (i *IOC) AddShutter(open, close, state string) {
	m := i.PV
	m.Set(state, 0)
	m.Set(open, 0)
	m.Set(close, 0)
	m.OnPut(open, func(string, string) { m.Set(state, 1) })
	m.OnPut(close, func(string, string) { m.Set(state, 0) })
}

// AddFilters defines the filter command PV.  Commands I<n> and R<n> set
// <prefix><n> to 1 and 0.
func (i *IOC) AddFilters(command, prefix string) {
	m := i.PV
	m.Set(command, "")
	for n := 1; n <= 4; n++ {
		m.Set(fmt.Sprintf("%s%d", prefix, n), 0)
	}
	m.OnPut(command, func(_, v string) {
		if len(v) < 2 {
			return
		}
		state := 0
		switch v[0] {
		case 'I':
			state = 1
		case 'R':
		default:
			return
		}
		m.Set(prefix+v[1:], state)
	})
}

// AddSaveData defines the saveData PVs under prefix, e.g. "2idd:"
func (i *IOC) AddSaveData(prefix, fileSystem, subDir, baseName string, next int) {
	m := i.PV
	m.Set(prefix+"saveData_fileSystem", fileSystem)
	m.Set(prefix+"saveData_subDir", subDir)
	m.Set(prefix+"saveData_baseName", baseName)
	m.Set(prefix+"saveData_scanNumber", next)
	i.scanNumberPV = prefix + "saveData_scanNumber"
	full := func() {
		fs, _ := m.GetString(prefix + "saveData_fileSystem")
		sd, _ := m.GetString(prefix + "saveData_subDir")
		m.Set(prefix+"saveData_fullPathName", path.Join(fs, sd)+"/")
	}
	full()
	m.OnPut(prefix+"saveData_fileSystem", func(string, string) { full() })
	m.OnPut(prefix+"saveData_subDir", func(string, string) { full() })
}

// Running reports whether a scan record is executing
func (i *IOC) Running(record string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.scanners[record]
	return ok && s.running
}

func (i *IOC) abortAll(abort string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, rec := range i.aborts[abort] {
		if s := i.scanners[rec]; s.running {
			s.abort = true
		}
	}
}

func (i *IOC) aborted(record string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := i.scanners[record]
	return s.abort
}

func (i *IOC) claim(record string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.scanners[record]
	if !ok || s.running {
		return false
	}
	s.running = true
	s.abort = false
	return true
}

func (i *IOC) release(record string) {
	i.mu.Lock()
	i.scanners[record].running = false
	i.mu.Unlock()
}

// start runs a top-level scan in the background
func (i *IOC) start(record string) {
	if !i.claim(record) {
		return
	}
	m := i.PV
	m.Set(record+".BUSY", 1)
	m.Set(record+".CPT", 0)
	go func() {
		ok := i.run(record)
		i.finish(record)
		if ok {
			i.bumpScanNumber(record)
		}
	}()
}

func (i *IOC) finish(record string) {
	m := i.PV
	m.Set(record+".BUSY", 0)
	m.Set(record+".EXSC", 0)
	i.release(record)
}

// runInner runs a nested record synchronously at one point of its parent
func (i *IOC) runInner(record string) bool {
	if !i.claim(record) {
		return false
	}
	m := i.PV
	m.Set(record+".EXSC", 1)
	m.Set(record+".BUSY", 1)
	m.Set(record+".CPT", 0)
	ok := i.run(record)
	i.finish(record)
	return ok
}

// run steps through the points of a record, returning false if aborted
func (i *IOC) run(record string) bool {
	m := i.PV
	npts, _ := pv.GetInt(m, record+".NPTS")
	if npts < 1 {
		npts = 1
	}
	start, _ := m.GetFloat(record + ".P1SP")
	end, _ := m.GetFloat(record + ".P1EP")
	rel, _ := pv.GetBool(m, record+".P1AR")
	positioner, _ := m.GetString(record + ".P1PV")

	pos := make([]float64, npts)
	if npts == 1 {
		pos[0] = start
	} else {
		floats.Span(pos, start, end)
	}
	var base float64
	if rel && positioner != "" {
		base, _ = m.GetFloat(positioner)
		floats.AddConst(base, pos)
	}

	i.mu.Lock()
	inner := i.scanners[record].inner
	i.mu.Unlock()
	for p := 0; p < npts; p++ {
		if i.aborted(record) {
			return false
		}
		if positioner != "" {
			m.PutFloat(positioner, pos[p], true)
			i.settle(positioner)
		}
		if inner != "" {
			if !i.runInner(inner) {
				return false
			}
		} else {
			i.acquire()
		}
		m.Set(record+".CPT", p+1)
	}
	// relative scans return the positioner to where it started
	if rel && positioner != "" {
		m.PutFloat(positioner, base, true)
		i.settle(positioner)
	}
	return true
}

func (i *IOC) settle(positioner string) {
	if !strings.HasSuffix(positioner, ".VAL") {
		return
	}
	dmov := strings.TrimSuffix(positioner, ".VAL") + ".DMOV"
	for k := 0; k < 10000; k++ {
		if done, err := pv.GetBool(i.PV, dmov); err != nil || done {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (i *IOC) acquire() {
	d := i.PointTime
	if i.UseDwell {
		if s, err := i.PV.GetFloat("2iddXMAP:PresetReal"); err == nil && s > 0 {
			d = time.Duration(s * float64(time.Second))
		}
	}
	i.PV.Set("2iddXMAP:Acquiring", 1)
	time.Sleep(d)
	i.PV.Set("2iddXMAP:Acquiring", 0)
}

func (i *IOC) bumpScanNumber(record string) {
	if i.scanNumberPV == "" {
		return
	}
	n, err := pv.GetInt(i.PV, i.scanNumberPV)
	if err != nil {
		return
	}
	i.PV.Set(i.scanNumberPV, n+1)
	if i.OnFinish != nil {
		i.OnFinish(record, n)
	}
}
