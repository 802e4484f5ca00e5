package sim_test

import (
	"testing"
	"time"

	"github.com/aps-2idd/s2driver/pv"
	"github.com/aps-2idd/s2driver/sim"
)

func waitIdle(t *testing.T, i *sim.IOC, record string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for i.Running(record) {
		if time.Now().After(deadline) {
			t.Fatalf("%s still running", record)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStepScanVisitsEveryPoint(t *testing.T) {
	m := pv.NewMemory()
	i := sim.Endstation(m, t.TempDir())
	i.PointTime = 0
	m.Set("2idd:m40.VAL", 100)
	m.PutString("2idd:scan1.P1PV", "2idd:m40.VAL", true)
	m.PutFloat("2idd:scan1.P1AR", 1, true)
	m.PutFloat("2idd:scan1.P1SP", -5, true)
	m.PutFloat("2idd:scan1.P1EP", 5, true)
	m.PutFloat("2idd:scan1.NPTS", 11, true)

	var visited []float64
	m.OnPut("2idd:m40.VAL", func(_ string, v string) {
		f, _ := pv.ParseFloat("", v)
		visited = append(visited, f)
	})
	m.PutFloat("2idd:scan1.EXSC", 1, false)
	waitIdle(t, i, "2idd:scan1")

	// 11 points plus the return move
	if len(visited) != 12 {
		t.Fatalf("expected 12 positioner moves got %d", len(visited))
	}
	if visited[0] != 95 || visited[10] != 105 || visited[11] != 100 {
		t.Errorf("unexpected path %v", visited)
	}
	cpt, _ := pv.GetInt(m, "2idd:scan1.CPT")
	if cpt != 11 {
		t.Errorf("expected CPT %d got %d", 11, cpt)
	}
	n, _ := pv.GetInt(m, "2idd:saveData_scanNumber")
	if n != 2 {
		t.Errorf("expected scan number to advance to %d got %d", 2, n)
	}
}

func TestAbortStopsScan(t *testing.T) {
	m := pv.NewMemory()
	i := sim.Endstation(m, t.TempDir())
	i.PointTime = 10 * time.Millisecond
	m.PutString("2idd:scan1.P1PV", "2idd:m40.VAL", true)
	m.PutFloat("2idd:scan1.NPTS", 1000, true)
	m.PutFloat("2idd:scan1.EXSC", 1, false)
	time.Sleep(30 * time.Millisecond)
	pv.Proc(m, "2idd:AbortScans")
	waitIdle(t, i, "2idd:scan1")
	cpt, _ := pv.GetInt(m, "2idd:scan1.CPT")
	if cpt >= 1000 {
		t.Error("expected abort to stop the scan early")
	}
	n, _ := pv.GetInt(m, "2idd:saveData_scanNumber")
	if n != 1 {
		t.Errorf("expected aborted scan to keep scan number %d got %d", 1, n)
	}
}

func TestShutterAndFilters(t *testing.T) {
	m := pv.NewMemory()
	sim.Endstation(m, t.TempDir())
	pv.Proc(m, "2idd:s1:openShutter")
	if open, _ := pv.GetBool(m, "2idd:s1:shutterOpen"); !open {
		t.Error("expected shutter open")
	}
	m.PutString("2idd:s1:sendCommand", "I3", true)
	if in, _ := pv.GetBool(m, "2idd:s1:filter3"); !in {
		t.Error("expected filter 3 in")
	}
	m.PutString("2idd:s1:sendCommand", "R3", true)
	if in, _ := pv.GetBool(m, "2idd:s1:filter3"); in {
		t.Error("expected filter 3 out")
	}
}
