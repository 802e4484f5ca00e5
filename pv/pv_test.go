package pv_test

import (
	"errors"
	"net"
	"testing"

	"github.com/aps-2idd/s2driver/pv"
	"github.com/google/go-cmp/cmp"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := pv.NewMemory()
	if err := m.PutFloat("2idd:scan1.P1SP", -5, true); err != nil {
		t.Fatal(err)
	}
	f, err := m.GetFloat("2idd:scan1.P1SP")
	if err != nil {
		t.Fatal(err)
	}
	if f != -5 {
		t.Errorf("expected %v got %v", -5., f)
	}
}

func TestMemoryMissing(t *testing.T) {
	m := pv.NewMemory()
	_, err := m.GetFloat("nope")
	if !errors.Is(err, pv.ErrNotFound) {
		t.Errorf("expected %v got %v", pv.ErrNotFound, err)
	}
}

func TestMemoryNotNumeric(t *testing.T) {
	m := pv.NewMemory()
	m.Set("2idd:saveData_baseName", "2idd")
	_, err := m.GetFloat("2idd:saveData_baseName")
	if !errors.Is(err, pv.ErrNotNumeric) {
		t.Errorf("expected %v got %v", pv.ErrNotNumeric, err)
	}
}

func TestMemoryHooksAndJournal(t *testing.T) {
	m := pv.NewMemory()
	var seen []string
	m.OnPut("2idd:s1:openShutter.PROC", func(name, value string) {
		seen = append(seen, value)
		m.Set("2idd:s1:shutterState", 1)
	})
	m.Set("2idd:s1:shutterState", 0)
	if err := pv.Proc(m, "2idd:s1:openShutter"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"1"}, seen); diff != "" {
		t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
	}
	open, _ := pv.GetBool(m, "2idd:s1:shutterState")
	if !open {
		t.Error("expected hook to open shutter")
	}
	want := []pv.Put{{Name: "2idd:s1:openShutter.PROC", Value: "1", Wait: true}}
	if diff := cmp.Diff(want, m.Journal()); diff != "" {
		t.Errorf("journal mismatch (-want +got):\n%s", diff)
	}
}

func TestGetIntRounds(t *testing.T) {
	m := pv.NewMemory()
	m.Set("2idd:scan1.NPTS", 10.9999)
	n, err := pv.GetInt(m, "2idd:scan1.NPTS")
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Errorf("expected %d got %d", 11, n)
	}
}

func TestRedisEmbedded(t *testing.T) {
	r, err := pv.NewRedis("", "2idd-test:")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.PutFloat("2idd:m40.VAL", 12.5, true); err != nil {
		t.Fatal(err)
	}
	f, err := r.GetFloat("2idd:m40.VAL")
	if err != nil {
		t.Fatal(err)
	}
	if f != 12.5 {
		t.Errorf("expected %v got %v", 12.5, f)
	}
	if _, err := r.GetString("2idd:m39.VAL"); !errors.Is(err, pv.ErrNotFound) {
		t.Errorf("expected %v got %v", pv.ErrNotFound, err)
	}
}

func TestGatewayAgainstServer(t *testing.T) {
	m := pv.NewMemory()
	m.Set("2idd:m40.RBV", 101.25)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go pv.ServeGateway(ln, m)

	g := pv.NewGateway(ln.Addr().String(), false, 0)
	defer g.Close()
	f, err := g.GetFloat("2idd:m40.RBV")
	if err != nil {
		t.Fatal(err)
	}
	if f != 101.25 {
		t.Errorf("expected %v got %v", 101.25, f)
	}
	if err := g.PutString("2idd:s1:sendCommand", "I1", true); err != nil {
		t.Fatal(err)
	}
	s, _ := m.GetString("2idd:s1:sendCommand")
	if s != "I1" {
		t.Errorf("expected %q got %q", "I1", s)
	}
	if _, err := g.GetFloat("2idd:missing"); !errors.Is(err, pv.ErrNotFound) {
		t.Errorf("expected %v got %v", pv.ErrNotFound, err)
	}
}

func TestGatewayValuesSurviveFraming(t *testing.T) {
	m := pv.NewMemory()
	m.Set("2idd:s1:status", "ERROR state")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go pv.ServeGateway(ln, m)

	g := pv.NewGateway(ln.Addr().String(), false, 0)
	defer g.Close()
	s, err := g.GetString("2idd:s1:status")
	if err != nil {
		t.Fatal(err)
	}
	if s != "ERROR state" {
		t.Errorf("expected %q got %q", "ERROR state", s)
	}
	for _, v := range []string{"", "  padded  ", "ERR", "two words"} {
		if err := g.PutString("2idd:scan1.P1PV", v, false); err != nil {
			t.Errorf("put %q: %v", v, err)
			continue
		}
		got, err := g.GetString("2idd:scan1.P1PV")
		if err != nil {
			t.Fatal(err)
		}
		if got != v {
			t.Errorf("expected %q got %q", v, got)
		}
	}
}
