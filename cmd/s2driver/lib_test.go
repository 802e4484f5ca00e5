package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aps-2idd/s2driver/logbook"
	"github.com/aps-2idd/s2driver/motion"
)

func TestOpenPVUnknownBackend(t *testing.T) {
	c := defaultConfig()
	c.PV.Backend = "carrier-pigeon"
	if _, _, _, err := openPV(c); err == nil {
		t.Error("expected an error for an unknown backend")
	}
}

func TestSetupMock(t *testing.T) {
	c := defaultConfig()
	c.Mock = true
	c.MockDir = t.TempDir()
	e, err := Setup(c, motion.Deny)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if !e.session.XEOL.IsPresent() {
		t.Error("expected the mock spectrometer to be present")
	}
	n, err := e.session.NextScanNumber()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected %v got %v", 1, n)
	}
	dir, err := e.session.ExperimentDir()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, logbook.FileName)); err != nil {
		t.Errorf("expected the logbook in %s, %v", dir, err)
	}
}
