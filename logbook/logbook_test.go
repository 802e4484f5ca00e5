package logbook

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/aps-2idd/s2driver/pv"
)

func TestSinksFilterByLevel(t *testing.T) {
	var console, file bytes.Buffer
	l := New(&console, &file)
	l.Debug("scannum is 12")
	l.Info("Moved samx to 1.0000")

	if strings.Contains(console.String(), "scannum") {
		t.Errorf("expected debug kept off the console got %q", console.String())
	}
	con := regexp.MustCompile(`^\d\d:\d\d:\d\d Moved samx to 1.0000\n$`)
	if !con.MatchString(console.String()) {
		t.Errorf("console line %q does not match %s", console.String(), con)
	}
	lines := strings.Split(strings.TrimSpace(file.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 file lines got %d: %q", len(lines), file.String())
	}
	fl := regexp.MustCompile(`^\d\d/\d\d/\d{4} \d\d:\d\d:\d\d (AM|PM) DEBUG: scannum is 12$`)
	if !fl.MatchString(lines[0]) {
		t.Errorf("file line %q does not match %s", lines[0], fl)
	}
	if !strings.HasSuffix(lines[1], "INFO: Moved samx to 1.0000") {
		t.Errorf("unexpected file line %q", lines[1])
	}
}

func TestFieldsAreAppended(t *testing.T) {
	var file bytes.Buffer
	l := New(nil, &file)
	l.WithField("scan", 3).Warn("XEOL capture incomplete")
	if !strings.Contains(file.String(), "WARNING: XEOL capture incomplete scan=3") {
		t.Errorf("unexpected line %q", file.String())
	}
}

func TestOpenAppends(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "2024-1", "user")
	for i := 0; i < 2; i++ {
		l, c, err := Open(dir)
		if err != nil {
			t.Fatal(err)
		}
		l.Debug("session")
		c.Close()
	}
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(b), "DEBUG: session"); n != 2 {
		t.Errorf("expected 2 sessions in the logbook got %d", n)
	}
}

func TestExperimentDir(t *testing.T) {
	m := pv.NewMemory()
	m.Set("2idd:saveData_fileSystem", "//micdata/data1/2idd")
	m.Set("2idd:saveData_subDir", "2024-1/user")
	got, err := ExperimentDir(m, "2idd:", map[string]string{"//micdata/data1": "/mnt/micdata1"})
	if err != nil {
		t.Fatal(err)
	}
	expected := "/mnt/micdata1/2idd/2024-1/user"
	if got != expected {
		t.Errorf("expected %s got %s", expected, got)
	}
}
