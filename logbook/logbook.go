/*Package logbook is the beamline logbook.  Every session writes the full
DEBUG record to s2driver.log in the experiment directory and an INFO summary
to the console:

	07/22/2020 03:04:05 PM INFO: Moved samx to 12.0000    (s2driver.log)
	03:04:05 Moved samx to 12.0000                        (stdout)

The logger is a plain *logrus.Logger; each sink is a hook with its own level
and formatter.
*/
package logbook

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aps-2idd/s2driver/pv"
	"github.com/sirupsen/logrus"
)

// FileName is the logbook file in the experiment directory
const FileName = "s2driver.log"

const (
	// FileTimeFormat stamps lines of the logbook file
	FileTimeFormat = "01/02/2006 03:04:05 PM"

	// ConsoleTimeFormat stamps lines on the console
	ConsoleTimeFormat = "03:04:05"
)

// Formatter renders "<time> [LEVEL: ]message key=value..."
type Formatter struct {
	TimestampFormat string
	ShowLevel       bool
}

// Format implements logrus.Formatter
func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(e.Time.Format(f.TimestampFormat))
	b.WriteByte(' ')
	if f.ShowLevel {
		b.WriteString(strings.ToUpper(e.Level.String()))
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// Sink is a hook writing entries at or above Level to W
type Sink struct {
	W         io.Writer
	Level     logrus.Level
	Formatter logrus.Formatter

	mu sync.Mutex
}

// Levels implements logrus.Hook
func (s *Sink) Levels() []logrus.Level {
	out := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= s.Level {
			out = append(out, l)
		}
	}
	return out
}

// Fire implements logrus.Hook
func (s *Sink) Fire(e *logrus.Entry) error {
	b, err := s.Formatter.Format(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.W.Write(b)
	return err
}

// New returns a logger writing INFO to console and DEBUG to file.  Either
// writer may be nil.
func New(console, file io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	if console != nil {
		l.AddHook(&Sink{W: console, Level: logrus.InfoLevel,
			Formatter: &Formatter{TimestampFormat: ConsoleTimeFormat}})
	}
	if file != nil {
		l.AddHook(&Sink{W: file, Level: logrus.DebugLevel,
			Formatter: &Formatter{TimestampFormat: FileTimeFormat, ShowLevel: true}})
	}
	return l
}

// Open appends to the logbook in dir, creating it if needed, and logs to
// stdout.  Close the returned file when the session ends.
func Open(dir string) (*logrus.Logger, io.Closer, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, nil, err
	}
	return New(os.Stdout, f), f, nil
}

// Discard returns a logger that writes nowhere
func Discard() *logrus.Logger {
	return New(nil, nil)
}

// ExperimentDir returns the local path of the experiment directory, the
// saveData fileSystem joined with subDir.  mounts rewrites network prefixes
// of fileSystem, e.g. "//micdata/data1" => "/mnt/micdata1".
func ExperimentDir(g pv.Getter, prefix string, mounts map[string]string) (string, error) {
	fs, err := g.GetString(prefix + "saveData_fileSystem")
	if err != nil {
		return "", err
	}
	sub, err := g.GetString(prefix + "saveData_subDir")
	if err != nil {
		return "", err
	}
	return filepath.Join(Rewrite(strings.TrimSpace(fs), mounts), strings.TrimSpace(sub)), nil
}

// Rewrite replaces the longest matching prefix of path from mounts
func Rewrite(path string, mounts map[string]string) string {
	best := ""
	for from := range mounts {
		if strings.HasPrefix(path, from) && len(from) > len(best) {
			best = from
		}
	}
	if best == "" {
		return path
	}
	return mounts[best] + strings.TrimPrefix(path, best)
}
