package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aps-2idd/s2driver/archive"
	"github.com/aps-2idd/s2driver/beamline"
	"github.com/aps-2idd/s2driver/bridge"
	"github.com/aps-2idd/s2driver/logbook"
	"github.com/aps-2idd/s2driver/motion"
	"github.com/aps-2idd/s2driver/pv"
	"github.com/aps-2idd/s2driver/sim"
	"github.com/aps-2idd/s2driver/xeol"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"
)

// PVConfig selects the PV backend
type PVConfig struct {
	// Backend is one of memory, redis, or gateway.  memory is always the
	// simulated endstation.
	Backend string `yaml:"Backend" koanf:"Backend"`

	// Addr is the redis server or the gateway's host:port or serial port.
	// An empty redis address starts an embedded server.
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial selects RS-232 for the gateway
	Serial bool `yaml:"Serial" koanf:"Serial"`

	// Prefix is prepended to redis keys
	Prefix string `yaml:"Prefix" koanf:"Prefix"`

	// RatePerSec paces gateway requests, 0 for no limit
	RatePerSec float64 `yaml:"RatePerSec" koanf:"RatePerSec"`
}

// Config is the s2driver configuration
type Config struct {
	// Addr is where serve listens
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Bridge is the websocket the scan command dials
	Bridge string `yaml:"Bridge" koanf:"Bridge"`

	// Mock runs against the simulated endstation with a mock spectrometer
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// MockDir holds the files of the simulated endstation
	MockDir string `yaml:"MockDir" koanf:"MockDir"`

	PV PVConfig `yaml:"PV" koanf:"PV"`

	// Archive is used when its URL is not empty
	Archive archive.Config `yaml:"Archive" koanf:"Archive"`

	Beamline beamline.Config `yaml:"Beamline" koanf:"Beamline"`
}

func defaultConfig() Config {
	return Config{
		Addr:     ":8000",
		Bridge:   "ws://localhost:8000/ws",
		MockDir:  filepath.Join(os.TempDir(), "s2driver"),
		PV:       PVConfig{Backend: "gateway", Addr: "localhost:5064", RatePerSec: 200},
		Beamline: beamline.DefaultConfig(),
	}
}

// endstation is everything serve opened
type endstation struct {
	session *beamline.Session
	closers []io.Closer
}

func (e *endstation) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i].Close()
	}
}

// openPV returns the PV client c selects, with the simulated IOC behind it in
// mock mode.  The closer is nil when there is nothing to close.
func openPV(c Config) (pv.Client, *sim.IOC, io.Closer, error) {
	if c.Mock || strings.ToLower(c.PV.Backend) == "memory" {
		m := pv.NewMemory()
		ioc := sim.Endstation(m, c.MockDir)
		ioc.UseDwell = true
		return m, ioc, nil, nil
	}
	switch strings.ToLower(c.PV.Backend) {
	case "redis":
		r, err := pv.NewRedis(c.PV.Addr, c.PV.Prefix)
		if err != nil {
			return nil, nil, nil, err
		}
		return r, nil, r, nil
	case "gateway":
		g := pv.NewGateway(c.PV.Addr, c.PV.Serial, c.PV.RatePerSec)
		return g, nil, g, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown PV backend %q, must be memory, redis, or gateway", c.PV.Backend)
	}
}

// openLog opens the logbook in the experiment directory, falling back to
// the console alone if the directory cannot be determined
func openLog(c Config, client pv.Getter) (*logrus.Logger, io.Closer) {
	dir, err := logbook.ExperimentDir(client, c.Beamline.Prefix, c.Beamline.Mounts)
	if err == nil {
		l, closer, err := logbook.Open(dir)
		if err == nil {
			l.Infof("logbook in %s", dir)
			return l, closer
		}
		log.Printf("unable to open logbook in %s: %v", dir, err)
	} else {
		log.Printf("unable to determine experiment directory: %v", err)
	}
	return logbook.New(os.Stdout, nil), nil
}

// Setup connects to the endstation described by c.  confirm is asked about
// large moves.
func Setup(c Config, confirm motion.Confirmer) (*endstation, error) {
	e := &endstation{}
	client, ioc, closer, err := openPV(c)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		e.closers = append(e.closers, closer)
	}
	if ioc != nil {
		if err := os.MkdirAll(c.MockDir, 0777); err != nil {
			e.Close()
			return nil, err
		}
	}

	l, logCloser := openLog(c, client)
	if logCloser != nil {
		e.closers = append(e.closers, logCloser)
	}

	var spec xeol.Spectrometer
	if c.Mock {
		m := xeol.NewMock()
		m.TimeScale = 1
		spec = m
	}
	sess, err := beamline.New(c.Beamline, client, confirm, spec, l)
	if err != nil {
		e.Close()
		return nil, err
	}
	if !sess.XEOL.IsPresent() {
		l.Info("XEOL spectrometer is not present, XEOL scans are disabled")
	}
	if c.Archive.URL != "" {
		arch, err := archive.NewInflux(c.Archive)
		if err != nil {
			e.Close()
			return nil, err
		}
		sess.Archive = arch
		e.closers = append(e.closers, arch)
	}
	if ioc != nil {
		// the simulated fly scan writes a placeholder for its detector file
		ioc.OnFinish = func(record string, n int) {
			if record != c.Beamline.Fly1.Record {
				return
			}
			p, err := sess.H5Path(n)
			if err != nil {
				return
			}
			os.MkdirAll(filepath.Dir(p), 0777)
			os.WriteFile(p, nil, 0666)
		}
	}
	e.session = sess
	return e, nil
}

// BuildMux wraps the bridge server's routes with request logging
func BuildMux(srv *bridge.Server) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Mount("/", srv.Mux())
	return root
}

// spinner follows a blocking bridge call on the terminal
func spinner(msg string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

// submit sends one request to the bridge and waits for it, with a spinner
// showing the elapsed time
func submit(ctx context.Context, url string, req bridge.Request) (*bridge.ScanComplete, error) {
	c, err := bridge.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	c.WaitInterval = 250 * time.Millisecond

	sp, err := spinner(fmt.Sprintf("%s sent, waiting for scan_complete", req.Type()))
	if err != nil {
		return nil, err
	}
	sp.Start()
	start := time.Now()
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				sp.Message(fmt.Sprintf("%s running for %v", req.Type(), time.Since(start).Round(time.Second)))
			}
		}
	}()
	ack, err := c.Submit(ctx, req, true)
	close(done)
	if err != nil {
		sp.StopFailMessage(err.Error())
		sp.StopFail()
		return ack, err
	}
	sp.StopMessage(fmt.Sprintf("scan %d complete in %v", ack.ScanNumber, time.Since(start).Round(time.Millisecond)))
	sp.Stop()
	return ack, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal(err)
	}
}

func listen(addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h}
	return srv.ListenAndServe()
}
