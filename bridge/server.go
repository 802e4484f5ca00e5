package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/aps-2idd/s2driver/beamline"
	"github.com/aps-2idd/s2driver/generichttp"
	"github.com/aps-2idd/s2driver/generichttp/motion"
	"github.com/aps-2idd/s2driver/logbook"
	"github.com/aps-2idd/s2driver/scan"
	"github.com/aps-2idd/s2driver/server"
	"github.com/aps-2idd/s2driver/server/middleware/locker"
	"github.com/aps-2idd/s2driver/xeol"
	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server executes bridge requests against a session
type Server struct {
	Session *beamline.Session

	// Lock refuses HTTP changes to the endstation.  Dispatch holds it while a
	// scan runs, which POST /lock cannot undo.
	Lock *locker.Locker

	Log logrus.FieldLogger

	upgrader websocket.Upgrader
	jobs     chan job

	// done is closed when Run returns; stopped is set under mu once no more
	// jobs will be taken
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

type job struct {
	req  Request
	peer *peer
}

// peer is one websocket connection; writes are serialized
type peer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peer) send(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, b)
}

// NewServer returns a server for s.  Call Run to start executing requests.
func NewServer(s *beamline.Session, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logbook.Discard()
	}
	return &Server{
		Session: s,
		Lock:    locker.New(),
		Log:     log,
		jobs:    make(chan job, 64),
		done:    make(chan struct{}),
	}
}

// ErrStopped is sent to clients whose requests arrive after Run has returned
var ErrStopped = errors.New("bridge server is shutting down")

// Run executes queued requests one at a time until ctx is done.  Each is
// acknowledged to the connection it came from; requests still queued when ctx
// is done are answered with an error.  Run must be called only once.
func (s *Server) Run(ctx context.Context) error {
	defer s.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-s.jobs:
			ack := s.Dispatch(ctx, j.req)
			if err := j.peer.send(ack); err != nil {
				s.Log.WithError(err).Infof("could not acknowledge %s %s", j.req.Type(), j.req.RequestID())
			}
		}
	}
}

func (s *Server) stop() {
	close(s.done)
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	for {
		select {
		case j := <-s.jobs:
			s.refuse(j.peer, j.req)
		default:
			return
		}
	}
}

func (s *Server) refuse(p *peer, req Request) {
	if err := p.send(&Error{Message: ErrStopped.Error(), ID: req.RequestID()}); err != nil {
		s.Log.WithError(err).Infof("could not refuse %s %s", req.Type(), req.RequestID())
	}
}

// enqueue hands a request to Run, or refuses it once Run has returned
func (s *Server) enqueue(p *peer, req Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		s.refuse(p, req)
		return
	}
	select {
	case s.jobs <- job{req: req, peer: p}:
	case <-s.done:
		s.refuse(p, req)
	}
}

// Dispatch runs a request to completion and returns its acknowledgement
func (s *Server) Dispatch(ctx context.Context, req Request) *ScanComplete {
	s.Lock.Hold()
	defer s.Lock.Release()

	var (
		res scan.Result
		err error
		ss  = s.Session
	)
	s.Log.Infof("bridge: running %s %s", req.Type(), req.RequestID())
	switch m := req.(type) {
	case *Scan1D:
		if m.XEOL {
			res, err = ss.Scan1DXEOL(ctx, m.Scan1D)
		} else {
			res, err = ss.Scan1D(ctx, m.Scan1D)
		}
	case *Scan2D:
		if m.XEOL {
			res, err = ss.Scan2DXEOL(ctx, m.Scan2D)
		} else {
			res, err = ss.Scan2D(ctx, m.Scan2D)
		}
	case *Flyscan2D:
		res, err = ss.Flyscan2D(ctx, m.Flyscan2D)
	case *Timeseries:
		if m.XEOL {
			res, err = ss.TimeseriesXEOL(ctx, m.Timeseries)
		} else {
			res, err = ss.Timeseries(ctx, m.Timeseries)
		}
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownType, req.Type())
	}

	ack := &ScanComplete{ID: req.RequestID(), State: res.State.String()}
	if next, nerr := ss.NextScanNumber(); nerr == nil {
		ack.ScanNumber = next - 1
	} else {
		ack.ScanNumber = res.Scan
	}
	if err != nil {
		s.Log.WithError(err).Errorf("bridge: %s %s failed", req.Type(), req.RequestID())
		ack.Error = err.Error()
	}
	return ack
}

// ServeWS upgrades the connection and reads messages from it until it closes
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.WithError(err).Info("bridge: websocket upgrade")
		return
	}
	defer ws.Close()
	p := &peer{ws: ws}
	s.Log.Infof("bridge: client connected from %s", r.RemoteAddr)
	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			s.Log.Infof("bridge: client %s gone", r.RemoteAddr)
			return
		}
		s.handle(p, b)
	}
}

func (s *Server) handle(p *peer, b []byte) {
	m, err := Decode(b)
	if err != nil {
		s.Log.WithError(err).Info("bridge: rejected message")
		p.send(&Error{Message: err.Error()})
		return
	}
	switch m := m.(type) {
	case Request:
		s.enqueue(p, m)
	case *GetSavePath:
		dir, err := s.Session.SaveDir()
		if err != nil {
			p.send(&Error{Message: err.Error()})
			return
		}
		p.send(&SaveDir{SaveDir: dir})
	default:
		p.send(&Error{Message: fmt.Sprintf("%s is not a request", m.Type())})
	}
}

func (s *Server) recorder() (*xeol.Recorder, error) {
	root, err := s.Session.ExperimentDir()
	if err != nil {
		return nil, err
	}
	base, err := s.Session.BaseName()
	if err != nil {
		return nil, err
	}
	return &xeol.Recorder{Root: root, Prefix: base}, nil
}

func (s *Server) latestXEOL(w http.ResponseWriter, r *http.Request) {
	rec, err := s.recorder()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	n, err := rec.Latest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if n < 0 {
		http.Error(w, "no XEOL scans saved yet", http.StatusNotFound)
		return
	}
	server.ReplyWithFile(w, r, filepath.Base(rec.File(n)), rec.Dir())
}

func (s *Server) saveDir(w http.ResponseWriter, r *http.Request) {
	dir, err := s.Session.SaveDir()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dir)
}

func (s *Server) filter(insert bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if insert {
			err = s.Session.InsertFilter(idx)
		} else {
			err = s.Session.RemoveFilter(idx)
		}
		if errors.Is(err, beamline.ErrBadFilter) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// RT is the endstation's route table, excluding the motors
func (s *Server) RT() generichttp.RouteTable {
	get := func(path string) generichttp.MethodPath {
		return generichttp.MethodPath{Method: http.MethodGet, Path: path}
	}
	post := func(path string) generichttp.MethodPath {
		return generichttp.MethodPath{Method: http.MethodPost, Path: path}
	}
	rt := generichttp.RouteTable{
		get("/busy"):                   generichttp.GetBool(func() (bool, error) { return s.Session.Busy(), nil }),
		get("/scan-number"):            generichttp.GetInt(s.Session.NextScanNumber),
		get("/savedir"):                s.saveDir,
		get("/basename"):               generichttp.GetString(s.Session.BaseName),
		get("/xeol/latest"):            s.latestXEOL,
		get("/xeol/present"):           generichttp.GetBool(func() (bool, error) { return s.Session.XEOL.IsPresent(), nil }),
		post("/shutter/open"):          generichttp.Proc(s.Session.OpenShutter),
		post("/shutter/close"):         generichttp.Proc(s.Session.CloseShutter),
		post("/filter/{index}/insert"): s.filter(true),
		post("/filter/{index}/remove"): s.filter(false),
	}
	locker.Inject(rt, s.Lock)
	return rt
}

// Mux builds the HTTP interface: the websocket at /ws, the endstation
// routes, and the motors under /motors guarded by their thresholds.  Every
// change is refused while a scan holds the lock.
func (s *Server) Mux() chi.Router {
	root := chi.NewRouter()
	root.Get("/ws", s.ServeWS)

	rt := s.RT()
	root.Group(func(r chi.Router) {
		r.Use(s.Lock.Check)
		rt.Bind(r)
	})

	motors := motion.NewHTTPMotor(s.Session.Motors)
	thresh := &motion.ThresholdMiddleware{Axes: s.Session.Motors}
	thresh.Inject(motors)
	root.Route(generichttp.SubMuxSanitize("motors"), func(r chi.Router) {
		r.Use(s.Lock.Check, thresh.Check)
		motors.RT().Bind(r)
	})

	endpoints := append(rt.Endpoints(), prefixed("/motors", motors.RT().Endpoints())...)
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(endpoints)
	})
	return root
}

func prefixed(prefix string, endpoints []string) []string {
	out := make([]string, len(endpoints))
	for i, e := range endpoints {
		var method, path string
		fmt.Sscanf(e, "%s %s", &method, &path)
		out[i] = method + " " + prefix + path
	}
	return out
}
