package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/aps-2idd/s2driver/bridge"
	"github.com/aps-2idd/s2driver/motion"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sevlyar/go-daemon"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "s2driver.yml"

	// EnvPrefix marks environment variables that override the config file,
	// e.g. S2DRIVER_PV_BACKEND=redis
	EnvPrefix = "S2DRIVER_"

	k = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}

	// .env is optional too
	godotenv.Load()
	keys := make(map[string]string)
	for _, key := range k.Keys() {
		keys[strings.ToLower(key)] = key
	}
	k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ReplaceAll(strings.ToLower(s), "_", ".")
		return keys[s]
	}), nil)
}

func loadconf() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `s2driver drives scans at the 2-ID-D microprobe endstation and exposes them
to remote clients over a websocket bridge and a small HTTP interface.

Usage:
	s2driver <command>

Commands:
	serve [-d]
	scan '<json request>'
	savedir
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `s2driver is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Use mkconf to write the defaults to s2driver.yml.  Any key may be overridden
from the environment or a .env file with the S2DRIVER_ prefix, nesting
replaced by underscores, e.g.

	S2DRIVER_MOCK=true
	S2DRIVER_PV_BACKEND=redis
	S2DRIVER_BEAMLINE_STRICTMOTION=true

PV backends, the PV.Backend field:
- memory: the simulated endstation, also selected by Mock
- redis: PVs mirrored as redis keys, an empty Addr starts an embedded server
- gateway: a line protocol gateway on TCP, or RS-232 when Serial is set

serve runs the bridge at ws://<Addr>/ws.  -d detaches it from the terminal,
in which case moves past a motor's threshold are refused instead of asking.

scan sends one request to the bridge and blocks until it is acknowledged,
for example

	s2driver scan '{"type":"scan2d","startpos1":0,"endpos1":1,"numpts1":5,
		"startpos2":0,"endpos2":1,"numpts2":5,"dwelltime":100,"absolute":true}'

Request types: scan1d, scan1d_xeol, scan2d, scan2d_xeol, flyscan2d,
timeseries, timeseries_xeol.  Dwell times are in ms.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconf()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconf()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("s2driver version %v\n", Version)
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	detach := fs.Bool("d", false, "run as a daemon")
	fs.Parse(args)

	c := loadconf()
	var confirm motion.Confirmer = &motion.Prompt{In: os.Stdin, Out: os.Stdout}
	if *detach {
		ctxt := &daemon.Context{}
		d, err := ctxt.Reborn()
		if err != nil {
			log.Fatal("unable to daemonize: ", err)
		}
		if d != nil {
			return
		}
		defer ctxt.Release()
		confirm = motion.Deny
	}

	e, err := Setup(c, confirm)
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	srv := bridge.NewServer(e.session, e.session.Log)
	go srv.Run(ctx)

	mux := BuildMux(srv)
	e.session.Log.Infof("now listening for requests at %s, mock=%v", c.Addr, c.Mock)
	errs := make(chan error, 1)
	go func() { errs <- listen(c.Addr, mux) }()
	select {
	case err := <-errs:
		e.session.Log.WithError(err).Error("server stopped")
	case <-ctx.Done():
		e.session.Log.Info("interrupted, shutting down")
	}
}

func scan(args []string) {
	if len(args) != 1 {
		log.Fatal("scan takes exactly one argument, the JSON request")
	}
	c := loadconf()
	m, err := bridge.Decode([]byte(args[0]))
	if err != nil {
		log.Fatal(err)
	}
	req, ok := m.(bridge.Request)
	if !ok {
		log.Fatalf("%s is not a scan request", m.Type())
	}
	switch r := req.(type) {
	case *bridge.Scan1D:
		r.ID = bridge.NewID()
		err = r.Validate()
	case *bridge.Scan2D:
		r.ID = bridge.NewID()
		err = r.Validate()
	case *bridge.Flyscan2D:
		r.ID = bridge.NewID()
		err = r.Validate()
	case *bridge.Timeseries:
		r.ID = bridge.NewID()
		err = r.Validate()
	}
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ack, err := submit(ctx, c.Bridge, req)
	if ack != nil {
		printJSON(ack)
	}
	if err != nil {
		os.Exit(1)
	}
}

func savedir() {
	c := loadconf()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	cl, err := bridge.Dial(ctx, c.Bridge)
	if err != nil {
		log.Fatal(err)
	}
	defer cl.Close()
	d, err := cl.GetSaveDir(ctx)
	if err != nil {
		log.Fatal(err)
	}
	printJSON(d.SaveDir)
	fmt.Println("XRF: ", d.XRFDir())
	fmt.Println("XEOL:", d.XEOLDir())
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "serve", "run":
		serve(args[2:])
	case "scan":
		scan(args[2:])
	case "savedir":
		savedir()
	default:
		log.Fatal("unknown command")
	}
}
