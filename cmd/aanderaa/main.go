package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/demo"
	"github.com/shaunagostinho/aanderaa-reader/internal/link"
	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
	"github.com/shaunagostinho/aanderaa-reader/internal/publish"
	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
	"github.com/shaunagostinho/aanderaa-reader/internal/server"
	"github.com/shaunagostinho/aanderaa-reader/internal/session"
	"github.com/shaunagostinho/aanderaa-reader/web"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/aanderaa/config.yaml"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: aanderaa <command> [flags]

commands:
  run        supervise every configured sensor and serve /ws, /api and /metrics
  identify   wake one sensor, report its identity and a suggested config entry
  configure  set the sampling interval on one sensor and verify it
  ports      list serial ports
  validate   check a config file
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCmd(args)
	case "identify":
		err = identifyCmd(args)
	case "configure":
		err = configureCmd(args)
	case "ports":
		err = portsCmd()
	case "validate":
		err = validateCmd(args)
	case "-h", "-help", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "aanderaa %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func setupLogger(cfg server.LoggingConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Warnf("open log file: %v, using stdout", err)
		}
	}

	return log
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	listenAddr := fs.String("listen", "", "Override listen address (e.g. :8080)")
	demoMode := fs.Bool("demo", false, "Run against simulated sensors")
	fs.Parse(args)

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *demoMode && len(cfg.Sensors) == 0 {
		for _, ds := range demo.Sensors() {
			cfg.Sensors = append(cfg.Sensors, server.SensorConfig{Name: ds.Name, Port: ds.Port, Type: string(ds.Type)})
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := setupLogger(cfg.Logging)
	log.Infof("[main] aanderaa starting with %d sensor(s), config %s", len(cfg.Sensors), cfg.Path())

	ctx, cancel := signalContext()
	defer cancel()

	deps := server.Deps{Log: log, Web: web.FS}
	if *demoMode {
		log.Info("[main] demo mode: sensors are simulated")
		deps.Open = demo.New(ctx, 2*time.Second).Open
	}
	if cfg.Redis.Enabled {
		pub, err := publish.NewRedis(ctx, cfg.PublishConfig(), logrus.NewEntry(log))
		if err != nil {
			// Readings still reach the dashboard and recorder without redis.
			log.Warnf("[main] redis disabled: %v", err)
		} else {
			deps.Publisher = pub
		}
	}

	srv := server.New(cfg, deps)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	log.Info("[main] stopped")
	return nil
}

// sensorFlags are shared by identify and configure.
type sensorFlags struct {
	config  *string
	name    *string
	port    *string
	baud    *int
	dialect *string
	debug   *bool
}

func addSensorFlags(fs *flag.FlagSet) sensorFlags {
	return sensorFlags{
		config:  fs.String("config", defaultConfigPath, "Path to config file"),
		name:    fs.String("sensor", "", "Configured sensor name"),
		port:    fs.String("port", "", "Serial port (overrides -sensor)"),
		baud:    fs.Int("baud", 9600, "Baud rate when -port is used"),
		dialect: fs.String("dialect", "auto", "Command dialect when -port is used: auto, fw2 or fw3"),
		debug:   fs.Bool("debug", false, "Log protocol traffic"),
	}
}

// resolve finds the endpoint to talk to: an explicit -port wins, otherwise
// the configured sensor with the given name.
func (f sensorFlags) resolve(cfg *server.Config) (sensor.Endpoint, error) {
	if *f.port != "" {
		name := *f.name
		if name == "" {
			name = *f.port
		}
		if _, err := protocol.ParseDialects(*f.dialect); err != nil {
			return sensor.Endpoint{}, err
		}
		return sensor.Endpoint{Name: name, Port: *f.port, BaudRate: *f.baud, Dialect: *f.dialect}, nil
	}
	if *f.name == "" {
		return sensor.Endpoint{}, errors.New("need -sensor or -port")
	}
	eps, err := cfg.Endpoints()
	if err != nil {
		return sensor.Endpoint{}, err
	}
	for _, ep := range eps {
		if ep.Name == *f.name {
			return ep, nil
		}
	}
	return sensor.Endpoint{}, fmt.Errorf("sensor %q not in %s", *f.name, cfg.Path())
}

func (f sensorFlags) open(cfg *server.Config) (*session.Session, *logrus.Logger, error) {
	log := setupLogger(cfg.Logging)
	if *f.debug {
		log.SetLevel(logrus.DebugLevel)
	}
	ep, err := f.resolve(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts := cfg.SessionOptions()
	opts.Log = log.WithField("component", "session")
	sess, err := session.New(ep, opts)
	if err != nil {
		return nil, nil, err
	}
	return sess, log, nil
}

func identifyCmd(args []string) error {
	fs := flag.NewFlagSet("identify", flag.ExitOnError)
	sf := addSensorFlags(fs)
	write := fs.Bool("write", false, "Add or update the sensor entry in the config file")
	fs.Parse(args)

	cfg, err := server.LoadConfig(*sf.config)
	if err != nil {
		return err
	}
	sess, log, err := sf.open(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	if err := sess.Identify(ctx); err != nil {
		if !errors.Is(err, session.ErrIdentityIncomplete) {
			return err
		}
		log.Warnf("[identify] %v", err)
	}

	st := sess.Status()
	out, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(out))

	ep := sess.Endpoint()
	entry := server.SensorConfig{
		Name:     ep.Name,
		Port:     ep.Port,
		BaudRate: ep.BaudRate,
		Timeout:  ep.Timeout,
		Type:     string(sess.Type()),
		Dialect:  ep.Dialect,
	}
	// The dialect is only known once a command has been answered.
	if sess.Mode() == link.ModeTerminal {
		entry.Dialect = st.Dialect
	}
	if entry.Name == "" || entry.Name == entry.Port {
		entry.Name = suggestName(sess.Type(), sess.Identity())
	}
	snippet, err := yaml.Marshal(map[string][]server.SensorConfig{"sensors": {entry}})
	if err != nil {
		return err
	}
	fmt.Printf("\n# suggested config\n%s", snippet)

	if *write {
		cfg.UpsertSensor(entry)
		if err := cfg.Save(); err != nil {
			return err
		}
		log.Infof("[identify] wrote %s to %s", entry.Name, cfg.Path())
	}
	return nil
}

func suggestName(t sensor.Type, id sensor.Identity) string {
	name := string(t)
	if t == sensor.TypeUnknown || name == "" {
		name = "sensor"
	}
	if id.SerialNumber != "" {
		name += "-" + id.SerialNumber
	}
	return name
}

func configureCmd(args []string) error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	sf := addSensorFlags(fs)
	interval := fs.Duration("interval", 0, "Sampling interval (e.g. 30s); defaults to the configured value")
	reset := fs.Bool("reset", false, "Reset the sensor after saving")
	passkey := fs.String("passkey", "", "Passkey sent before the first Set")
	fs.Parse(args)

	cfg, err := server.LoadConfig(*sf.config)
	if err != nil {
		return err
	}
	sess, log, err := sf.open(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	req, _ := cfg.ConfigRequest(sess.Endpoint().Label())
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interval":
			req.Interval = *interval
		case "reset":
			req.Reset = *reset
		case "passkey":
			req.Passkey = *passkey
		}
	})
	if req.Interval <= 0 {
		return errors.New("-interval is required when the sensor has no configure block")
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	res, err := sess.Configure(ctx, req)
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		return err
	}
	log.Infof("[configure] %s: interval %gs verified=%v in %v", sess.Endpoint().Label(), res.Interval, res.Verified, time.Since(start).Round(time.Millisecond))
	return nil
}

func portsCmd() error {
	ports, err := link.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("%s\tusb %s:%s serial=%s %s\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		} else {
			fmt.Println(p.Name)
		}
	}
	return nil
}

func validateCmd(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Parse(args)

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d sensors)\n", cfg.Path(), len(cfg.Sensors))
	return nil
}
