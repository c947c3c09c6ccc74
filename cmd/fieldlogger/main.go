// Command fieldlogger runs the logger runtime on a host: file-backed
// non-volatile storage, a directory standing in for the SD card, MQTT
// towards the cloud and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"fieldlogger/bus"
	"fieldlogger/controller"
	"fieldlogger/nvstore"
	"fieldlogger/peripherals"
	_ "fieldlogger/peripherals/example"
	_ "fieldlogger/peripherals/linesensor"
	"fieldlogger/sdlog"
	"fieldlogger/serialio"
	"fieldlogger/serialreader"
	"fieldlogger/services/cloud"
	"fieldlogger/services/config"
	"fieldlogger/services/metrics"
	"fieldlogger/services/runtime"
	"fieldlogger/x/timex"
)

var version = "dev"

// exitRestart asks the supervisor to start the process again.
const exitRestart = 3

func main() {
	configPath := flag.String("config", "", "YAML file overlaid on the embedded defaults")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("fieldlogger", version)
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.DateTime}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, log, *configPath)
	if err != nil {
		log.Error("fieldlogger failed", "err", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(ctx context.Context, log *slog.Logger, configPath string) (int, error) {
	cfg, err := config.Load("host", configPath)
	if err != nil {
		return 0, err
	}
	if cfg.Controller.Version == "" || cfg.Controller.Version == "dev" {
		cfg.Controller.Version = version
	}

	store, err := nvstore.OpenFile(cfg.NV.Path, int64(cfg.NV.Size))
	if err != nil {
		return 0, err
	}
	defer store.Close()

	session := uuid.NewString()
	rc, err := cfg.Controller.Runtime(session, cfg.SD)
	if err != nil {
		return 0, err
	}
	resetFile := cfg.NV.Path + ".reset"
	rc.PastReset = readResetKind(resetFile)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := bus.NewBus(16)
	config.NewService(cfg).Start(ctx, b.NewConnection("config"))

	cloudCfg := cloud.Config{
		Broker:         cfg.Cloud.Broker,
		Prefix:         cfg.Cloud.Prefix,
		Device:         cfg.Controller.Name,
		ClientID:       cfg.Cloud.ClientID,
		QoS:            byte(cfg.Cloud.QoS),
		KeepAlive:      time.Duration(cfg.Cloud.KeepAliveS) * time.Second,
		ConnectTimeout: time.Duration(cfg.Cloud.ConnectTimeoutMs) * time.Millisecond,
	}
	if cloudCfg.Device == "" {
		cloudCfg.Device = session[:8]
	}
	link := cloud.New(cloudCfg, b.NewConnection("cloud"), log)

	obs := metrics.New()

	var sink sdlog.Sink
	if cfg.SD.Dir != "" {
		sink = sdlog.NewDir(cfg.SD.Dir)
	}

	restart := make(chan controller.ResetKind, 1)
	rtConn := b.NewConnection("runtime")
	ctrl := controller.New(rc, store, controller.Options{
		Clock:      timex.NewSystem(),
		Log:        log,
		Publisher:  link,
		Sink:       sink,
		Observer:   obs,
		OnVariable: runtime.VariablePublisher(rtConn),
		Restart: func(kind controller.ResetKind) {
			select {
			case restart <- kind:
			default:
			}
		},
	})

	var port serialreader.Port
	if cfg.Serial.Device != "" {
		f, err := os.OpenFile(cfg.Serial.Device, os.O_RDWR, 0)
		if err != nil {
			return 0, err
		}
		p := serialio.Open(ctx, serialio.Stream(f), 0)
		defer p.Close()
		port = p
	}
	comps, err := peripherals.Build(cfg.Peripherals, nil, port)
	if err != nil {
		return 0, err
	}
	for _, c := range comps {
		if err := ctrl.Register(c); err != nil {
			return 0, err
		}
	}
	if err := ctrl.Init(); err != nil {
		return 0, err
	}
	log.Info("fieldlogger started", "version", rc.Version, "session", session, "peripherals", len(comps), "past_reset", rc.PastReset)

	go func() {
		if err := link.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("cloud link stopped", "err", err)
		}
	}()
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := obs.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	tick := time.Duration(cfg.Controller.TickMs) * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- runtime.New(ctrl, rtConn, tick, log).Run(ctx) }()

	select {
	case kind := <-restart:
		log.Warn("restarting", "reason", kind)
		writeResetKind(resetFile, kind, log)
		cancel()
		<-done
		return exitRestart, nil
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return 0, nil
		}
		return 0, err
	}
}

// readResetKind returns the reason recorded before the last restart and
// clears it, so a crash reads as undefined.
func readResetKind(path string) controller.ResetKind {
	b, err := os.ReadFile(path)
	_ = os.Remove(path)
	if err != nil || len(b) != 1 {
		return controller.ResetUndefined
	}
	return controller.ResetKind(b[0])
}

func writeResetKind(path string, kind controller.ResetKind, log *slog.Logger) {
	if err := os.WriteFile(path, []byte{byte(kind)}, 0o644); err != nil {
		log.Warn("reset reason not recorded", "err", err)
	}
}
