// Package server wires together the ELA driver packages into a runnable
// process: flag parsing, logging setup, an HTTP server exposing wsapi, and
// an optional OS service wrapper.
package server

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"

	"github.com/ela-project/driver/src/ela-driver/acqsink"
	"github.com/ela-project/driver/src/ela-driver/framework"
	"github.com/ela-project/driver/src/ela-driver/session"
	"github.com/ela-project/driver/src/ela-driver/transport"
	"github.com/ela-project/driver/src/ela-driver/wsapi"
)

// Config holds the flags the process is started with.
type Config struct {
	Listen   string
	LogLevel string
}

// ParseFlags parses a command-line-shaped Config.
func ParseFlags(args []string) Config {
	flags := flag.NewFlagSet(framework.Info.Name, flag.ExitOnError)
	listen := flags.String("listen", "localhost:8182", "Address to serve the WebSocket API on")
	logLevel := flags.String("log-level", "info", "Log level (debug, info, warning, error)")
	flags.Parse(args)
	return Config{Listen: *listen, LogLevel: *logLevel}
}

func newLogger(level string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger.WithField("driver", framework.Info.Name)
}

// program adapts Run to the kardianos/service.Interface contract.
type program struct {
	cfg Config
	log *logrus.Entry

	cancel context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go run(ctx, p.cfg, p.log)
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// Command is the process entrypoint: plain args run in the foreground,
// "install"/"uninstall"/"start"/"stop" manage the OS service registration.
func Command(args []string) {
	if len(args) > 0 && (args[0] == "install" || args[0] == "uninstall" || args[0] == "start" || args[0] == "stop") {
		runServiceControl(args[0])
		return
	}

	cfg := ParseFlags(args)
	log := newLogger(cfg.LogLevel)
	run(context.Background(), cfg, log)
}

func runServiceControl(action string) {
	svc, err := newService(Config{Listen: "localhost:8182", LogLevel: "info"}, newLogger("info"))
	if err != nil {
		fmt.Printf("Could not create service: %v\n", err)
		os.Exit(1)
	}
	if err := service.Control(svc, action); err != nil {
		fmt.Printf("Could not %s service: %v\n", action, err)
		os.Exit(1)
	}
}

func newService(cfg Config, log *logrus.Entry) (service.Service, error) {
	svcConfig := &service.Config{
		Name:        framework.Info.Name,
		DisplayName: framework.Info.LongName,
		Description: framework.Info.LongName + " driver service",
	}
	return service.New(&program{cfg: cfg, log: log}, svcConfig)
}

// run wires the driver packages together and serves the WebSocket API until
// ctx is cancelled.
func run(ctx context.Context, cfg Config, log *logrus.Entry) {
	go startMonitor(log.WithField("component", "monitor"))

	t := transport.NewSerialTransport(log.WithField("component", "transport"))
	sink := acqsink.New(log.WithField("component", "acqsink"))
	sess := session.New(log.WithField("component", "session"), t, sink)
	handle := wsapi.New(log.WithField("component", "wsapi"), sess, sink)

	mux := http.NewServeMux()
	mux.Handle("/", handle)

	httpServer := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		sess.StopAcquisition()
		sink.Shutdown()
		httpServer.Close()
	}()

	log.WithField("listen", cfg.Listen).Info("Starting ELA driver.")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("HTTP server stopped unexpectedly.")
	}
}
