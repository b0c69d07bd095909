// ABOUTME: Entry point for the lansound receiver
// ABOUTME: Parses flags and config, selects the playback backend, and runs the server
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chrisjbillington/lansound/internal/backend"
	"github.com/chrisjbillington/lansound/internal/config"
	"github.com/chrisjbillington/lansound/internal/server"
	"github.com/chrisjbillington/lansound/internal/session"
	"github.com/chrisjbillington/lansound/internal/version"
)

var (
	configPath   = flag.String("config", "", "JSON configuration file")
	port         = flag.Int("port", session.DefaultPort, "Port to listen on")
	name         = flag.String("name", "", "Advertised instance name (default: hostname)")
	latencyMs    = flag.Int("latency", 200, "Initial playback latency in milliseconds")
	backendKind  = flag.String("backend", "oto", "Playback backend: oto or pipe")
	playbackPipe = flag.String("playback-pipe", "", "FIFO to write playback audio to (backend=pipe)")
	noMDNS       = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	useTUI       = flag.Bool("tui", false, "Show the terminal status display")
	logLevel     = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	logFile      = flag.String("log-file", "", "Also append logs to this file")
)

func main() {
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if *configPath != "" {
		f, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("configuration rejected")
		}
		applyFile(f, set)
	}

	closeLog, err := setupLogging(*logLevel, *logFile)
	if err != nil {
		logrus.WithError(err).Fatal("logging setup failed")
	}
	if closeLog != nil {
		defer closeLog.Close()
	}

	if err := config.ValidateLatency(*latencyMs); err != nil {
		logrus.WithError(err).Fatal("bad latency")
	}
	if err := config.ValidatePort(*port); err != nil {
		logrus.WithError(err).Fatal("bad port")
	}

	serverName := *name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "lansound-server"
		}
		serverName = hostname
	}

	// Pump failures in the pipe backend surface here after the server is
	// built, so route them through a channel.
	backendErrs := make(chan error, 1)
	factory, err := buildFactory(*backendKind, *playbackPipe, func(err error) {
		select {
		case backendErrs <- err:
		default:
		}
	})
	if err != nil {
		logrus.WithError(err).Fatal("backend setup failed")
	}

	srv, err := server.New(server.Config{
		Name:       serverName,
		Port:       *port,
		Latency:    time.Duration(*latencyMs) * time.Millisecond,
		EnableMDNS: !*noMDNS,
		UseTUI:     *useTUI,
		Factory:    factory,
	})
	if err != nil {
		logrus.WithError(err).Fatal("server setup failed")
	}

	go func() {
		err := <-backendErrs
		srv.Fail(err)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("shutting down")
		srv.Stop()
	}()

	logrus.WithFields(logrus.Fields{
		"version": version.Version,
		"name":    serverName,
		"backend": *backendKind,
	}).Info("receiver starting")

	if err := srv.Start(); err != nil {
		logrus.WithError(err).Fatal("server failed")
	}
}

// buildFactory selects the playback backend. The pipe backend reopens its
// FIFO on every pipeline rebuild; the open blocks until a consumer attaches.
func buildFactory(kind, pipe string, onErr func(error)) (backend.Factory, error) {
	switch kind {
	case "oto":
		return backend.NewOtoHandle, nil
	case "pipe":
		if pipe == "" {
			return nil, fmt.Errorf("backend=pipe requires -playback-pipe")
		}
		return func(format backend.Format, src io.Reader) (backend.Handle, error) {
			w, err := os.OpenFile(pipe, os.O_WRONLY, 0)
			if err != nil {
				return nil, fmt.Errorf("open playback pipe: %w", err)
			}
			return backend.NewPipeHandle(format, src, w, onErr), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown playback backend %q", kind)
	}
}

// applyFile overlays config file values under flags the user did not pass.
func applyFile(f *config.File, set map[string]bool) {
	if f.Name != nil && !set["name"] {
		*name = *f.Name
	}
	if f.Port != nil && !set["port"] {
		*port = *f.Port
	}
	if f.LatencyMs != nil && !set["latency"] {
		*latencyMs = *f.LatencyMs
	}
	if f.Backend != nil && !set["backend"] {
		*backendKind = *f.Backend
	}
	if f.PlaybackPipe != nil && !set["playback-pipe"] {
		*playbackPipe = *f.PlaybackPipe
	}
	if f.TUI != nil && !set["tui"] {
		*useTUI = *f.TUI
	}
	if f.LogLevel != nil && !set["log-level"] {
		*logLevel = *f.LogLevel
	}
	if f.LogFile != nil && !set["log-file"] {
		*logFile = *f.LogFile
	}
}

func setupLogging(level, file string) (io.Closer, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(lvl)

	if file == "" {
		return nil, nil
	}
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	logrus.SetOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}
