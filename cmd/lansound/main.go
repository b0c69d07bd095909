// ABOUTME: Entry point for the lansound producer
// ABOUTME: Parses flags and config, builds the capture source, and runs the session
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/chrisjbillington/lansound/internal/backend"
	"github.com/chrisjbillington/lansound/internal/config"
	"github.com/chrisjbillington/lansound/internal/discovery"
	"github.com/chrisjbillington/lansound/internal/idle"
	"github.com/chrisjbillington/lansound/internal/session"
	"github.com/chrisjbillington/lansound/internal/version"
)

var (
	configPath   = flag.String("config", "", "JSON configuration file")
	host         = flag.String("host", "", "Server host or address (empty: discover via mDNS)")
	port         = flag.Int("port", session.DefaultPort, "Server port, used with -host")
	latencyMs    = flag.Int("latency", 200, "Requested playback latency in milliseconds")
	family       = flag.String("family", "auto", "Address family preference: auto, ipv4 or ipv6")
	sourceKind   = flag.String("source", "tone", "Capture source: tone or pipe")
	capturePipe  = flag.String("capture-pipe", "", "FIFO to read captured audio from (source=pipe)")
	autoEnable   = flag.Bool("auto-enable", false, "Pause capture while the playback device is idle")
	idleMs       = flag.Int("idle-timeout", 10000, "Idle milliseconds before capture pauses, used with -auto-enable")
	activityPipe = flag.String("activity-pipe", "", "FIFO carrying device activity lines, used with -auto-enable")
	metricsAddr  = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (empty: disabled)")
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
	if *idleMs < 0 {
		logrus.Fatalf("invalid idle timeout %d", *idleMs)
	}
	fam, err := discovery.ParseFamily(*family)
	if err != nil {
		logrus.WithError(err).Fatal("bad address family")
	}

	format := backend.DefaultFormat
	var source backend.Source
	switch *sourceKind {
	case "tone":
		source = backend.NewToneSource(format)
	case "pipe":
		if *capturePipe == "" {
			logrus.Fatal("source=pipe requires -capture-pipe")
		}
		source = backend.NewPipeSource(*capturePipe)
	default:
		logrus.Fatalf("unknown capture source %q", *sourceKind)
	}

	sess, err := session.New(session.Config{
		Host:    *host,
		Port:    *port,
		Latency: time.Duration(*latencyMs) * time.Millisecond,
		Family:  fam,
		Format:  format,
	}, source, discovery.NewManager(discovery.Config{}))
	if err != nil {
		logrus.WithError(err).Fatal("session setup failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	if *autoEnable {
		if *activityPipe == "" {
			logrus.Fatal("-auto-enable requires -activity-pipe")
		}
		startIdleGate(ctx, source, *activityPipe, time.Duration(*idleMs)*time.Millisecond)
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	logrus.WithFields(logrus.Fields{
		"version":  version.Version,
		"identity": sess.Identity(),
		"source":   *sourceKind,
		"latency":  time.Duration(*latencyMs) * time.Millisecond,
	}).Info("producer starting")

	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Fatal("session failed")
	}
	logrus.Info("producer stopped")
}

// startIdleGate wires device activity into capture pause/resume. The
// activity pipe is opened in the background because opening a FIFO blocks
// until the watcher on the other end attaches.
func startIdleGate(ctx context.Context, source backend.Source, pipe string, timeout time.Duration) {
	ctrl := idle.New(timeout, idle.Actions{
		Pause: func() {
			if err := source.Pause(); err != nil {
				logrus.WithError(err).Warn("pause capture failed")
			}
		},
		Resume: func() {
			if err := source.Resume(); err != nil {
				logrus.WithError(err).Warn("resume capture failed")
			}
		},
	})

	go func() {
		f, err := os.Open(pipe)
		if err != nil {
			logrus.WithError(err).Error("open activity pipe failed, idle gate disabled")
			return
		}
		mon := idle.NewLineMonitor(f)
		defer mon.Close()
		if err := ctrl.Run(ctx, mon); err != nil {
			logrus.WithError(err).Warn("idle gate stopped")
		}
	}()
}

func serveMetrics(addr string) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	logrus.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, r); err != nil {
		logrus.WithError(err).Error("metrics listener failed")
	}
}

// applyFile overlays config file values under flags the user did not pass.
func applyFile(f *config.File, set map[string]bool) {
	if f.Host != nil && !set["host"] {
		*host = *f.Host
	}
	if f.Port != nil && !set["port"] {
		*port = *f.Port
	}
	if f.LatencyMs != nil && !set["latency"] {
		*latencyMs = *f.LatencyMs
	}
	if f.Family != nil && !set["family"] {
		*family = *f.Family
	}
	if f.Source != nil && !set["source"] {
		*sourceKind = *f.Source
	}
	if f.CapturePipe != nil && !set["capture-pipe"] {
		*capturePipe = *f.CapturePipe
	}
	if f.AutoEnable != nil && !set["auto-enable"] {
		*autoEnable = *f.AutoEnable
	}
	if f.IdleTimeoutMs != nil && !set["idle-timeout"] {
		*idleMs = *f.IdleTimeoutMs
	}
	if f.ActivityPipe != nil && !set["activity-pipe"] {
		*activityPipe = *f.ActivityPipe
	}
	if f.MetricsAddr != nil && !set["metrics-addr"] {
		*metricsAddr = *f.MetricsAddr
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
