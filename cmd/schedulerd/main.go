// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// schedulerd runs the command scheduler daemon: it dials the store,
// starts the configured pool of command runners, serves metrics when
// asked to, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/retry"
	"github.com/juju/utils/v4"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	corelogger "github.com/atrofymovych/jaktoswim-backend-sub000/core/logger"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/config"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/cronplan"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/crypt"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/effects"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/evaluator"
	internallogger "github.com/atrofymovych/jaktoswim-backend-sub000/internal/logger"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/state"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/telemetry"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/version"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/worker/commandrunner"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/worker/commandsupervisor"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/worker/termination"
)

const (
	mongoDialTimeout  = 10 * time.Second
	mongoDialAttempts = 10
	mongoDialDelay    = 3 * time.Second
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main parses flags and runs the daemon, returning the process exit
// code.
func Main(args []string) int {
	var (
		configPath    string
		logFile       string
		loggingConfig string
		showVersion   bool
	)
	f := gnuflag.NewFlagSet("schedulerd", gnuflag.ExitOnError)
	f.StringVar(&configPath, "config", "scheduler.yaml", "path to the scheduler configuration file")
	f.StringVar(&logFile, "log-file", "", "write logs to this rotating file instead of stderr")
	f.StringVar(&loggingConfig, "logging-config", "", "loggo configuration, e.g. \"<root>=DEBUG\"")
	f.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := f.Parse(true, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if showVersion {
		fmt.Println(version.Current)
		return 0
	}

	if err := setupLogging(logFile, loggingConfig); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func setupLogging(logFile, loggingConfig string) error {
	if logFile != "" {
		writer := loggo.NewSimpleWriter(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // MB
			MaxBackups: 2,
			Compress:   true,
		}, loggo.DefaultFormatter)
		if _, err := loggo.ReplaceDefaultWriter(writer); err != nil {
			return errors.Trace(err)
		}
	}
	if loggingConfig != "" {
		if err := loggo.ConfigureLoggers(loggingConfig); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func run(configPath string) error {
	ctx := context.Background()
	logger := internallogger.GetLogger("scheduler")
	clk := clock.WallClock

	cfg, err := config.Read(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof(ctx, "schedulerd %s starting with %d tenant(s)", version.Current, len(cfg.Tenants))

	session, err := dialMongo(ctx, clk, logger, cfg.Mongo.URL)
	if err != nil {
		return errors.Trace(err)
	}
	defer session.Close()

	registry, err := state.NewRegistry(state.Params{
		Session:        session,
		DatabasePrefix: cfg.Mongo.DatabasePrefix,
		Tenants:        cfg.Tenants,
		Clock:          clk,
		Logger:         logger.Child("state"),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := registry.EnsureIndexes(); err != nil {
		return errors.Trace(err)
	}

	decryptor, err := crypt.NewDecryptor(cfg.DecryptKey)
	if err != nil {
		return errors.Trace(err)
	}
	builder, err := effects.NewBuilder(registry, clk, nil)
	if err != nil {
		return errors.Trace(err)
	}
	engine, err := evaluator.New(evaluator.Config{
		Clock:  clk,
		Logger: logger.Child("evaluator"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	collector := commandrunner.NewMetricsCollector()
	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(ctx, logger, cfg.MetricsAddr, collector)
		if err != nil {
			return errors.Trace(err)
		}
		defer srv.Close()
	}

	hub := telemetry.NewHub(loggo.GetLogger("scheduler.hub"))
	sink := telemetry.NewHubSink(hub)
	unsub := telemetry.AttachLogger(hub, logger.Child("events"))
	defer unsub()

	planner := cronplan.New()
	workers := cfg.Workers
	if cfg.TickInterval == 0 {
		// Polling is disabled; only the admin tool triggers runs.
		workers = 0
	}
	supervisor, err := commandsupervisor.New(commandsupervisor.Config{
		Clock:       clk,
		Logger:      logger.Child("supervisor"),
		Workers:     workers,
		LabelPrefix: utils.MustNewUUID().String(),
		NewRunner: func(label string) (worker.Worker, error) {
			return commandrunner.New(commandrunner.Config{
				Label:             label,
				Registry:          registry,
				Decryptor:         decryptor,
				Planner:           planner,
				Effects:           builder,
				Evaluator:         engine,
				Clock:             clk,
				Logger:            logger.Child("runner"),
				Recorder:          collector,
				Sink:              sink,
				TickInterval:      cfg.TickInterval,
				InterCommandDelay: cfg.InterCommandDelay,
				LeaseTTL:          cfg.LeaseTTL,
				Budget:            cfg.EvaluatorBudget,
			})
		},
	})
	if err != nil {
		return errors.Trace(err)
	}

	term := termination.NewWorker()
	done := make(chan error, 2)
	go func() { done <- term.Wait() }()
	go func() { done <- supervisor.Wait() }()

	err = <-done
	term.Kill()
	supervisor.Kill()
	if werr := supervisor.Wait(); err == nil {
		err = werr
	}

	if errors.Is(err, termination.ErrTerminationSignal) {
		logger.Infof(ctx, "shutting down on signal")
		return nil
	}
	return errors.Trace(err)
}

// dialMongo dials the store, retrying so the daemon can come up
// before its database does.
func dialMongo(ctx context.Context, clk clock.Clock, logger corelogger.Logger, url string) (*mgo.Session, error) {
	var session *mgo.Session
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			session, err = mgo.DialWithTimeout(url, mongoDialTimeout)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf(ctx, "cannot dial mongo (attempt %d): %v", attempt, err)
		},
		Attempts: mongoDialAttempts,
		Delay:    mongoDialDelay,
		Clock:    clk,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "dialing mongo at %q", url)
	}
	return session, nil
}

func serveMetrics(ctx context.Context, logger corelogger.Logger, addr string, collector prometheus.Collector) (*http.Server, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return nil, errors.Trace(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof(ctx, "serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf(ctx, "metrics server: %v", err)
		}
	}()
	return srv, nil
}
