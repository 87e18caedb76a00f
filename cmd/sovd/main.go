package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/alert"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/api"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/capture"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/config"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/decision"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/detect"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/enforce"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/ledger"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/logging"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/metrics"
	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/pipeline"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootstrapFatal("invalid configuration", err)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:     cfg.LogLevel,
		FilePath:  cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSize,
	})
	if logCloser != nil {
		defer logCloser.Close()
	}

	logger.Info("starting sovereign network defense core",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"ledger_path", cfg.LedgerPath,
		"scan_window", cfg.ScanWindow.String(),
		"scan_port_threshold", cfg.ScanPortThreshold,
		"block_threshold", cfg.BlockViolationThreshold,
		"block_base_duration", cfg.BlockBaseDuration.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	evidenceLedger, err := ledger.Open(cfg.LedgerPath, logger)
	if err != nil {
		logger.Error("failed to open evidence ledger", "error", err, "path", cfg.LedgerPath)
		os.Exit(1)
	}
	defer evidenceLedger.Close()
	if evidenceLedger.Halted() {
		m.LedgerHalted.Set(1)
	}

	if cfg.PolicyPath != "" {
		policy, err := config.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			logger.Error("failed to load connection policy", "error", err, "path", cfg.PolicyPath)
			os.Exit(1)
		}
		cfg.ApplyPolicy(policy)
		logger.Info("connection policy loaded", "path", cfg.PolicyPath,
			"allow", len(policy.Allow), "deny", len(policy.Deny))
	}

	fileRules := config.DefaultFileRules()
	if cfg.FileRulesPath != "" {
		fileRules, err = config.LoadFileRules(cfg.FileRulesPath)
		if err != nil {
			logger.Error("failed to load file access rules", "error", err, "path", cfg.FileRulesPath)
			os.Exit(1)
		}
		logger.Info("file access rules loaded", "path", cfg.FileRulesPath, "rules", len(fileRules))
	}

	scanTracker := detect.NewScanTracker(cfg.ScanWindow, cfg.ScanPortThreshold, logger)
	connPolicy, err := detect.NewConnPolicy(detect.ConnPolicyConfig{
		AllowList:            cfg.ConnAllowList,
		DenyList:             cfg.ConnDenyList,
		ExpectedServicePorts: cfg.ExpectedServicePorts,
		DedupeWindow:         cfg.ConnDedupeWindow,
		DedupeCap:            cfg.ConnDedupeCap,
	}, logger)
	if err != nil {
		logger.Error("failed to build connection policy", "error", err)
		os.Exit(1)
	}
	scorer := detect.NewWelfordScorer(cfg.ProcLearningPeriod, cfg.ProcMinSamples)
	procMonitor := detect.NewProcMonitor(scorer, detect.ProcMonitorConfig{
		AnomalySensitivity: cfg.ProcAnomalySensitivity,
		HighCPUPercent:     cfg.ProcHighCPUPercent,
		HighMemoryPercent:  cfg.ProcHighMemoryPercent,
		HighReadings:       cfg.ProcHighReadings,
	}, logger)
	fileMonitor := detect.NewFileMonitor(fileRules, logger)

	engine := decision.NewEngine(decision.Config{
		BlockThreshold:      cfg.BlockViolationThreshold,
		BaseDuration:        cfg.BlockBaseDuration,
		EscalationCap:       cfg.BlockEscalationCap,
		AccountingWindow:    cfg.AccountingWindow,
		RecidivismRetention: cfg.RecidivismRetention,
	}, logger)

	gateway := enforce.NewRetrier(
		enforce.NewNATSGateway(nc, cfg.EnforceSubject, logger),
		cfg.EnforceRetries, cfg.EnforceRetryBase, logger)

	alerts := alert.NewDispatcher(
		alert.NewNATSSink(nc, cfg.AlertSubject, logger),
		cfg.AlertQueueCap,
		func() { m.AlertsDropped.Inc() },
		logger)
	defer alerts.Close()

	pipe, err := pipeline.New(pipeline.Options{
		Scan:          scanTracker,
		Conn:          connPolicy,
		Proc:          procMonitor,
		File:          fileMonitor,
		Ledger:        evidenceLedger,
		Engine:        engine,
		Gateway:       gateway,
		Alerts:        alerts,
		Metrics:       m,
		Logger:        logger,
		WorkerCount:   cfg.WorkerCount,
		QueueCapacity: cfg.QueueCapacity,
		SweepInterval: cfg.SweepInterval,
	})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	pipe.Start(ctx)

	subscriber, err := capture.NewSubscriber(nc, cfg.ObservePrefix, pipe,
		func() { m.ObservationsRejected.Inc() }, logger)
	if err != nil {
		logger.Error("failed to build capture subscriber", "error", err)
		os.Exit(1)
	}
	if err := subscriber.Subscribe(ctx); err != nil {
		logger.Error("failed to subscribe to observation feed", "error", err)
		os.Exit(1)
	}

	var watcher *capture.FSWatcher
	if len(cfg.WatchPaths) > 0 {
		watcher, err = capture.NewFSWatcher(cfg.WatchPaths, pipe, logger)
		if err != nil {
			logger.Error("failed to start file watcher", "error", err)
			os.Exit(1)
		}
		watcher.Start(ctx)
		logger.Info("local file watcher started", "paths", cfg.WatchPaths)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServer(evidenceLedger, engine, registry, logger),
	}
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("defense core started")
	<-sigChan

	logger.Info("shutting down defense core")

	// Shutdown order: stop intake first, drain the pipeline, then take down
	// the outward surfaces. Evidence already accepted is always committed.
	subscriber.Drain()
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			logger.Warn("file watcher close error", "error", err)
		}
	}
	pipe.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("defense core stopped")
}

// bootstrapFatal reports errors that happen before the logger exists.
func bootstrapFatal(msg string, err error) {
	os.Stderr.WriteString(msg + ": " + err.Error() + "\n")
	os.Exit(1)
}
