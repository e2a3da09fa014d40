package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/draintools/draind/internal/audit"
	"github.com/draintools/draind/internal/config"
	"github.com/draintools/draind/internal/directory"
	"github.com/draintools/draind/internal/httpapi"
	"github.com/draintools/draind/internal/observability"
	"github.com/draintools/draind/internal/reconciler"
	"github.com/draintools/draind/internal/task"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	drain := flag.Bool("drain", false, "Exit once no live sessions remain")
	mock := flag.Bool("mock", false, "Use the mock session directory")
	verbose := flag.Bool("verbose", false, "Verbose status output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if *drain {
		cfg.DrainOnEmpty = true
	}
	if *mock {
		cfg.DirectoryProvider = "mock"
	}
	if *verbose {
		cfg.Verbose = true
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var provider directory.Provider
	tryLocal := func(fatal bool) bool {
		p := directory.NewLocalProvider()
		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := p.ListSessions(probeCtx); err != nil {
			if fatal {
				log.Fatalf("local session directory unavailable: %v", err)
			}
			log.Printf("local session directory unavailable: %v", err)
			return false
		}
		provider = p
		log.Printf("session directory: local (utmp)")
		return true
	}

	switch strings.ToLower(strings.TrimSpace(cfg.DirectoryProvider)) {
	case "local":
		tryLocal(true)
	case "mock":
		provider = directory.NewMockProvider()
		log.Printf("session directory: mock")
	case "auto":
		if !tryLocal(false) {
			provider = directory.NewMockProvider()
			log.Printf("session directory: mock (local unavailable)")
		}
	default:
		log.Fatalf("invalid directory provider: %q (expected auto|local|mock)", cfg.DirectoryProvider)
	}

	var store audit.Store
	storeMode := "disabled"
	if cfg.AuditEnabled {
		var err error
		store, storeMode, err = audit.NewStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("audit store init failed: %v", err)
		}
		defer store.Close()
	}
	log.Printf("audit trail: %s", storeMode)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	sup := task.NewSupervisor(task.SupervisorConfig{
		TickInterval: cfg.SupervisorTick,
		TaskTimeout:  cfg.TaskTimeout,
	})
	sup.Start(runCtx)

	rec := reconciler.New(reconciler.Config{
		LogoutDelayMinutes:  cfg.LogoutDelayMinutes,
		PollIntervalSeconds: cfg.PollIntervalSeconds,
		GracePeriodMinutes:  cfg.GracePeriodMinutes,
		DrainOnEmpty:        cfg.DrainOnEmpty,
		OperatorUser:        cfg.OperatorUser,
		Verbose:             cfg.Verbose,
		MessageTitle:        cfg.MessageTitle,
		MessageBody:         cfg.MessageBody,
		Supervisor:          sup,
	}, provider, store, metrics)

	api := httpapi.New(cfg, rec, provider, store, storeMode)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	runDone := make(chan error, 1)
	go func() {
		runDone <- rec.Run(runCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigCh:
		log.Printf("shutdown signal received")
		runCancel()
		<-runDone
	case err := <-runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("reconciler error: %v", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
