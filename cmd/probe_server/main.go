package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/tabby_probe/internal/api"
	"github.com/dgnsrekt/tabby_probe/internal/config"
	"github.com/dgnsrekt/tabby_probe/internal/logging"
	"github.com/dgnsrekt/tabby_probe/internal/netutil"
	"github.com/dgnsrekt/tabby_probe/internal/probe"
	"github.com/dgnsrekt/tabby_probe/internal/storage"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "config load failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogFile, os.Stdout)
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()

	slog.Info("probe_server config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.GetCDPURL(),
		"driver", cfg.Driver,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"report_log", cfg.ReportLog,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	driver := probe.NewDriver(cfg.Config)
	defer func() { _ = driver.Close() }()

	// API callers get the report as JSON, so the text transcript is discarded.
	runner := probe.NewRunner(driver, probe.OptionsFromConfig(cfg.Config), nil)
	if cfg.ReportLog != "" {
		reports, err := storage.NewReportLog(cfg.ReportLog, 0)
		if err != nil {
			slog.Error("report log open failed", "file", cfg.ReportLog, "error", err)
			os.Exit(1)
		}
		defer func() { _ = reports.Close() }()
		runner.WithReportSink(reports)
	}

	srv := &http.Server{Handler: api.NewServer(runner), ReadHeaderTimeout: 10 * time.Second}
	addr := ln.Addr().String()

	go func() {
		slog.Info("probe_server listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("probe_server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("probe_server shutdown failed", "error", err)
	}
}
