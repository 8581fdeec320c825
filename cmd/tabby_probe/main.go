package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgnsrekt/tabby_probe/internal/config"
	"github.com/dgnsrekt/tabby_probe/internal/logging"
	"github.com/dgnsrekt/tabby_probe/internal/probe"
	"github.com/dgnsrekt/tabby_probe/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "config load failed: "+err.Error()+"\n")
		return 1
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogFile, os.Stderr)
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		return 1
	}
	defer func() { _ = logCloser.Close() }()

	slog.Info("tabby_probe config loaded",
		"cdp_url", cfg.GetCDPURL(),
		"driver", cfg.Driver,
		"link_text", cfg.LinkText,
		"wait_mode", cfg.WaitMode,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"report_log", cfg.ReportLog,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := probe.NewDriver(cfg)
	defer func() {
		if err := driver.Close(); err != nil {
			slog.Warn("driver close failed", "error", err)
		}
	}()

	runner := probe.NewRunner(driver, probe.OptionsFromConfig(cfg), os.Stdout)
	if cfg.ReportLog != "" {
		reports, err := storage.NewReportLog(cfg.ReportLog, 0)
		if err != nil {
			slog.Error("report log open failed", "file", cfg.ReportLog, "error", err)
			return 1
		}
		defer func() { _ = reports.Close() }()
		runner.WithReportSink(reports)
	}

	if cfg.Inspect {
		if _, err := runner.Inspect(ctx); err != nil {
			slog.Error("inspect failed", "error", err)
			return 1
		}
	}

	if _, err := runner.Run(ctx); err != nil {
		slog.Error("probe failed", "error", err)
		return 1
	}
	return 0
}
