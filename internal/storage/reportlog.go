package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgnsrekt/tabby_probe/internal/probe"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultMaxSizeMB = 10

// ReportLog appends probe reports as JSON lines to a size-rotated file.
type ReportLog struct {
	path   string
	mu     sync.Mutex
	logger *lumberjack.Logger
	closed bool
}

// NewReportLog opens (creating directories as needed) the report log at path.
// maxSizeMB <= 0 uses the default rotation size.
func NewReportLog(path string, maxSizeMB int) (*ReportLog, error) {
	if path == "" {
		return nil, fmt.Errorf("report log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create report log dir: %w", err)
	}

	slog.Info("report log opened", "file", path)
	return &ReportLog{
		path: path,
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: 10,
			MaxAge:     30,
			LocalTime:  false,
		},
	}, nil
}

func (l *ReportLog) Path() string { return l.path }

// Append writes one report line. Reports are written synchronously so a
// one-shot run has its line on disk before the process exits.
func (l *ReportLog) Append(r probe.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("report log is closed")
	}
	if _, err := l.logger.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	slog.Debug("report appended", "run_id", r.ID, "file", l.path)
	return nil
}

func (l *ReportLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.logger.Close()
}
