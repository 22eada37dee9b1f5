package commands

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"cloudfs/internal/config"
)

// maxLogSize is the size above which the log file is cut in half on startup.
const maxLogSize = 50 * 1024 * 1024

// setupLogging points logrus at the configured log file and level. The
// returned closer is nil when nothing was opened.
func setupLogging(cfg *config.Config) (io.Closer, error) {
	if !cfg.LoggingEnabled() {
		log.SetOutput(io.Discard)
		return nil, nil
	}

	log.SetLevel(parseLevel(cfg.LogLevel))
	if cfg.LogFile == "" {
		log.SetOutput(os.Stderr)
		return nil, nil
	}

	if err := truncateLogFile(cfg.LogFile, maxLogSize); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return f, nil
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn":
		return log.WarnLevel
	default:
		return log.DebugLevel
	}
}

// truncateLogFile keeps roughly the newest half of path once it grows past
// maxSize, cutting at a line boundary.
func truncateLogFile(path string, maxSize int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	start := len(data) - len(data)/2
	if i := bytes.IndexByte(data[start:], '\n'); i >= 0 {
		start += i + 1
	}
	kept := data[start:]
	header := fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(kept))
	return os.WriteFile(path, append([]byte(header), kept...), 0600)
}
