package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// tailBufferSize bounds how much of a worker's recent output stays
// available for crash diagnostics after the underlying file rotates.
const tailBufferSize = 64 * 1024

// CaptureConfig configures a single worker stream's output capture.
type CaptureConfig struct {
	QueueKey  string // e.g. "web.0"
	Stream    string // "stdout" or "stderr"
	Logfile   string // path, empty to keep only the in-memory tail
	StripAnsi bool
	MaxBytes  string // max file size before rotation (e.g. "10KB")
	Backups   int    // number of rotated backup files to keep
	Logger    *slog.Logger
}

// CaptureWriter captures a worker's output, writing it to the configured
// logfile (if any) and keeping a bounded tail in memory for post-crash
// diagnostics via ReadTail.
type CaptureWriter struct {
	mu       sync.Mutex
	config   CaptureConfig
	file     *os.File
	handlers []func(queueKey string, data []byte)
	tail     *RingBuffer
}

// NewCaptureWriter creates a capture writer for one worker's stream.
func NewCaptureWriter(cfg CaptureConfig) (*CaptureWriter, error) {
	cw := &CaptureWriter{
		config: cfg,
		tail:   NewRingBuffer(tailBufferSize),
	}

	if cfg.Logfile != "" {
		f, err := os.OpenFile(cfg.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file: %s: %w", cfg.Logfile, err)
		}
		cw.file = f
	}

	return cw, nil
}

// Write implements io.Writer.
func (cw *CaptureWriter) Write(p []byte) (int, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	data := p
	if cw.config.StripAnsi {
		data = StripANSI(data)
	}

	cw.tail.Write(data)

	// Write to file if configured.
	if cw.file != nil {
		if _, err := cw.file.Write(data); err != nil {
			if cw.config.Logger != nil {
				cw.config.Logger.Error("log write failed", "file", cw.config.Logfile, "error", err)
			}
		}
		cw.rotateIfNeeded()
	}

	// Call handlers.
	for _, h := range cw.handlers {
		h(cw.config.QueueKey, data)
	}

	return len(p), nil
}

// AddHandler adds a callback for captured data.
func (cw *CaptureWriter) AddHandler(h func(queueKey string, data []byte)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, h)
}

// Stream reports which stream this writer captures ("stdout" or "stderr").
func (cw *CaptureWriter) Stream() string { return cw.config.Stream }

// ReadTail returns the last n bytes a worker wrote to this stream,
// regardless of whether they made it to a logfile. reapExitedWorkers
// uses this to attach recent output to a crash report.
func (cw *CaptureWriter) ReadTail(n int) []byte {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.tail.Read(n)
}

// Close closes the log file if open.
func (cw *CaptureWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.file != nil {
		return cw.file.Close()
	}
	return nil
}

// rotateIfNeeded checks if the log file exceeds MaxBytes and rotates it.
// Must be called with mu held.
func (cw *CaptureWriter) rotateIfNeeded() {
	if cw.file == nil || cw.config.MaxBytes == "" {
		return
	}
	maxBytes := ParseSize(cw.config.MaxBytes)
	if maxBytes == 0 {
		return
	}
	info, err := cw.file.Stat()
	if err != nil || info.Size() < maxBytes {
		return
	}
	// Close current file before rotating.
	cw.file.Close()
	_ = rotateFile(cw.config.Logfile, cw.config.Backups)
	// Reopen a fresh file.
	f, err := os.OpenFile(cw.config.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		cw.file = nil
		return
	}
	cw.file = f
}

// Reopen closes and reopens the log file (for log rotation tools).
func (cw *CaptureWriter) Reopen() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.file == nil || cw.config.Logfile == "" {
		return nil
	}

	cw.file.Close()
	f, err := os.OpenFile(cw.config.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("cannot reopen log file: %s: %w", cw.config.Logfile, err)
	}
	cw.file = f
	return nil
}
