package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bcombuddy/sessionbridge/pkg/observability"
)

// EventType is the category of an audit event
type EventType string

const (
	EventResolution EventType = "session.resolution"
	EventSignIn     EventType = "session.sign_in"
	EventLogout     EventType = "session.logout"
)

// Event is one line of the trail
type Event struct {
	Time       time.Time `json:"time"`
	Type       EventType `json:"type"`
	Phase      string    `json:"phase,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Method     string    `json:"method,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// Config configures a Trail
type Config struct {
	Dir string

	// MaxSize is the size in bytes at which audit.log is rotated (default 100MB)
	MaxSize int64

	// MaxFiles is how many rotated files are kept (default 10)
	MaxFiles int
}

// Trail writes events to a rotating file
type Trail struct {
	cfg    Config
	logger *observability.Logger
	now    func() time.Time

	mu      sync.Mutex
	file    *os.File
	enc     *json.Encoder
	written int64
}

var _ observability.AuthRecorder = (*Trail)(nil)

// NewTrail opens (or creates) audit.log under cfg.Dir
func NewTrail(cfg Config, logger *observability.Logger) (*Trail, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100 * 1024 * 1024
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 10
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	t := &Trail{cfg: cfg, logger: logger, now: time.Now}
	if err := t.open(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trail) path() string {
	return filepath.Join(t.cfg.Dir, "audit.log")
}

func (t *Trail) open() error {
	f, err := os.OpenFile(t.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	t.file = f
	t.enc = json.NewEncoder(f)
	t.written = info.Size()
	return nil
}

// rotate renames audit.log aside and prunes the oldest rotated files.
// Callers hold t.mu.
func (t *Trail) rotate() error {
	if err := t.file.Close(); err != nil {
		return err
	}
	rotated := filepath.Join(t.cfg.Dir, fmt.Sprintf("audit-%s.log", t.now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(t.path(), rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	old, err := filepath.Glob(filepath.Join(t.cfg.Dir, "audit-*.log"))
	if err == nil && len(old) > t.cfg.MaxFiles {
		// timestamped names sort oldest first
		sort.Strings(old)
		for _, name := range old[:len(old)-t.cfg.MaxFiles] {
			if err := os.Remove(name); err != nil {
				t.logger.WithError(err).WithField("file", name).Warn("failed to prune audit log")
			}
		}
	}
	return t.open()
}

// Write appends an event, stamping its time when unset
func (t *Trail) Write(e Event) error {
	if e.Time.IsZero() {
		e.Time = t.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return os.ErrClosed
	}
	if t.written > 0 && t.written+int64(len(line))+1 > t.cfg.MaxSize {
		if err := t.rotate(); err != nil {
			return err
		}
	}
	n, err := t.file.Write(append(line, '\n'))
	t.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func (t *Trail) record(e Event) {
	if err := t.Write(e); err != nil {
		t.logger.WithError(err).WithField("type", string(e.Type)).Warn("audit event dropped")
	}
}

// RecordResolution implements observability.AuthRecorder
func (t *Trail) RecordResolution(phase string, duration time.Duration) {
	t.record(Event{Type: EventResolution, Phase: phase, DurationMS: duration.Milliseconds()})
}

// RecordSignIn implements observability.AuthRecorder. An empty code is a
// success.
func (t *Trail) RecordSignIn(operation, code string) {
	if code == "" {
		code = "success"
	}
	t.record(Event{Type: EventSignIn, Operation: operation, Outcome: code})
}

// RecordLogout implements observability.AuthRecorder
func (t *Trail) RecordLogout(method string) {
	t.record(Event{Type: EventLogout, Method: method})
}

// Close closes the log file
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
