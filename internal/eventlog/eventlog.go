// Package eventlog is an append-only observability log of registry
// activity: claims, releases, queue joins/departures, promotions, and
// agent lifecycle events. Unlike a tamper-evidence log, entries carry no
// hash chain — this is a local coordination daemon with a single trusted
// writer, not a multi-party audit trail.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Okohedeki/sialockd/internal/model"
)

// QueryParams filters a Query call. Zero values mean "no filter".
type QueryParams struct {
	AgentID string
	Type    string
	Since   string // RFC3339Nano timestamp or a Go duration string like "1h".
	Limit   int
}

// Log is the append-only event log. Entries are written to daily JSONL
// files under dir and mirrored into a SQLite index for fast queries.
//
// Thread-safe — the Sink is called from the registry's dispatch goroutine
// only, but Tail/Query may run concurrently from HTTP handlers.
type Log struct {
	mu       sync.Mutex
	dir      string
	index    *sqliteIndex
	file     *os.File
	fileDate string
}

// Open creates or opens an event log rooted at dir.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory %s: %w", dir, err)
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening event log index: %w", err)
	}

	slog.Info("event log opened", "dir", dir)
	return &Log{dir: dir, index: idx}, nil
}

// Close closes the SQLite index and the currently open JSONL file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.index != nil {
		if err := l.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing event log: %v", errs)
	}
	return nil
}

// Sink returns a model.Sink that appends every event to the log. Wire
// this into registry.RegisterSink at startup.
func (l *Log) Sink() model.Sink {
	return func(e model.Event) {
		l.append(e)
	}
}

func (l *Log) append(e model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writeToFile(&e); err != nil {
		slog.Error("event log write failed", "type", e.Type, "error", err)
		return
	}
	if l.index != nil {
		l.index.insert(&e)
	}
}

func (l *Log) writeToFile(e *model.Event) error {
	today := e.Timestamp.UTC().Format("2006-01-02")

	if l.file == nil || l.fileDate != today {
		if l.file != nil {
			l.file.Close()
		}
		path := filepath.Join(l.dir, today+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening event log file %s: %w", path, err)
		}
		l.file = f
		l.fileDate = today
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return l.file.Sync()
}

// Tail returns the N most recent events, newest first. limit <= 0 means
// no limit.
func (l *Log) Tail(limit int) ([]model.Event, error) {
	if l.index != nil {
		return l.index.query(QueryParams{Limit: limit})
	}
	return l.readAllFiles(limit)
}

// Query retrieves events matching params using the SQLite index.
func (l *Log) Query(params QueryParams) ([]model.Event, error) {
	if params.Since != "" && !strings.Contains(params.Since, "T") {
		d, err := time.ParseDuration(params.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since duration %q: %w", params.Since, err)
		}
		params.Since = time.Now().UTC().Add(-d).Format(time.RFC3339Nano)
	}
	if l.index != nil {
		return l.index.query(params)
	}
	return l.readAllFilesFiltered(params)
}

func (l *Log) readAllFiles(limit int) ([]model.Event, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing event log files: %w", err)
	}

	var all []model.Event
	for _, file := range files {
		events, err := readEventsFromFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

func (l *Log) readAllFilesFiltered(params QueryParams) ([]model.Event, error) {
	all, err := l.readAllFiles(0)
	if err != nil {
		return nil, err
	}

	var filtered []model.Event
	for _, e := range all {
		if params.AgentID != "" && e.AgentID != params.AgentID {
			continue
		}
		if params.Type != "" && string(e.Type) != params.Type {
			continue
		}
		if params.Since != "" && e.Timestamp.UTC().Format(time.RFC3339Nano) < params.Since {
			continue
		}
		filtered = append(filtered, e)
	}
	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}
	return filtered, nil
}

func readEventsFromFile(path string) ([]model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e model.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed event log entry", "error", err)
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}
