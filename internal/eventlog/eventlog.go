// Package eventlog implements the append-only JSONL event stream every
// run and task writes its decisions to. It generalizes the teacher's
// one-JSON-object-per-file status reports (internal/engine/state.go) into
// one-JSON-object-per-line, append-only, with cursor-based resumable reads.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JamesPaynter/mycelium/internal/paths"
)

// Event is one line of the JSONL stream. Payload is kept as raw JSON so
// readers preserve unknown fields verbatim, per spec §6.
type Event struct {
	ID      string          `json:"id"`
	Ts      string          `json:"ts"`
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Log is a single-writer append-only JSONL file.
type Log struct {
	path string
	f    *os.File
}

// Open opens (creating parent dirs and the file if necessary) a log for
// appending. Only one writer per path is supported, per spec §5.
func Open(path string) (*Log, error) {
	if err := paths.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening event log %s: %w", path, err)
	}
	return &Log{path: path, f: f}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.f.Close()
}

// Append writes one event as a single JSON line terminated by \n.
// If ID or Ts are unset they are filled in (uuid v4, ISO-8601 UTC millis).
func (l *Log) Append(e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Ts == "" {
		e.Ts = NowISO8601()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// NowISO8601 returns the current UTC time with millisecond precision.
func NowISO8601() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// NewEvent builds an Event from a type string, optional task/attempt, and
// a payload value marshaled to JSON.
func NewEvent(typ, taskID string, attempt int, payload interface{}) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshaling event payload: %w", err)
		}
		raw = data
	}
	return Event{
		Ts:      NowISO8601(),
		Type:    typ,
		TaskID:  taskID,
		Attempt: attempt,
		Payload: raw,
	}, nil
}

// ReadResult is the outcome of a cursor-bounded read.
type ReadResult struct {
	Events     []Event
	NextCursor int64
}

// ErrBadCursor is returned for a malformed cursor string.
var ErrBadCursor = fmt.Errorf("bad_request: cursor must be an integer or \"tail\"")

// ErrNotFound is returned when the log file does not exist.
var ErrNotFound = fmt.Errorf("not_found: event log does not exist")

// ParseCursor resolves a cursor string ("tail" or a byte offset) against a
// log file's current size.
func ParseCursor(cursor, path string) (int64, error) {
	if cursor == "tail" {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, ErrBadCursor
	}
	return n, nil
}

// ReadFromCursor reads every fully-terminated line starting at byte offset
// cursor, optionally filtered by typeGlob (`*` wildcard, `.` literal) and
// taskID. It tolerates a partial trailing line by not advancing the cursor
// past the last newline.
func ReadFromCursor(path string, cursor int64, typeGlob, taskID string) (ReadResult, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return ReadResult{}, ErrNotFound
	}
	if err != nil {
		return ReadResult{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ReadResult{}, err
	}
	if cursor < 0 || cursor > info.Size() {
		return ReadResult{}, ErrBadCursor
	}

	if _, err := f.Seek(cursor, io.SeekStart); err != nil {
		return ReadResult{}, err
	}

	reader := bufio.NewReader(f)
	var events []Event
	nextCursor := cursor
	offset := cursor

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 && strings.HasSuffix(line, "\n") {
			offset += int64(len(line))
			trimmed := strings.TrimRight(line, "\n")
			if trimmed != "" {
				var e Event
				if jsonErr := json.Unmarshal([]byte(trimmed), &e); jsonErr == nil {
					if matchesFilter(e, typeGlob, taskID) {
						events = append(events, e)
					}
				}
			}
			nextCursor = offset
		} else {
			// Partial trailing line or EOF: stop, do not advance past it.
			break
		}
		if err != nil {
			break
		}
	}

	return ReadResult{Events: events, NextCursor: nextCursor}, nil
}

func matchesFilter(e Event, typeGlob, taskID string) bool {
	if taskID != "" && e.TaskID != taskID {
		return false
	}
	if typeGlob != "" && typeGlob != "*" && !matchTypeGlob(typeGlob, e.Type) {
		return false
	}
	return true
}

// matchTypeGlob matches a type glob where `*` matches any run of characters
// and `.` is literal (event types are dot-separated, e.g. "task.complete").
func matchTypeGlob(glob, s string) bool {
	return globMatch(glob, s)
}

func globMatch(pattern, s string) bool {
	// Simple greedy matcher: split pattern on '*' and require the parts to
	// appear in order, with the first/last anchored unless pattern starts/ends with '*'.
	if pattern == "" {
		return s == ""
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return s == pattern
	}
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(s[pos:], part)
		if idx == -1 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(part)
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(s, last) {
		return false
	}
	return true
}
