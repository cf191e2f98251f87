package eventlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	e1, _ := NewEvent("run.start", "", 0, map[string]string{"project": "demo"})
	e2, _ := NewEvent("task.complete", "t1", 2, nil)
	if err := l.Append(e1); err != nil {
		t.Fatalf("Append e1: %v", err)
	}
	if err := l.Append(e2); err != nil {
		t.Fatalf("Append e2: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res, err := ReadFromCursor(path, 0, "*", "")
	if err != nil {
		t.Fatalf("ReadFromCursor: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(res.Events))
	}
	if res.Events[0].Type != "run.start" || res.Events[1].TaskID != "t1" {
		t.Errorf("unexpected events: %+v", res.Events)
	}
}

func TestReadFromCursorTolerantOfPartialTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, _ := NewEvent("worker.start", "t1", 1, nil)
	if err := l.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// simulate a half-written line with no trailing newline
	if _, err := l.f.WriteString(`{"type":"turn.start`); err != nil {
		t.Fatalf("write partial: %v", err)
	}

	res, err := ReadFromCursor(path, 0, "*", "")
	if err != nil {
		t.Fatalf("ReadFromCursor: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1 (partial line must not be parsed)", len(res.Events))
	}
	// sanity: cursor should land right after the first complete line, not the partial tail
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if want := info.Size() - int64(len(`{"type":"turn.start`)); res.NextCursor != want {
		t.Errorf("cursor = %d, want %d (end of the first complete line)", res.NextCursor, want)
	}

	res2, err := ReadFromCursor(path, res.NextCursor, "*", "")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(res2.Events) != 0 {
		t.Errorf("expected no events from partial trailing line, got %d", len(res2.Events))
	}
	if res2.NextCursor != res.NextCursor {
		t.Errorf("cursor should not advance past partial line: got %d, want %d", res2.NextCursor, res.NextCursor)
	}
}

func TestCursorMonotonicity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l, _ := Open(path)
	for i := 0; i < 5; i++ {
		e, _ := NewEvent("tick", "", 0, nil)
		_ = l.Append(e)
	}
	_ = l.Close()

	cursor := int64(0)
	for i := 0; i < 3; i++ {
		res, err := ReadFromCursor(path, cursor, "*", "")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if res.NextCursor < cursor {
			t.Fatalf("cursor went backwards: %d -> %d", cursor, res.NextCursor)
		}
		cursor = res.NextCursor
	}
}

func TestTypeGlobFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l, _ := Open(path)
	for _, typ := range []string{"lint.start", "lint.pass", "doctor.start", "doctor.pass"} {
		e, _ := NewEvent(typ, "", 0, nil)
		_ = l.Append(e)
	}
	_ = l.Close()

	res, err := ReadFromCursor(path, 0, "lint.*", "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("got %d events matching lint.*, want 2", len(res.Events))
	}
}

func TestParseCursorRejectsNonInteger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l, _ := Open(path)
	_ = l.Close()

	if _, err := ParseCursor("not-a-number", path); err != ErrBadCursor {
		t.Errorf("expected ErrBadCursor, got %v", err)
	}
	if _, err := ParseCursor("tail", path); err != nil {
		t.Errorf("tail cursor should resolve: %v", err)
	}
}

func TestReadFromCursorMissingLogNotFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.jsonl")
	if _, err := ReadFromCursor(path, 0, "*", ""); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
