package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLogExecution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewLogger(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	events := []Event{
		{Time: time.Now().UTC(), ExecutionID: "exec-1", Command: []string{"echo", "hi"}, Mode: "single", Status: 0, DurationMS: 12},
		{Time: time.Now().UTC(), ExecutionID: "exec-2", Command: []string{"rm"}, Mode: "single", Status: 1, Error: "Command not allowed: rm"},
	}
	for _, ev := range events {
		if err := a.LogExecution(context.Background(), ev); err != nil {
			t.Fatalf("LogExecution: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].ExecutionID != "exec-1" || lines[1].Error != "Command not allowed: rm" {
		t.Errorf("events round-tripped wrong: %+v", lines)
	}
}

func TestConcurrentLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewLogger(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.LogExecution(context.Background(), Event{ExecutionID: "concurrent", Mode: "single"})
		}()
	}
	wg.Wait()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if !json.Valid(scanner.Bytes()) {
			t.Fatal("interleaved write produced invalid JSON line")
		}
		count++
	}
	if count != 20 {
		t.Errorf("got %d lines, want 20", count)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var a *Logger
	if err := a.LogExecution(context.Background(), Event{}); err != nil {
		t.Errorf("nil logger: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("nil close: %v", err)
	}
}
