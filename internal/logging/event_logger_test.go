package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/config"
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

func readEvents(t *testing.T, path string) []models.GatewayEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()

	var out []models.GatewayEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev models.GatewayEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("Invalid JSON line %q: %v", scanner.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestNewEventLogger(t *testing.T) {
	fileTemplate := filepath.Join(t.TempDir(), "nested", "events-%s.jsonl")

	logger, err := NewEventLogger(fileTemplate, 1024, 5, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Shutdown()

	if _, err := os.Stat(logger.CurrentFile()); err != nil {
		t.Errorf("Expected log file to exist: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(logger.CurrentFile()), "events-") {
		t.Errorf("Unexpected file name %s", logger.CurrentFile())
	}
}

func TestEventLogger_RecordAndShutdown(t *testing.T) {
	fileTemplate := filepath.Join(t.TempDir(), "events-%s.jsonl")
	logger, err := NewEventLogger(fileTemplate, 1<<20, 5, 100, time.Hour)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Record(models.GatewayEvent{Type: models.EventSkip, Provider: "openai", Reason: "no_credential"})
	logger.Record(models.GatewayEvent{Type: models.EventRetry, Provider: "gemini", Attempt: 1, DelayMs: 7000})
	logger.Shutdown()

	events := readEvents(t, logger.CurrentFile())
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Reason != "no_credential" || events[1].DelayMs != 7000 {
		t.Errorf("Unexpected events: %+v", events)
	}
	if events[0].Timestamp.IsZero() {
		t.Errorf("Expected timestamp to be filled in")
	}

	// after shutdown events are dropped, not written
	logger.Record(models.GatewayEvent{Type: models.EventSkip})
	if logger.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event, got %d", logger.Dropped())
	}
	logger.Shutdown()
}

func TestEventLogger_PeriodicFlush(t *testing.T) {
	fileTemplate := filepath.Join(t.TempDir(), "events-%s.jsonl")
	logger, err := NewEventLogger(fileTemplate, 1<<20, 5, 100, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Shutdown()

	logger.Record(models.GatewayEvent{Type: models.EventSwitch, Provider: "anthropic", From: "gemini"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if data, _ := os.ReadFile(logger.CurrentFile()); len(data) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Event was not flushed by the ticker")
}

func TestEventLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	fileTemplate := filepath.Join(dir, "events-%s.jsonl")
	logger, err := NewEventLogger(fileTemplate, 200, 3, 1000, time.Hour)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	for i := 0; i < 50; i++ {
		logger.Record(models.GatewayEvent{
			Type:     models.EventError,
			Provider: "openai",
			Model:    "gpt-4-turbo-preview",
			Error:    "upstream returned 503",
		})
	}
	logger.Shutdown()

	matches, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(matches) == 0 || len(matches) > 3 {
		t.Errorf("Expected between 1 and 3 files after rotation, got %d", len(matches))
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if info.Size() > 400 {
			t.Errorf("File %s grew to %d bytes", m, info.Size())
		}
	}
}

func TestEventLogger_FullBufferDrops(t *testing.T) {
	fileTemplate := filepath.Join(t.TempDir(), "events-%s.jsonl")
	logger, err := NewEventLogger(fileTemplate, 1<<20, 5, 1, time.Hour)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Shutdown()

	// the writer may pick some up, but Record must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			logger.Record(models.GatewayEvent{Type: models.EventAttempt})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked")
	}
}

func TestNewEventLoggerFromConfig(t *testing.T) {
	cfg := config.EventLoggerConfig{
		Enabled:          true,
		FilePathTemplate: filepath.Join(t.TempDir(), "ai_model_fallback-%s.jsonl"),
		MaxSize:          1024,
		MaxFiles:         2,
		BufferSize:       10,
		FlushInterval:    time.Second,
	}
	logger, err := NewEventLoggerFromConfig(cfg)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Shutdown()

	if logger.maxFiles != 2 || logger.maxSize != 1024 {
		t.Errorf("Config not applied: %+v", logger)
	}
}
