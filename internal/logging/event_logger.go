package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/config"
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

// EventLogger writes gateway events as JSON lines with asynchronous,
// buffered writes, size-based rotation and periodic flush.
type EventLogger struct {
	fileTemplate  string        // e.g. "logs/ai_model_fallback-%s.jsonl"
	maxSize       int64         // maximum size in bytes before rotation
	maxFiles      int           // maximum number of files to keep
	flushInterval time.Duration // flush the buffer every flushInterval if not empty

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64

	logCh   chan models.GatewayEvent
	doneCh  chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewEventLogger creates an EventLogger and starts its writer goroutine.
// bufferSize is how many events may be queued before Record drops them.
func NewEventLogger(fileTemplate string, maxSize int64, maxFiles, bufferSize int, flushInterval time.Duration) (*EventLogger, error) {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	logger := &EventLogger{
		fileTemplate:  fileTemplate,
		maxSize:       maxSize,
		maxFiles:      maxFiles,
		flushInterval: flushInterval,
		logCh:         make(chan models.GatewayEvent, bufferSize),
		doneCh:        make(chan struct{}),
	}

	if err := logger.openFile(); err != nil {
		return nil, err
	}

	logger.wg.Add(1)
	go logger.run()

	return logger, nil
}

// NewEventLoggerFromConfig builds an EventLogger from the process config
func NewEventLoggerFromConfig(cfg config.EventLoggerConfig) (*EventLogger, error) {
	return NewEventLogger(cfg.FilePathTemplate, cfg.MaxSize, cfg.MaxFiles, cfg.BufferSize, cfg.FlushInterval)
}

// newFileName applies the current time to the file template. Sub-second
// precision keeps a quick rotation from reopening the same file.
func (logger *EventLogger) newFileName() string {
	return fmt.Sprintf(logger.fileTemplate, time.Now().Format("20060102150405.000000000"))
}

func (logger *EventLogger) openFile() error {
	logger.currentFile = logger.newFileName()
	dir := filepath.Dir(logger.currentFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(logger.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	logger.currentSize = fi.Size()
	logger.file = file
	logger.writer = bufio.NewWriter(file)
	return nil
}

// rotateLocked starts a new file if adding n bytes would exceed maxSize.
// An empty file is never rotated, so a single oversized line still lands.
func (logger *EventLogger) rotateLocked(n int) (bool, error) {
	if logger.maxSize <= 0 || logger.currentSize == 0 || logger.currentSize+int64(n) <= logger.maxSize {
		return false, nil
	}
	if err := logger.writer.Flush(); err != nil {
		return false, err
	}
	if err := logger.file.Close(); err != nil {
		return false, err
	}
	return true, logger.openFile()
}

// cleanupOldFiles removes the oldest files beyond maxFiles
func (logger *EventLogger) cleanupOldFiles() error {
	if logger.maxFiles <= 0 {
		return nil
	}
	matches, err := filepath.Glob(fmt.Sprintf(logger.fileTemplate, "*"))
	if err != nil {
		return err
	}
	// names embed the creation time, so lexical order is age order
	sort.Strings(matches)

	excess := len(matches) - logger.maxFiles
	for i := 0; i < excess; i++ {
		if matches[i] == logger.currentFile {
			continue
		}
		_ = os.Remove(matches[i])
	}
	return nil
}

func (logger *EventLogger) run() {
	defer logger.wg.Done()
	ticker := time.NewTicker(logger.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-logger.logCh:
			logger.writeEvent(ev)
		case <-ticker.C:
			logger.mu.Lock()
			_ = logger.writer.Flush()
			logger.mu.Unlock()
		case <-logger.doneCh:
			for {
				select {
				case ev := <-logger.logCh:
					logger.writeEvent(ev)
				default:
					logger.mu.Lock()
					_ = logger.writer.Flush()
					_ = logger.file.Close()
					logger.mu.Unlock()
					return
				}
			}
		}
	}
}

func (logger *EventLogger) writeEvent(ev models.GatewayEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')

	logger.mu.Lock()
	defer logger.mu.Unlock()

	rotated, err := logger.rotateLocked(len(data))
	if err != nil {
		return
	}
	if rotated {
		_ = logger.cleanupOldFiles()
	}
	n, _ := logger.writer.Write(data)
	logger.currentSize += int64(n)
}

// Record queues an event for writing. It never blocks: when the buffer is
// full or the logger is shut down the event is dropped and counted.
func (logger *EventLogger) Record(ev models.GatewayEvent) {
	if logger.closed.Load() {
		logger.dropped.Add(1)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case logger.logCh <- ev:
	default:
		logger.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded
func (logger *EventLogger) Dropped() int64 {
	return logger.dropped.Load()
}

// CurrentFile returns the path of the file being written
func (logger *EventLogger) CurrentFile() string {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return logger.currentFile
}

// Shutdown writes the queued events, flushes and closes the file.
// It is safe to call more than once.
func (logger *EventLogger) Shutdown() {
	if !logger.closed.CompareAndSwap(false, true) {
		return
	}
	close(logger.doneCh)
	logger.wg.Wait()
}
