package providers

import (
	"bufio"
	"bytes"
	"io"
)

// sseMaxLine bounds a single SSE line; vendor chunks stay far below it.
const sseMaxLine = 1 << 20

// StreamEvent is one server-sent event.
type StreamEvent struct {
	Event string // value of the last "event:" line, empty when absent
	Data  []byte
}

// StreamReader reads server-sent events from a response body
type StreamReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewStreamReader creates a new stream reader
func NewStreamReader(r io.ReadCloser) *StreamReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLine)
	return &StreamReader{
		scanner: scanner,
		closer:  r,
	}
}

// Read returns the next event carrying data. It returns io.EOF at the end of
// the body or on the "[DONE]" marker.
func (s *StreamReader) Read() (*StreamEvent, error) {
	var event string
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		switch {
		case len(line) == 0:
			continue
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(bytes.TrimPrefix(line, []byte("event:"))))
			continue
		case !bytes.HasPrefix(line, []byte("data:")):
			continue
		}

		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil, io.EOF
		}
		out := make([]byte, len(data))
		copy(out, data)
		return &StreamEvent{Event: event, Data: out}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the stream
func (s *StreamReader) Close() error {
	return s.closer.Close()
}
