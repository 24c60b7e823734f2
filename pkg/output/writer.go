package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Writer emits JSONL records for job lifecycle events.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a single line
// of JSON followed by a newline.
type Writer interface {
	// WriteStarted emits a job start record.
	WriteStarted(jobID, projectID string, started *StartedRecord) error

	// WriteCompleted emits a terminal job record.
	WriteCompleted(jobID, projectID string, completed *CompletedRecord) error

	// WriteCancelled emits a cancellation request record.
	WriteCancelled(jobID, projectID string, cancelled *CancelledRecord) error

	// WriteZombie emits a zombie demotion record.
	WriteZombie(jobID, projectID string, zombie *ZombieRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using a
// mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w  io.Writer
	mu sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer over w (a file, stdout, etc.).
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w}
}

// WriteStarted emits a job start record.
func (jw *JSONLWriter) WriteStarted(jobID, projectID string, started *StartedRecord) error {
	return jw.writeRecord(TypeStarted, jobID, projectID, started)
}

// WriteCompleted emits a terminal job record.
func (jw *JSONLWriter) WriteCompleted(jobID, projectID string, completed *CompletedRecord) error {
	return jw.writeRecord(TypeCompleted, jobID, projectID, completed)
}

// WriteCancelled emits a cancellation request record.
func (jw *JSONLWriter) WriteCancelled(jobID, projectID string, cancelled *CancelledRecord) error {
	return jw.writeRecord(TypeCancelled, jobID, projectID, cancelled)
}

// WriteZombie emits a zombie demotion record.
func (jw *JSONLWriter) WriteZombie(jobID, projectID string, zombie *ZombieRecord) error {
	return jw.writeRecord(TypeZombie, jobID, projectID, zombie)
}

// Close marks the writer closed. The underlying io.Writer is not closed;
// the caller owns it.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(recType, jobID, projectID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", recType, err)
	}

	rec := Record{
		Type:      recType,
		TS:        time.Now().UTC(),
		JobID:     jobID,
		ProjectID: projectID,
		Data:      data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", recType, err)
	}
	line = append(line, '\n')

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}
	if _, err := jw.w.Write(line); err != nil {
		return fmt.Errorf("write %s record: %w", recType, err)
	}
	return nil
}

// Discard is a Writer that drops every record. Used when event logging is
// disabled.
type Discard struct{}

func (Discard) WriteStarted(string, string, *StartedRecord) error     { return nil }
func (Discard) WriteCompleted(string, string, *CompletedRecord) error { return nil }
func (Discard) WriteCancelled(string, string, *CancelledRecord) error { return nil }
func (Discard) WriteZombie(string, string, *ZombieRecord) error       { return nil }
func (Discard) Close() error                                          { return nil }
