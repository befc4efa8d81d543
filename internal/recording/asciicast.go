// Package recording writes terminal sessions as asciicast v2 files.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Header is the first line of an asciicast v2 file.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one [offset, type, data] line. Type is "o" for output,
// "i" for input and "r" for resize.
type Event struct {
	Offset float64
	Type   string
	Data   string
}

// MarshalJSON encodes the event as a JSON array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Offset, e.Type, e.Data})
}

// UnmarshalJSON decodes the JSON array form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event: expected 3 elements, got %d", len(arr))
	}
	var ok bool
	if e.Offset, ok = arr[0].(float64); !ok {
		return fmt.Errorf("invalid event offset")
	}
	if e.Type, ok = arr[1].(string); !ok {
		return fmt.Errorf("invalid event type")
	}
	if e.Data, ok = arr[2].(string); !ok {
		return fmt.Errorf("invalid event data")
	}
	return nil
}

// Recorder appends events for one session. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	w      io.Writer
	file   *os.File
	start  time.Time
	closed bool
}

// Path returns the recording file for one generation of a session under
// dir. A session id reused after close gets a new file because created
// differs.
func Path(dir, sessionID string, created time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.cast", sessionID, created.UTC().Format(fileStamp)))
}

const fileStamp = "20060102T150405.000000000Z"

// Create opens a fresh recording file for the session generation started
// at created and writes the header.
func Create(dir, sessionID string, created time.Time, cols, rows int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording dir: %w", err)
	}
	f, err := os.OpenFile(Path(dir, sessionID, created), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}

	r := &Recorder{w: f, file: f, start: time.Now()}
	if err := r.writeHeader(cols, rows); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewWriter records to w. Used by tests.
func NewWriter(w io.Writer, cols, rows int) (*Recorder, error) {
	r := &Recorder{w: w, start: time.Now()}
	if err := r.writeHeader(cols, rows); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(cols, rows int) error {
	data, err := json.Marshal(Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.start.Unix(),
		Env:       map[string]string{"TERM": "xterm-256color"},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Output records terminal output.
func (r *Recorder) Output(data []byte) error {
	return r.write("o", string(data))
}

// Input records terminal input.
func (r *Recorder) Input(data []byte) error {
	return r.write("i", string(data))
}

// Resize records a window size change.
func (r *Recorder) Resize(cols, rows uint16) error {
	return r.write("r", fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) write(typ, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	line, err := json.Marshal(Event{
		Offset: time.Since(r.start).Seconds(),
		Type:   typ,
		Data:   data,
	})
	if err != nil {
		return err
	}
	_, err = r.w.Write(append(line, '\n'))
	return err
}

// Close closes the underlying file if the recorder owns one.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
