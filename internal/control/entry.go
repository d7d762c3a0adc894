// Package control implements the supervisor-to-worker command log: an
// append-only JSONL file per run that the worker tails in file order.
package control

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Type is the kind of a control entry.
type Type string

const (
	TypeMessage Type = "message"
	TypeStop    Type = "stop"
)

var (
	ErrUnknownType = errors.New("control: unknown entry type")
	ErrEmptyText   = errors.New("control: message entry without text")
)

// Entry is one immutable line of a control log.
type Entry struct {
	Type Type      `json:"type"`
	Text string    `json:"text,omitempty"`
	TS   time.Time `json:"ts"`
}

// Validate reports whether e may be appended.
func (e Entry) Validate() error {
	switch e.Type {
	case TypeMessage:
		if e.Text == "" {
			return ErrEmptyText
		}
	case TypeStop:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

func decodeLine(line []byte) (Entry, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, false
	}
	if e.Type != TypeMessage && e.Type != TypeStop {
		return Entry{}, false
	}
	return e, true
}

// ReadAll returns every well-formed entry of the log at path. Malformed
// lines are skipped. A missing file is an empty log.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("control: open log: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readEntries(f)
}

func readEntries(r io.Reader) ([]Entry, error) {
	var out []Entry
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if e, ok := decodeLine(line); ok {
			out = append(out, e)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("control: read log: %w", err)
		}
	}
}
