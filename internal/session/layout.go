// Package session resolves where the supervisor and its workers exchange
// files for a session root.
//
//	<root>/runs.jsonl                  run history log
//	<root>/runs/<runId>/status.json    worker -> supervisor
//	<root>/runs/<runId>/control.jsonl  supervisor -> worker
//	<terminals>/<runId>.launch.*       transient launch scripts
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	runsDir      = "runs"
	statusFile   = "status.json"
	controlFile  = "control.jsonl"
	historyFile  = "runs.jsonl"
	terminalsDir = "terminals"

	maxRunIDLen = 128
)

// ErrInvalidRunID is returned for run ids that cannot be used as a file name.
var ErrInvalidRunID = errors.New("invalid run id")

// Layout maps run ids to file locations.
type Layout struct {
	root      string
	terminals string
}

// NewLayout returns a Layout rooted at root. An empty terminals directory
// defaults to <root>/terminals.
func NewLayout(root, terminals string) Layout {
	if terminals == "" {
		terminals = filepath.Join(root, terminalsDir)
	}
	return Layout{root: root, terminals: terminals}
}

func (l Layout) Root() string         { return l.root }
func (l Layout) TerminalsDir() string { return l.terminals }
func (l Layout) HistoryFile() string  { return filepath.Join(l.root, historyFile) }
func (l Layout) RunsDir() string      { return filepath.Join(l.root, runsDir) }

func (l Layout) RunDir(runID string) string {
	return filepath.Join(l.root, runsDir, runID)
}

func (l Layout) StatusFile(runID string) string {
	return filepath.Join(l.RunDir(runID), statusFile)
}

func (l Layout) ControlFile(runID string) string {
	return filepath.Join(l.RunDir(runID), controlFile)
}

// ValidateRunID rejects ids that could escape the runs directory.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func ValidateRunID(id string) error {
	if id == "" || len(id) > maxRunIDLen || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	return nil
}
