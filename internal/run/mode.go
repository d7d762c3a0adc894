package run

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects how a worker is launched.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeHeadless Mode = "headless"
	ModeSystem   Mode = "system"
)

var ErrInvalidMode = errors.New("run: invalid launch mode")

// ParseMode parses a mode name. The empty string is auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeHeadless, ModeSystem:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Resolve turns auto into a concrete mode for goos: a visible terminal on
// desktop platforms, a background process elsewhere.
func (m Mode) Resolve(goos string) Mode {
	if m != ModeAuto && m != "" {
		return m
	}
	switch goos {
	case "darwin", "windows":
		return ModeSystem
	default:
		return ModeHeadless
	}
}
