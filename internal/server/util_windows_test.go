//go:build windows

package server

// workspacePath is a clean absolute workspace root on this platform.
func workspacePath() string { return `C:\Users\dev\project` }
