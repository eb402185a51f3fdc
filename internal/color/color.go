// Package color wraps text in ANSI escape sequences for console output.
//
//nolint:revive // package name conflicts with standard library
package color

import "log/slog"

const reset = "\033[0m"

// Color wraps text in an escape sequence.
type Color func(text string) string

// New returns a Color for the SGR code.
func New(code string) Color {
	return func(text string) string {
		return code + text + reset
	}
}

// None leaves text unchanged.
func None(text string) string { return text }

var (
	Gray   = New("\033[90m")
	Green  = New("\033[32m")
	Yellow = New("\033[33m")
	Red    = New("\033[31m")
	Blue   = New("\033[34m")
	Cyan   = New("\033[36m")
)

// ForLevel picks the color of a log level.
func ForLevel(l slog.Level) Color {
	switch {
	case l >= slog.LevelError:
		return Red
	case l >= slog.LevelWarn:
		return Yellow
	case l >= slog.LevelInfo:
		return Green
	}
	return Gray
}

// If returns c when enabled and None otherwise.
func If(enabled bool, c Color) Color {
	if enabled {
		return c
	}
	return None
}
