package util

import (
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by the pterm logger. kv is a flat list of
// key/value pairs rendered after the message, e.g. LogInfo("published", "key", k).
// All output goes to stderr by default (pterm's default).

func LogDebug(msg string, kv ...any) {
	pterm.DefaultLogger.Debug(msg, pterm.DefaultLogger.Args(kv...))
}

func LogInfo(msg string, kv ...any) {
	pterm.DefaultLogger.Info(msg, pterm.DefaultLogger.Args(kv...))
}

func LogSuccess(msg string, kv ...any) {
	pterm.DefaultLogger.Info(msg, pterm.DefaultLogger.Args(kv...))
}

func LogWarning(msg string, kv ...any) {
	pterm.DefaultLogger.Warn(msg, pterm.DefaultLogger.Args(kv...))
}

func LogError(msg string, kv ...any) {
	pterm.DefaultLogger.Error(msg, pterm.DefaultLogger.Args(kv...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
