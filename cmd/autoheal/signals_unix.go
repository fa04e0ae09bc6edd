//go:build !windows

package main

import (
	"os"
	"syscall"
)

// getShutdownSignals returns the signals to listen for on Unix systems
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
}

// handlePlatformSignal handles platform-specific signals, returns true if should continue loop
func handlePlatformSignal(sig os.Signal, app *App) bool {
	if sig == syscall.SIGHUP {
		app.Logger.Info("reload signal received, config will be re-read before the next cycle")
		app.Orchestrator.RequestReload()
		return true
	}
	return false
}
