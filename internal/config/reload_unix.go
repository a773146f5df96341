//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler wires SIGHUP to Reload so operators can force a
// reload without touching the config file.
func (r *Reloader) registerSignalHandler() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				r.logger.Info("reload signal received", "path", r.path)
				r.Reload()
			case <-r.stopCh:
				return
			}
		}
	}()

	r.logger.Info("reload signal handler active", "signal", "SIGHUP")
}
