//go:build windows

package config

// registerSignalHandler does nothing on Windows: there is no SIGHUP, so the
// file watcher is the only reload trigger.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("no reload signal on this platform, file watcher only")
}
