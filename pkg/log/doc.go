// Package log provides the orchestrator's structured logging, built on
// zerolog. Init configures the package-level Logger once at process startup
// from a Config (level, JSON vs. console output, destination writer); every
// component after that derives a scoped child logger rather than writing to
// the global directly:
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
//	l := log.WithComponent("scheduler").With().Int("level", level).Logger()
//	l.Info().Str("feature", feature).Msg("level gate opened")
//
// WithWorkerID and WithTaskID attach the other two identifiers that recur
// across this system's log lines: which worker emitted an event, and which
// task it concerns. Package-level Info/Debug/Warn/Error/Errorf/Fatal are
// thin wrappers over the global Logger for call sites with no scope worth
// attaching.
package log
