package internal

import "io"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	logOutput io.Writer
	sweep     bool
	dropRecov bool
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogOutput redirects the JSON log stream. The MCP mode sends logs to
// stderr because stdout carries the protocol.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithSweep makes RunFsck delete orphan files older than media.orphan_grace.
func WithSweep(sweep bool) Option {
	return func(a *application) {
		a.sweep = sweep
	}
}

// WithDropRecovery makes RunFsck delete recovery slots after reporting them.
func WithDropRecovery(drop bool) Option {
	return func(a *application) {
		a.dropRecov = drop
	}
}
