// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"context"
)

// Logger is the interface the rest of the codebase logs through. It is
// satisfied by the loggo-backed implementation in internal/logger, and by
// the test wrapper in internal/logger/testing.
type Logger interface {
	// Criticalf logs a message at the critical level.
	Criticalf(ctx context.Context, format string, args ...any)

	// Errorf logs a message at the error level.
	Errorf(ctx context.Context, format string, args ...any)

	// Warningf logs a message at the warning level.
	Warningf(ctx context.Context, format string, args ...any)

	// Infof logs a message at the info level.
	Infof(ctx context.Context, format string, args ...any)

	// Debugf logs a message at the debug level.
	Debugf(ctx context.Context, format string, args ...any)

	// Tracef logs a message at the trace level.
	Tracef(ctx context.Context, format string, args ...any)

	// IsTraceEnabled reports whether trace messages would be emitted, so
	// callers can avoid building expensive arguments.
	IsTraceEnabled() bool

	// Child returns a logger whose name is qualified with the given name.
	Child(name string) Logger
}
