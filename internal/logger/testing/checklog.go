// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package loggertesting

import (
	"context"
	"fmt"

	corelogger "github.com/atrofymovych/jaktoswim-backend-sub000/core/logger"
)

// CheckLogger is implemented by *gc.C and *testing.T.
type CheckLogger interface {
	Logf(format string, args ...any)
}

// WrapCheckLog returns a corelogger.Logger that writes everything, trace
// included, through the test's log.
func WrapCheckLog(log CheckLogger) corelogger.Logger {
	return checkLogger{log: log}
}

type checkLogger struct {
	log  CheckLogger
	name string
}

func (c checkLogger) logf(level, format string, args ...any) {
	prefix := level
	if c.name != "" {
		prefix = fmt.Sprintf("%s: %s", c.name, level)
	}
	c.log.Logf(prefix+": "+format, args...)
}

// Criticalf is part of the corelogger.Logger interface.
func (c checkLogger) Criticalf(ctx context.Context, format string, args ...any) {
	c.logf("CRITICAL", format, args...)
}

// Errorf is part of the corelogger.Logger interface.
func (c checkLogger) Errorf(ctx context.Context, format string, args ...any) {
	c.logf("ERROR", format, args...)
}

// Warningf is part of the corelogger.Logger interface.
func (c checkLogger) Warningf(ctx context.Context, format string, args ...any) {
	c.logf("WARNING", format, args...)
}

// Infof is part of the corelogger.Logger interface.
func (c checkLogger) Infof(ctx context.Context, format string, args ...any) {
	c.logf("INFO", format, args...)
}

// Debugf is part of the corelogger.Logger interface.
func (c checkLogger) Debugf(ctx context.Context, format string, args ...any) {
	c.logf("DEBUG", format, args...)
}

// Tracef is part of the corelogger.Logger interface.
func (c checkLogger) Tracef(ctx context.Context, format string, args ...any) {
	c.logf("TRACE", format, args...)
}

// IsTraceEnabled is part of the corelogger.Logger interface.
func (c checkLogger) IsTraceEnabled() bool { return true }

// Child is part of the corelogger.Logger interface.
func (c checkLogger) Child(name string) corelogger.Logger {
	child := c.name
	if child == "" {
		child = name
	} else {
		child = child + "." + name
	}
	return checkLogger{log: c.log, name: child}
}
