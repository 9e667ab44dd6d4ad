// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"context"

	"github.com/juju/loggo/v2"

	corelogger "github.com/atrofymovych/jaktoswim-backend-sub000/core/logger"
)

// GetLogger returns a logger with the given name from the default
// loggo context.
func GetLogger(name string) corelogger.Logger {
	return WrapLoggo(loggo.GetLogger(name))
}

// WrapLoggo adapts a loggo.Logger to the corelogger.Logger interface.
func WrapLoggo(logger loggo.Logger) corelogger.Logger {
	return loggoLogger{logger: logger}
}

type loggoLogger struct {
	logger loggo.Logger
}

// Criticalf is part of the corelogger.Logger interface.
func (c loggoLogger) Criticalf(ctx context.Context, format string, args ...any) {
	c.logger.Criticalf(format, args...)
}

// Errorf is part of the corelogger.Logger interface.
func (c loggoLogger) Errorf(ctx context.Context, format string, args ...any) {
	c.logger.Errorf(format, args...)
}

// Warningf is part of the corelogger.Logger interface.
func (c loggoLogger) Warningf(ctx context.Context, format string, args ...any) {
	c.logger.Warningf(format, args...)
}

// Infof is part of the corelogger.Logger interface.
func (c loggoLogger) Infof(ctx context.Context, format string, args ...any) {
	c.logger.Infof(format, args...)
}

// Debugf is part of the corelogger.Logger interface.
func (c loggoLogger) Debugf(ctx context.Context, format string, args ...any) {
	c.logger.Debugf(format, args...)
}

// Tracef is part of the corelogger.Logger interface.
func (c loggoLogger) Tracef(ctx context.Context, format string, args ...any) {
	c.logger.Tracef(format, args...)
}

// IsTraceEnabled is part of the corelogger.Logger interface.
func (c loggoLogger) IsTraceEnabled() bool {
	return c.logger.IsTraceEnabled()
}

// Child is part of the corelogger.Logger interface.
func (c loggoLogger) Child(name string) corelogger.Logger {
	return loggoLogger{logger: c.logger.Child(name)}
}
