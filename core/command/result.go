// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package command

import (
	"fmt"
	"time"
)

// Error codes recorded on failed runs. Programs may raise errors
// carrying their own codes, which are preserved verbatim.
const (
	CodeDecryptFailed = "DECRYPT_FAILED"
	CodeTimeout       = "TIMEOUT"
	CodeUnexpected    = "UNEXPECTED"
)

// Error is a program execution failure with a stable code. The
// evaluator returns one for anything the program raised or for budget
// exhaustion; the worker records its code on the command.
type Error struct {
	Code    string
	Message string
	Stack   string
}

// Error is part of the error interface.
func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode extracts the stable code from err, defaulting to
// CodeUnexpected for plain errors.
func ErrorCode(err error) string {
	if cerr, ok := err.(*Error); ok && cerr.Code != "" {
		return cerr.Code
	}
	return CodeUnexpected
}

// ResultKind tags how a run that did not fail came to an end.
type ResultKind string

const (
	// ResultCompleted means the program ran to completion.
	ResultCompleted ResultKind = "COMPLETED"

	// ResultDisabled means the program raised the COMMAND_DISABLED
	// signal to switch its own record off.
	ResultDisabled ResultKind = "COMMAND_DISABLED"

	// ResultRescheduled means the program raised the NEXT_RUN_SET
	// signal to choose its own next run instant.
	ResultRescheduled ResultKind = "NEXT_RUN_SET"
)

// Result is the tagged outcome of a successful evaluation. Control
// signals are results, not errors: a program that disables itself has
// still succeeded.
type Result struct {
	Kind ResultKind

	// Reason accompanies the COMMAND_DISABLED and NEXT_RUN_SET kinds.
	Reason string

	// NextRunAt is set for the NEXT_RUN_SET kind only.
	NextRunAt time.Time
}
