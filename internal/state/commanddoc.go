// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
)

// commandDoc is the persisted shape of a command record.
type commandDoc struct {
	ID       string `bson:"_id"`
	TenantID string `bson:"tenant-id"`
	UserID   string `bson:"user-id"`
	Source   string `bson:"source,omitempty"`
	Payload  string `bson:"payload"`

	Action         string     `bson:"action"`
	CronExpr       string     `bson:"cron-expr,omitempty"`
	NextRunAt      *time.Time `bson:"next-run-at,omitempty"`
	TerminateAfter *time.Time `bson:"terminate-after,omitempty"`
	Disabled       bool       `bson:"disabled"`
	Status         string     `bson:"status"`

	LeaseHolder string     `bson:"lease-holder"`
	LeaseUntil  *time.Time `bson:"lease-until,omitempty"`

	RetryCount         int   `bson:"retry-count"`
	MaxRetries         int   `bson:"max-retries"`
	RetryBackoffMillis int64 `bson:"retry-backoff-ms"`

	RunCount           int        `bson:"run-count"`
	SuccessCount       int        `bson:"success-count"`
	FailureCount       int        `bson:"failure-count"`
	EntitiesTouched    int        `bson:"entities-touched"`
	LastDurationMillis int64      `bson:"last-duration-ms"`
	LastExecutedAt     *time.Time `bson:"last-executed-at,omitempty"`
	LastErrorCode      string     `bson:"last-error-code,omitempty"`
	StaleLeaseCount    int        `bson:"stale-lease-count"`

	Logs    []logLineDoc `bson:"logs"`
	RunLogs []runLogDoc  `bson:"run-logs"`

	ActionAppliedAt *time.Time `bson:"action-applied-at,omitempty"`
	CreatedAt       time.Time  `bson:"created-at"`
	UpdatedAt       time.Time  `bson:"updated-at"`
}

type logLineDoc struct {
	At      time.Time `bson:"at"`
	Message string    `bson:"message"`
}

type runLogDoc struct {
	StartedAt       time.Time    `bson:"started-at"`
	EndedAt         time.Time    `bson:"ended-at"`
	DurationMillis  int64        `bson:"duration-ms"`
	EntitiesTouched int          `bson:"entities-touched"`
	Summary         string       `bson:"summary,omitempty"`
	Error           *runErrorDoc `bson:"error,omitempty"`
}

type runErrorDoc struct {
	Message string `bson:"message"`
	Code    string `bson:"code,omitempty"`
	Stack   string `bson:"stack,omitempty"`
}

func newCommandDoc(cmd command.Command) commandDoc {
	doc := commandDoc{
		ID:                 cmd.ID,
		TenantID:           cmd.TenantID,
		UserID:             cmd.UserID,
		Source:             cmd.Source,
		Payload:            cmd.Payload,
		Action:             string(cmd.Action),
		CronExpr:           cmd.CronExpr,
		NextRunAt:          mongoTimePtr(cmd.NextRunAt),
		TerminateAfter:     mongoTimePtr(cmd.TerminateAfter),
		Disabled:           cmd.Disabled,
		Status:             string(cmd.Status),
		LeaseHolder:        cmd.LeaseHolder,
		LeaseUntil:         mongoTimePtr(cmd.LeaseUntil),
		RetryCount:         cmd.RetryCount,
		MaxRetries:         cmd.MaxRetries,
		RetryBackoffMillis: cmd.RetryBackoff.Milliseconds(),
		RunCount:           cmd.RunCount,
		SuccessCount:       cmd.SuccessCount,
		FailureCount:       cmd.FailureCount,
		EntitiesTouched:    cmd.EntitiesTouched,
		LastDurationMillis: cmd.LastDuration.Milliseconds(),
		LastExecutedAt:     mongoTimePtr(cmd.LastExecutedAt),
		LastErrorCode:      cmd.LastErrorCode,
		StaleLeaseCount:    cmd.StaleLeaseCount,
		ActionAppliedAt:    mongoTimePtr(cmd.ActionAppliedAt),
		CreatedAt:          mongoTime(cmd.CreatedAt),
		UpdatedAt:          mongoTime(cmd.UpdatedAt),
	}
	for _, line := range cmd.Logs {
		doc.Logs = append(doc.Logs, logLineDoc{At: mongoTime(line.At), Message: line.Message})
	}
	for _, run := range cmd.RunLogs {
		doc.RunLogs = append(doc.RunLogs, newRunLogDoc(run))
	}
	return doc
}

func newRunLogDoc(run command.RunLog) runLogDoc {
	doc := runLogDoc{
		StartedAt:       mongoTime(run.StartedAt),
		EndedAt:         mongoTime(run.EndedAt),
		DurationMillis:  run.Duration.Milliseconds(),
		EntitiesTouched: run.EntitiesTouched,
		Summary:         run.Summary,
	}
	if run.Error != nil {
		doc.Error = &runErrorDoc{
			Message: run.Error.Message,
			Code:    run.Error.Code,
			Stack:   run.Error.Stack,
		}
	}
	return doc
}

func (doc commandDoc) value() command.Command {
	cmd := command.Command{
		ID:              doc.ID,
		TenantID:        doc.TenantID,
		UserID:          doc.UserID,
		Source:          doc.Source,
		Payload:         doc.Payload,
		Action:          command.Action(doc.Action),
		CronExpr:        doc.CronExpr,
		NextRunAt:       utcTimePtr(doc.NextRunAt),
		TerminateAfter:  utcTimePtr(doc.TerminateAfter),
		Disabled:        doc.Disabled,
		Status:          command.Status(doc.Status),
		LeaseHolder:     doc.LeaseHolder,
		LeaseUntil:      utcTimePtr(doc.LeaseUntil),
		RetryCount:      doc.RetryCount,
		MaxRetries:      doc.MaxRetries,
		RetryBackoff:    time.Duration(doc.RetryBackoffMillis) * time.Millisecond,
		RunCount:        doc.RunCount,
		SuccessCount:    doc.SuccessCount,
		FailureCount:    doc.FailureCount,
		EntitiesTouched: doc.EntitiesTouched,
		LastDuration:    time.Duration(doc.LastDurationMillis) * time.Millisecond,
		LastExecutedAt:  utcTimePtr(doc.LastExecutedAt),
		LastErrorCode:   doc.LastErrorCode,
		StaleLeaseCount: doc.StaleLeaseCount,
		ActionAppliedAt: utcTimePtr(doc.ActionAppliedAt),
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
	}
	for _, line := range doc.Logs {
		cmd.Logs = append(cmd.Logs, command.LogLine{At: line.At.UTC(), Message: line.Message})
	}
	for _, run := range doc.RunLogs {
		entry := command.RunLog{
			StartedAt:       run.StartedAt.UTC(),
			EndedAt:         run.EndedAt.UTC(),
			Duration:        time.Duration(run.DurationMillis) * time.Millisecond,
			EntitiesTouched: run.EntitiesTouched,
			Summary:         run.Summary,
		}
		if run.Error != nil {
			entry.Error = &command.RunError{
				Message: run.Error.Message,
				Code:    run.Error.Code,
				Stack:   run.Error.Stack,
			}
		}
		cmd.RunLogs = append(cmd.RunLogs, entry)
	}
	return cmd
}

func utcTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
