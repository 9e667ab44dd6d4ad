// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"
	jujutxn "github.com/juju/txn/v3"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	corelogger "github.com/atrofymovych/jaktoswim-backend-sub000/core/logger"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/mongo"
)

// staleLeaseLogLine is appended whenever an expired lease is released,
// by the sweep or within a claim.
const staleLeaseLogLine = "stale lease auto-released"

// commandStore implements command.Store for one tenant's database.
type commandStore struct {
	session *mgo.Session
	dbName  string
	clock   clock.Clock
	logger  corelogger.Logger
}

// database returns the tenant database on a copied session, and the
// closer releasing it.
func (st *commandStore) database() (*mgo.Database, func()) {
	session := st.session.Copy()
	return session.DB(st.dbName), session.Close
}

func (st *commandStore) commands() (mongo.Collection, mongo.SessionCloser) {
	session := st.session.Copy()
	return mongo.WrapCollection(session.DB(st.dbName).C(commandsC)), session.Close
}

// dueSelector matches every record claimable at now: enabled, PENDING,
// due, lease free or expired, and not past its termination deadline.
func dueSelector(now time.Time) bson.D {
	return bson.D{
		{"disabled", false},
		{"status", string(command.StatusPending)},
		{"next-run-at", bson.D{{"$lte", now}}},
		{"$and", []bson.D{
			{{"$or", []bson.D{
				{{"lease-holder", ""}},
				{{"lease-until", bson.D{{"$lte", now}}}},
			}}},
			{{"$or", []bson.D{
				{{"terminate-after", bson.D{{"$exists", false}}}},
				{{"terminate-after", bson.D{{"$gt", now}}}},
			}}},
		}},
	}
}

// claimAssert re-states a specific record's eligibility as a txn
// assertion. holder is the lease holder observed when the record was
// read; asserting it pins the read so a concurrent claimer aborts us
// instead of both winning.
func claimAssert(now time.Time, holder string) bson.D {
	assert := bson.D{
		{"disabled", false},
		{"status", string(command.StatusPending)},
		{"next-run-at", bson.D{{"$lte", now}}},
		{"lease-holder", holder},
	}
	if holder != "" {
		assert = append(assert, bson.DocElem{Name: "lease-until", Value: bson.D{{"$lte", now}}})
	}
	return assert
}

// SweepStaleLeases is part of the command.Store interface.
func (st *commandStore) SweepStaleLeases(ctx context.Context, now time.Time) (int, error) {
	now = mongoTime(now)
	coll, closer := st.commands()
	defer closer()

	line := logLineDoc{At: now, Message: staleLeaseLogLine}
	released := 0

	// RUNNING records go back to PENDING so they can be reclaimed;
	// anything else just loses its lease. Two conditional passes keep
	// each update a single unambiguous document.
	info, err := coll.Writeable().UpdateAll(
		bson.D{
			{"status", string(command.StatusRunning)},
			{"lease-holder", bson.D{{"$ne", ""}}},
			{"lease-until", bson.D{{"$lte", now}}},
		},
		bson.D{
			{"$set", bson.D{
				{"status", string(command.StatusPending)},
				{"lease-holder", ""},
				{"updated-at", now},
			}},
			{"$unset", bson.D{{"lease-until", 1}}},
			{"$inc", bson.D{{"stale-lease-count", 1}}},
			{"$push", bson.D{{"logs", line}}},
		},
	)
	if err != nil {
		return 0, errors.Annotate(err, "sweeping running leases")
	}
	released += info.Updated

	info, err = coll.Writeable().UpdateAll(
		bson.D{
			{"status", bson.D{{"$ne", string(command.StatusRunning)}}},
			{"lease-holder", bson.D{{"$ne", ""}}},
			{"lease-until", bson.D{{"$lte", now}}},
		},
		bson.D{
			{"$set", bson.D{
				{"lease-holder", ""},
				{"updated-at", now},
			}},
			{"$unset", bson.D{{"lease-until", 1}}},
			{"$inc", bson.D{{"stale-lease-count", 1}}},
			{"$push", bson.D{{"logs", line}}},
		},
	)
	if err != nil {
		return 0, errors.Annotate(err, "sweeping idle leases")
	}
	released += info.Updated
	return released, nil
}

// ClaimOneDue is part of the command.Store interface.
func (st *commandStore) ClaimOneDue(ctx context.Context, workerLabel string, leaseTTL time.Duration, now time.Time) (*command.Command, error) {
	if workerLabel == "" {
		return nil, errors.NotValidf("empty worker label")
	}
	now = mongoTime(now)
	until := now.Add(leaseTTL)

	db, closer := st.database()
	defer closer()
	coll := db.C(commandsC)
	runner := jujutxn.NewRunner(jujutxn.RunnerParams{Database: db})

	var claimedID string
	buildTxn := func(attempt int) ([]txn.Op, error) {
		var doc commandDoc
		err := coll.Find(dueSelector(now)).Sort("next-run-at", "_id").One(&doc)
		if err == mgo.ErrNotFound {
			return nil, errors.NotFoundf("claimable command")
		} else if err != nil {
			return nil, errors.Annotate(err, "querying due commands")
		}

		lines := []logLineDoc{}
		update := bson.D{
			{"$set", bson.D{
				{"status", string(command.StatusRunning)},
				{"lease-holder", workerLabel},
				{"lease-until", until},
				{"updated-at", now},
			}},
		}
		if doc.LeaseHolder != "" {
			// The winning record carries an expired lease; releasing
			// it is part of the same atomic step.
			update = append(update, bson.DocElem{
				Name: "$inc", Value: bson.D{{"stale-lease-count", 1}},
			})
			lines = append(lines, logLineDoc{At: now, Message: staleLeaseLogLine})
		}
		lines = append(lines, logLineDoc{
			At:      now,
			Message: fmt.Sprintf("claimed by %s", workerLabel),
		})
		update = append(update, bson.DocElem{
			Name: "$push", Value: bson.D{{"logs", bson.D{{"$each", lines}}}},
		})

		claimedID = doc.ID
		return []txn.Op{{
			C:      commandsC,
			Id:     doc.ID,
			Assert: claimAssert(now, doc.LeaseHolder),
			Update: update,
		}}, nil
	}
	if err := runner.Run(buildTxn); err != nil {
		if errors.Is(err, errors.NotFound) {
			return nil, errors.Trace(err)
		}
		return nil, errors.Annotate(err, "claiming command")
	}

	var doc commandDoc
	if err := coll.FindId(claimedID).One(&doc); err != nil {
		return nil, errors.Annotatef(err, "reading back claimed command %q", claimedID)
	}
	cmd := doc.value()
	return &cmd, nil
}

// Finalize is part of the command.Store interface.
func (st *commandStore) Finalize(ctx context.Context, id string, outcome command.Outcome) error {
	if err := outcome.Validate(); err != nil {
		return errors.Trace(err)
	}
	started := mongoTime(outcome.StartedAt)
	ended := mongoTime(outcome.EndedAt)

	db, closer := st.database()
	defer closer()
	coll := db.C(commandsC)
	runner := jujutxn.NewRunner(jujutxn.RunnerParams{Database: db})

	buildTxn := func(attempt int) ([]txn.Op, error) {
		var doc commandDoc
		err := coll.FindId(id).One(&doc)
		if err == mgo.ErrNotFound {
			return nil, errors.NotFoundf("command %q", id)
		} else if err != nil {
			return nil, errors.Annotatef(err, "reading command %q", id)
		}
		if doc.Status != string(command.StatusRunning) || doc.LeaseHolder != outcome.Worker {
			return nil, command.ErrLeaseNotHeld
		}

		set := bson.D{
			{"status", string(outcome.Status)},
			{"lease-holder", ""},
			{"retry-count", outcome.RetryCount},
			{"entities-touched", outcome.EntitiesTouched},
			{"last-duration-ms", outcome.Duration().Milliseconds()},
			{"last-executed-at", ended},
			{"updated-at", ended},
		}
		// An externally-set disabled flag is never contradicted here;
		// the record simply stops being claimable.
		if outcome.Disable {
			set = append(set, bson.DocElem{Name: "disabled", Value: true})
		}
		if outcome.NextRunAt != nil {
			set = append(set, bson.DocElem{Name: "next-run-at", Value: mongoTime(*outcome.NextRunAt)})
		}

		counters := bson.D{{"run-count", 1}}
		var line string
		if outcome.Success {
			counters = append(counters, bson.DocElem{Name: "success-count", Value: 1})
			line = fmt.Sprintf("run succeeded in %v", outcome.Duration())
		} else {
			counters = append(counters, bson.DocElem{Name: "failure-count", Value: 1})
			set = append(set, bson.DocElem{Name: "last-error-code", Value: outcome.Error.Code})
			line = fmt.Sprintf("run failed (%s): %s", outcome.Error.Code, outcome.Error.Message)
		}

		runEntry := newRunLogDoc(command.RunLog{
			StartedAt:       started,
			EndedAt:         ended,
			Duration:        outcome.Duration(),
			EntitiesTouched: outcome.EntitiesTouched,
			Summary:         outcome.Summary,
			Error:           outcome.Error,
		})

		return []txn.Op{{
			C:  commandsC,
			Id: id,
			Assert: bson.D{
				{"status", string(command.StatusRunning)},
				{"lease-holder", outcome.Worker},
			},
			Update: bson.D{
				{"$set", set},
				{"$unset", bson.D{{"lease-until", 1}}},
				{"$inc", counters},
				{"$push", bson.D{
					{"logs", logLineDoc{At: ended, Message: line}},
					{"run-logs", runEntry},
				}},
			},
		}}, nil
	}
	return errors.Trace(runner.Run(buildTxn))
}

// AppendLogs is part of the command.Store interface.
func (st *commandStore) AppendLogs(ctx context.Context, id string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	now := mongoTime(st.clock.Now())
	docs := make([]logLineDoc, len(lines))
	for i, line := range lines {
		docs[i] = logLineDoc{At: now, Message: line}
	}
	coll, closer := st.commands()
	defer closer()
	err := coll.Writeable().UpdateId(id, bson.D{
		{"$push", bson.D{{"logs", bson.D{{"$each", docs}}}}},
		{"$set", bson.D{{"updated-at", now}}},
	})
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("command %q", id)
	}
	return errors.Trace(err)
}

// SetSchedule is part of the command.Store interface.
func (st *commandStore) SetSchedule(ctx context.Context, id string, at time.Time, reason string) error {
	now := mongoTime(st.clock.Now())
	at = mongoTime(at)
	coll, closer := st.commands()
	defer closer()
	err := coll.Writeable().UpdateId(id, bson.D{
		{"$set", bson.D{
			{"status", string(command.StatusPending)},
			{"disabled", false},
			{"next-run-at", at},
			{"lease-holder", ""},
			{"updated-at", now},
		}},
		{"$unset", bson.D{{"lease-until", 1}}},
		{"$push", bson.D{{"logs", logLineDoc{
			At:      now,
			Message: fmt.Sprintf("next run set to %s: %s", at.Format(time.RFC3339), reason),
		}}}},
	})
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("command %q", id)
	}
	return errors.Trace(err)
}

// SetDisabled is part of the command.Store interface.
func (st *commandStore) SetDisabled(ctx context.Context, id string, reason string) error {
	now := mongoTime(st.clock.Now())
	coll, closer := st.commands()
	defer closer()
	err := coll.Writeable().UpdateId(id, bson.D{
		{"$set", bson.D{
			{"status", string(command.StatusDisabled)},
			{"disabled", true},
			{"lease-holder", ""},
			{"updated-at", now},
		}},
		{"$unset", bson.D{{"lease-until", 1}}},
		{"$push", bson.D{{"logs", logLineDoc{
			At:      now,
			Message: fmt.Sprintf("disabled: %s", reason),
		}}}},
	})
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("command %q", id)
	}
	return errors.Trace(err)
}

// Schedule is part of the command.Store interface.
func (st *commandStore) Schedule(ctx context.Context, cmd command.Command) error {
	if err := cmd.Validate(); err != nil {
		return errors.Trace(err)
	}
	now := mongoTime(st.clock.Now())
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	if cmd.Status == "" {
		cmd.Status = command.StatusPending
	}
	coll, closer := st.commands()
	defer closer()
	err := coll.Writeable().Insert(newCommandDoc(cmd))
	if mgo.IsDup(err) {
		return errors.AlreadyExistsf("command %q", cmd.ID)
	}
	return errors.Trace(err)
}

// RunNow is part of the command.Store interface.
func (st *commandStore) RunNow(ctx context.Context, id string, now time.Time) error {
	now = mongoTime(now)

	db, closer := st.database()
	defer closer()
	coll := db.C(commandsC)
	runner := jujutxn.NewRunner(jujutxn.RunnerParams{Database: db})

	buildTxn := func(attempt int) ([]txn.Op, error) {
		var doc commandDoc
		err := coll.FindId(id).One(&doc)
		if err == mgo.ErrNotFound {
			return nil, errors.NotFoundf("command %q", id)
		} else if err != nil {
			return nil, errors.Annotatef(err, "reading command %q", id)
		}
		if doc.LeaseHolder != "" && doc.LeaseUntil != nil && doc.LeaseUntil.After(now) {
			return nil, command.ErrLeaseHeld
		}
		return []txn.Op{{
			C:  commandsC,
			Id: id,
			Assert: bson.D{{"$or", []bson.D{
				{{"lease-holder", ""}},
				{{"lease-until", bson.D{{"$lte", now}}}},
			}}},
			Update: bson.D{
				{"$set", bson.D{
					{"status", string(command.StatusPending)},
					{"disabled", false},
					{"next-run-at", now},
					{"updated-at", now},
				}},
				{"$push", bson.D{{"logs", logLineDoc{
					At:      now,
					Message: "immediate run requested",
				}}}},
			},
		}}, nil
	}
	return errors.Trace(runner.Run(buildTxn))
}

// Get is part of the command.Store interface.
func (st *commandStore) Get(ctx context.Context, id string) (*command.Command, error) {
	coll, closer := st.commands()
	defer closer()
	var doc commandDoc
	err := coll.FindId(id).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("command %q", id)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	cmd := doc.value()
	return &cmd, nil
}
