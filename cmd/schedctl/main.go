// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// schedctl is the scheduler's admin tool. It shares the daemon's
// config file and talks straight to the per-tenant stores: it can
// schedule a new command from a program file, make an existing one due
// immediately, disable one, or print one.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/mgo/v3"
	"gopkg.in/retry.v1"
	"gopkg.in/yaml.v2"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/config"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/cronplan"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/crypt"
	internallogger "github.com/atrofymovych/jaktoswim-backend-sub000/internal/logger"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/state"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/version"
)

const usage = `usage: schedctl [--config <path>] <command> ...

commands:
    schedule --tenant <id> --user <id> --program <file> [options]
    run-now  --tenant <id> <command-id>
    disable  --tenant <id> [--reason <text>] <command-id>
    show     --tenant <id> <command-id>
    version
`

const (
	mongoDialTimeout = 10 * time.Second

	// Store calls retry briefly on transient failure; anything that
	// survives the strategy is reported to the operator.
	storeAttempts   = 5
	storeRetryDelay = 50 * time.Millisecond
	storeBackoff    = 2.0
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main dispatches to the subcommands, returning the process exit code.
func Main(args []string) int {
	var configPath string
	f := gnuflag.NewFlagSet("schedctl", gnuflag.ExitOnError)
	f.StringVar(&configPath, "config", "scheduler.yaml", "path to the scheduler configuration file")
	if err := f.Parse(false, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	rest := f.Args()
	if len(rest) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	var err error
	switch sub := rest[0]; sub {
	case "schedule":
		err = runSchedule(configPath, rest[1:])
	case "run-now":
		err = runRunNow(configPath, rest[1:])
	case "disable":
		err = runDisable(configPath, rest[1:])
	case "show":
		err = runShow(configPath, rest[1:])
	case "version":
		fmt.Println(version.Current)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", sub, usage)
		return 2
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// env carries what every subcommand needs: the parsed config and a
// store resolved for one tenant.
type env struct {
	cfg      config.Config
	session  *mgo.Session
	store    command.Store
	tenantID string
	clock    clock.Clock
}

func (e *env) close() {
	if e.session != nil {
		e.session.Close()
	}
}

func dial(configPath, tenantID string) (*env, error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if tenantID == "" {
		return nil, errors.New("missing --tenant")
	}
	session, err := mgo.DialWithTimeout(cfg.Mongo.URL, mongoDialTimeout)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing mongo at %q", cfg.Mongo.URL)
	}
	clk := clock.WallClock
	registry, err := state.NewRegistry(state.Params{
		Session:        session,
		DatabasePrefix: cfg.Mongo.DatabasePrefix,
		Tenants:        cfg.Tenants,
		Clock:          clk,
		Logger:         internallogger.GetLogger("schedctl"),
	})
	if err != nil {
		session.Close()
		return nil, errors.Trace(err)
	}
	store, err := registry.CommandStore(context.Background(), tenantID)
	if err != nil {
		session.Close()
		return nil, errors.Trace(err)
	}
	return &env{
		cfg:      cfg,
		session:  session,
		store:    store,
		tenantID: tenantID,
		clock:    clk,
	}, nil
}

// withRetry runs f under a short exponential strategy, passing fatal
// domain errors straight through.
func withRetry(clk clock.Clock, f func() error) error {
	strategy := retry.LimitCount(storeAttempts, retry.Exponential{
		Initial: storeRetryDelay,
		Factor:  storeBackoff,
		Jitter:  true,
	})
	var err error
	for a := retry.Start(strategy, clk); a.Next(); {
		err = f()
		if err == nil {
			return nil
		}
		if errors.Is(err, errors.NotFound) ||
			errors.Is(err, errors.NotValid) ||
			errors.Is(err, command.ErrLeaseHeld) {
			return err
		}
	}
	return err
}

func runSchedule(configPath string, args []string) error {
	var (
		tenantID       string
		userID         string
		programPath    string
		cronExpr       string
		action         string
		source         string
		maxRetries     int
		backoffMs      int
		terminateAfter string
	)
	f := gnuflag.NewFlagSet("schedule", gnuflag.ExitOnError)
	f.StringVar(&tenantID, "tenant", "", "tenant to schedule into")
	f.StringVar(&userID, "user", "", "user the command runs as")
	f.StringVar(&programPath, "program", "", "file holding the program text")
	f.StringVar(&cronExpr, "cron", "", "cron expression, e.g. \"*/5 * * * *\"")
	f.StringVar(&action, "action", string(command.ActionRegisterRecurring), "registration action")
	f.StringVar(&source, "source", "schedctl", "origin recorded on the command")
	f.IntVar(&maxRetries, "max-retries", -1, "failed-run retry limit (default from config)")
	f.IntVar(&backoffMs, "backoff-ms", -1, "delay before a retry (default from config)")
	f.StringVar(&terminateAfter, "terminate-after", "", "RFC3339 instant after which the command stops being claimed")
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	if userID == "" {
		return errors.New("missing --user")
	}
	if programPath == "" {
		return errors.New("missing --program")
	}

	e, err := dial(configPath, tenantID)
	if err != nil {
		return errors.Trace(err)
	}
	defer e.close()

	program, err := os.ReadFile(programPath)
	if err != nil {
		return errors.Annotatef(err, "reading program %q", programPath)
	}
	payload, err := crypt.Seal(string(program), e.cfg.DecryptKey)
	if err != nil {
		return errors.Trace(err)
	}

	now := e.clock.Now()
	cmd := command.Command{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		UserID:       userID,
		Source:       source,
		Payload:      payload,
		Action:       command.Action(action),
		CronExpr:     cronExpr,
		MaxRetries:   e.cfg.MaxRetriesDefault,
		RetryBackoff: e.cfg.RetryBackoffDefault,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if maxRetries >= 0 {
		cmd.MaxRetries = maxRetries
	}
	if backoffMs >= 0 {
		cmd.RetryBackoff = time.Duration(backoffMs) * time.Millisecond
	}
	if terminateAfter != "" {
		at, err := time.Parse(time.RFC3339, terminateAfter)
		if err != nil {
			return errors.Annotate(err, "parsing --terminate-after")
		}
		cmd.TerminateAfter = &at
	}

	cmd, err = command.NormalizeInitialAction(cmd, cronplan.New(), now)
	if err != nil {
		return errors.Trace(err)
	}
	if err := cmd.Validate(); err != nil {
		return errors.Trace(err)
	}

	ctx := context.Background()
	if err := withRetry(e.clock, func() error {
		return e.store.Schedule(ctx, cmd)
	}); err != nil {
		return errors.Trace(err)
	}
	fmt.Println(cmd.ID)
	return nil
}

func runRunNow(configPath string, args []string) error {
	var tenantID string
	f := gnuflag.NewFlagSet("run-now", gnuflag.ExitOnError)
	f.StringVar(&tenantID, "tenant", "", "tenant holding the command")
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	id, err := commandID(f.Args())
	if err != nil {
		return errors.Trace(err)
	}

	e, err := dial(configPath, tenantID)
	if err != nil {
		return errors.Trace(err)
	}
	defer e.close()

	ctx := context.Background()
	return errors.Trace(withRetry(e.clock, func() error {
		return e.store.RunNow(ctx, id, e.clock.Now())
	}))
}

func runDisable(configPath string, args []string) error {
	var (
		tenantID string
		reason   string
	)
	f := gnuflag.NewFlagSet("disable", gnuflag.ExitOnError)
	f.StringVar(&tenantID, "tenant", "", "tenant holding the command")
	f.StringVar(&reason, "reason", "disabled by operator", "reason recorded on the command")
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	id, err := commandID(f.Args())
	if err != nil {
		return errors.Trace(err)
	}

	e, err := dial(configPath, tenantID)
	if err != nil {
		return errors.Trace(err)
	}
	defer e.close()

	ctx := context.Background()
	return errors.Trace(withRetry(e.clock, func() error {
		return e.store.SetDisabled(ctx, id, reason)
	}))
}

func runShow(configPath string, args []string) error {
	var tenantID string
	f := gnuflag.NewFlagSet("show", gnuflag.ExitOnError)
	f.StringVar(&tenantID, "tenant", "", "tenant holding the command")
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	id, err := commandID(f.Args())
	if err != nil {
		return errors.Trace(err)
	}

	e, err := dial(configPath, tenantID)
	if err != nil {
		return errors.Trace(err)
	}
	defer e.close()

	ctx := context.Background()
	var cmd *command.Command
	if err := withRetry(e.clock, func() error {
		var err error
		cmd, err = e.store.Get(ctx, id)
		return err
	}); err != nil {
		return errors.Trace(err)
	}

	out, err := yaml.Marshal(displayCommand(cmd))
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Print(string(out))
	return nil
}

func commandID(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("expected exactly one <command-id>")
	}
	return args[0], nil
}

// display is the operator-facing YAML rendering of a command record.
// The payload stays out; it is ciphertext and noise.
type display struct {
	ID              string     `yaml:"id"`
	TenantID        string     `yaml:"tenant"`
	UserID          string     `yaml:"user"`
	Source          string     `yaml:"source,omitempty"`
	Action          string     `yaml:"action"`
	CronExpr        string     `yaml:"cron,omitempty"`
	Status          string     `yaml:"status"`
	Disabled        bool       `yaml:"disabled"`
	NextRunAt       *time.Time `yaml:"next-run-at,omitempty"`
	TerminateAfter  *time.Time `yaml:"terminate-after,omitempty"`
	LeaseHolder     string     `yaml:"lease-holder,omitempty"`
	LeaseUntil      *time.Time `yaml:"lease-until,omitempty"`
	RetryCount      int        `yaml:"retry-count"`
	MaxRetries      int        `yaml:"max-retries"`
	RetryBackoff    string     `yaml:"retry-backoff"`
	RunCount        int        `yaml:"run-count"`
	SuccessCount    int        `yaml:"success-count"`
	FailureCount    int        `yaml:"failure-count"`
	EntitiesTouched int        `yaml:"entities-touched"`
	LastErrorCode   string     `yaml:"last-error-code,omitempty"`
	LastExecutedAt  *time.Time `yaml:"last-executed-at,omitempty"`
	StaleLeaseCount int        `yaml:"stale-lease-count"`
	CreatedAt       time.Time  `yaml:"created-at"`
	UpdatedAt       time.Time  `yaml:"updated-at"`
}

func displayCommand(cmd *command.Command) display {
	return display{
		ID:              cmd.ID,
		TenantID:        cmd.TenantID,
		UserID:          cmd.UserID,
		Source:          cmd.Source,
		Action:          string(cmd.Action),
		CronExpr:        cmd.CronExpr,
		Status:          string(cmd.Status),
		Disabled:        cmd.Disabled,
		NextRunAt:       cmd.NextRunAt,
		TerminateAfter:  cmd.TerminateAfter,
		LeaseHolder:     cmd.LeaseHolder,
		LeaseUntil:      cmd.LeaseUntil,
		RetryCount:      cmd.RetryCount,
		MaxRetries:      cmd.MaxRetries,
		RetryBackoff:    cmd.RetryBackoff.String(),
		RunCount:        cmd.RunCount,
		SuccessCount:    cmd.SuccessCount,
		FailureCount:    cmd.FailureCount,
		EntitiesTouched: cmd.EntitiesTouched,
		LastErrorCode:   cmd.LastErrorCode,
		LastExecutedAt:  cmd.LastExecutedAt,
		StaleLeaseCount: cmd.StaleLeaseCount,
		CreatedAt:       cmd.CreatedAt,
		UpdatedAt:       cmd.UpdatedAt,
	}
}
