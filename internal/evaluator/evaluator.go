// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package evaluator runs decrypted command programs inside an embedded
// JavaScript runtime under a wall-clock budget. The program sees a
// single global, dao, holding the effect table's operations under
// their wire names, and nothing of the host: no filesystem, no
// network, and no clock beyond what the effects expose.
package evaluator

import (
	"context"
	"time"

	"github.com/dop251/goja"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	corelogger "github.com/atrofymovych/jaktoswim-backend-sub000/core/logger"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/effects"
)

// effectsGlobal is the name programs address the effect table by.
const effectsGlobal = "dao"

// budgetInterrupt and signalInterrupt are the values handed to the
// runtime interrupt so the two halt causes can be told apart.
type budgetInterrupt struct{}
type signalInterrupt struct{}

// Config holds an Engine's dependencies.
type Config struct {
	Clock  clock.Clock
	Logger corelogger.Logger
}

// Validate returns an error if the config cannot build an Engine.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Engine evaluates programs. It is stateless; every run gets a fresh
// runtime.
type Engine struct {
	config Config
}

// New returns an Engine.
func New(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{config: config}, nil
}

// Run executes program against the effect table until it completes,
// raises a control signal, errors, or exhausts the budget. A raised
// signal is a successful result; errors carry a stable code for the
// worker's bookkeeping.
func (e *Engine) Run(ctx context.Context, program string, table *effects.Table, budget time.Duration) (command.Result, error) {
	if budget <= 0 {
		return command.Result{}, errors.NotValidf("budget %v", budget)
	}

	vm := goja.New()
	if err := e.sandbox(vm, ctx, table); err != nil {
		return command.Result{}, errors.Trace(err)
	}

	timer := e.config.Clock.AfterFunc(budget, func() {
		vm.Interrupt(budgetInterrupt{})
	})
	defer timer.Stop()

	_, err := vm.RunString(program)

	// A recorded signal wins over whatever way the program stopped:
	// the interrupt that halts evaluation is part of raising it.
	if signal := table.Signal(); signal != nil {
		return *signal, nil
	}
	if err == nil {
		return command.Result{Kind: command.ResultCompleted}, nil
	}

	switch failure := err.(type) {
	case *goja.InterruptedError:
		if _, ok := failure.Value().(budgetInterrupt); ok {
			return command.Result{}, &command.Error{
				Code:    command.CodeTimeout,
				Message: "evaluation budget exceeded",
			}
		}
		return command.Result{}, &command.Error{
			Code:    command.CodeUnexpected,
			Message: failure.Error(),
		}
	case *goja.Exception:
		return command.Result{}, thrownError(failure)
	}
	return command.Result{}, errors.Trace(err)
}

// sandbox strips ambient authority from the runtime and installs the
// effect table as the dao global.
func (e *Engine) sandbox(vm *goja.Runtime, ctx context.Context, table *effects.Table) error {
	// The effects are the program's only clock.
	if err := vm.GlobalObject().Delete("Date"); err != nil {
		return errors.Trace(err)
	}

	dao := vm.NewObject()
	for name, handler := range table.Handlers() {
		name, handler := name, handler
		fn := func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			res, err := handler(ctx, args...)
			if errors.Is(err, effects.ErrSignalRaised) {
				// Halt the program; uncatchable by design of
				// Interrupt, so a try/catch cannot swallow the
				// signal.
				vm.Interrupt(signalInterrupt{})
				return goja.Undefined()
			}
			if err != nil {
				e.config.Logger.Tracef(ctx, "effect %q failed: %v", name, err)
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(res)
		}
		if err := dao.Set(name, fn); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(vm.Set(effectsGlobal, dao))
}

// thrownError maps an uncaught program exception to a command error,
// preserving a code when the thrown value carries one.
func thrownError(ex *goja.Exception) *command.Error {
	cerr := &command.Error{
		Code:  command.CodeUnexpected,
		Stack: ex.String(),
	}
	if obj, ok := ex.Value().(*goja.Object); ok {
		if v := obj.Get("message"); v != nil && !goja.IsUndefined(v) {
			cerr.Message = v.String()
		}
		if v := obj.Get("code"); v != nil && !goja.IsUndefined(v) {
			if code := v.String(); code != "" {
				cerr.Code = code
			}
		}
	}
	if cerr.Message == "" {
		cerr.Message = ex.Value().String()
	}
	return cerr
}
