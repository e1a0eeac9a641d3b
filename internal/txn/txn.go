// Package txn implements the transactional actuator (spec §4.4): an
// ordered sequence of (apply, rollback) actions executed with at-most-once
// semantics and best-effort rollback of the already-applied prefix on
// partial failure, emitting lifecycle events around both passes. It is
// grounded on the continue-on-error, collect-and-report style pbr uses
// throughout internal/service/*.go, formalized into a generic actuator.
package txn

import (
	"context"
	"fmt"

	"github.com/Deleranax/tpm/internal/trace"
)

// Action pairs opaque per-step data with apply/rollback functions. Either
// function may be nil, in which case it behaves as a no-op.
type Action struct {
	Data     any
	Apply    func(data any) error
	Rollback func(data any) error
}

func (a Action) apply() error {
	if a.Apply == nil {
		return nil
	}
	return a.Apply(a.Data)
}

func (a Action) rollback() error {
	if a.Rollback == nil {
		return nil
	}
	return a.Rollback(a.Data)
}

// ActionError pairs a failed action's data with the error it raised.
type ActionError struct {
	Data any
	Err  error
}

func (e ActionError) Error() string {
	return fmt.Sprintf("action failed: %v", e.Err)
}

func (e ActionError) Unwrap() error { return e.Err }

// Handlers are the lifecycle hooks fired around a Transaction's apply and
// rollback passes. r is true when the current pass is the rollback pass.
// All fields are optional.
type Handlers struct {
	Open      func()
	Close     func()
	BeforeAll func(r bool, n int)
	AfterAll  func(r bool, n int, hadError bool)
	Before    func(r bool, i int, data any)
	After     func(r bool, i int, data any, isError bool)
}

// Transaction holds an ordered action list and the lifecycle handlers to
// fire around Apply.
type Transaction struct {
	actions  []Action
	handlers Handlers
	ctx      context.Context
}

// New builds a Transaction over actions. ctx is used only for tracing
// spans (§A.2); the actuator itself is synchronous and does not observe
// cancellation mid-pass, matching the spec's single-threaded cooperative
// model (§5).
func New(ctx context.Context, actions []Action, handlers Handlers) *Transaction {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Transaction{actions: actions, handlers: handlers, ctx: ctx}
}

// Actions returns the per-step data of every action, in order.
func (t *Transaction) Actions() []any {
	out := make([]any, len(t.actions))
	for i, a := range t.actions {
		out[i] = a.Data
	}
	return out
}

// SetHandlers replaces the transaction's lifecycle handlers.
func (t *Transaction) SetHandlers(h Handlers) {
	t.handlers = h
}

func (t *Transaction) fireBeforeAll(r bool, n int) {
	if t.handlers.BeforeAll != nil {
		t.handlers.BeforeAll(r, n)
	}
}

func (t *Transaction) fireAfterAll(r bool, n int, hadError bool) {
	if t.handlers.AfterAll != nil {
		t.handlers.AfterAll(r, n, hadError)
	}
}

func (t *Transaction) fireBefore(r bool, i int, data any) {
	if t.handlers.Before != nil {
		t.handlers.Before(r, i, data)
	}
}

func (t *Transaction) fireAfter(r bool, i int, data any, isError bool) {
	if t.handlers.After != nil {
		t.handlers.After(r, i, data, isError)
	}
}

// Apply runs the apply pass over every action in order, continuing past
// per-action failures so the rollback pass (if any) observes the same
// intermediate state the apply pass produced. If any action failed, the
// rollback pass runs over the same action list in the same order,
// concatenating its own errors to the returned list.
func (t *Transaction) Apply() (bool, []ActionError) {
	ctx, span := trace.StartSpan(t.ctx, "txn.Apply")
	defer span.End()

	if t.handlers.Open != nil {
		t.handlers.Open()
	}
	defer func() {
		if t.handlers.Close != nil {
			t.handlers.Close()
		}
	}()

	n := len(t.actions)
	var errs []ActionError

	t.fireBeforeAll(false, n)
	for i, a := range t.actions {
		t.fireBefore(false, i, a.Data)
		_, childSpan := trace.StartSpan(ctx, "txn.apply")
		err := a.apply()
		childSpan.End()
		isErr := err != nil
		if isErr {
			errs = append(errs, ActionError{Data: a.Data, Err: err})
		}
		t.fireAfter(false, i, a.Data, isErr)
	}
	hadError := len(errs) > 0
	t.fireAfterAll(false, n, hadError)

	if !hadError {
		return true, nil
	}

	t.fireBeforeAll(true, n)
	for i, a := range t.actions {
		t.fireBefore(true, i, a.Data)
		_, childSpan := trace.StartSpan(ctx, "txn.rollback")
		err := a.rollback()
		childSpan.End()
		isErr := err != nil
		if isErr {
			errs = append(errs, ActionError{Data: a.Data, Err: err})
		}
		t.fireAfter(true, i, a.Data, isErr)
	}
	t.fireAfterAll(true, n, true)

	return false, errs
}
