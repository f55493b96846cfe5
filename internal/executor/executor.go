// Package executor runs approved statements inside a transaction that is
// committed only when the affected row count stays near the estimate.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"sqlgate/internal/advice"
	"sqlgate/internal/clock"
	"sqlgate/internal/impact"
	"sqlgate/internal/monitor"
	"sqlgate/internal/risk"
	"sqlgate/internal/sqlstmt"
	"sqlgate/internal/ticket"
	"sqlgate/internal/util"
)

const (
	DefaultRowMultiplier = 2.0
	DefaultRowSlack      = 10

	// ReasonImpactExceeded is the outcome error when the bound check fails.
	ReasonImpactExceeded = "impact exceeded estimate"

	executorActor = "executor"
)

var (
	ErrAlreadyExecuted  = errors.New("ticket already executed")
	ErrNotApproved      = errors.New("ticket not approved")
	ErrApprovalRequired = errors.New("statement requires approval")
	ErrNotExecuted      = errors.New("ticket was not executed")
)

// ExecutionError is a database failure during one step of the transaction.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type Options struct {
	// RowMultiplier and RowSlack define the commit bound
	// max(ceil(estimate*RowMultiplier), estimate+RowSlack). Zero values
	// take the defaults.
	RowMultiplier float64
	RowSlack      int64
	Rollbacks     ticket.RollbackLog
	Clock         clock.Clock
	Metrics       *monitor.Metrics
	Tracer        *monitor.Tracer
}

type Executor struct {
	db         *sql.DB
	store      ticket.Store
	rollbacks  ticket.RollbackLog
	clock      clock.Clock
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	multiplier float64
	slack      int64
}

// New returns an Executor running statements on db and recording outcomes in
// store. Zero Options fields take the defaults.
func New(db *sql.DB, store ticket.Store, opts Options) *Executor {
	e := &Executor{
		db:         db,
		store:      store,
		rollbacks:  opts.Rollbacks,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		multiplier: opts.RowMultiplier,
		slack:      opts.RowSlack,
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.multiplier < 1 {
		e.multiplier = DefaultRowMultiplier
	}
	if e.slack <= 0 {
		e.slack = DefaultRowSlack
	}
	return e
}

// Bound is the largest row count that may be committed for an estimate.
func (e *Executor) Bound(estimated int64) int64 {
	estimated = max(estimated, 0)
	scaled := int64(math.Ceil(float64(estimated) * e.multiplier))
	return max(scaled, estimated+e.slack)
}

// ExecuteApproved claims an APPROVED ticket and runs its statement. The
// claim moves the ticket to EXECUTING, so concurrent callers for the same
// ticket get ErrAlreadyExecuted. Database failures and the bound check end
// in a failed Outcome, not an error.
func (e *Executor) ExecuteApproved(ctx context.Context, id string) (out ticket.Outcome, err error) {
	ctx, span := e.tracer.StartSpan(ctx, "execute", monitor.AttrTicketID.String(id))
	defer func() { monitor.EndSpan(span, err) }()

	t, err := e.store.Get(ctx, id)
	if err != nil {
		return ticket.Outcome{}, err
	}
	switch {
	case t.Status.Executed():
		return ticket.Outcome{}, fmt.Errorf("ticket %s is %s: %w", id, t.Status, ErrAlreadyExecuted)
	case t.Status != ticket.StatusApproved:
		return ticket.Outcome{}, fmt.Errorf("ticket %s is %s: %w", id, t.EffectiveStatus(e.clock.Now()), ErrNotApproved)
	}

	claimed, err := e.store.UpdateStatus(ctx, id, ticket.Transition{
		From:  ticket.StatusApproved,
		To:    ticket.StatusExecuting,
		Entry: ticket.HistoryEntry{Actor: executorActor, Action: "claim", Timestamp: e.clock.Now()},
	})
	if err != nil {
		return ticket.Outcome{}, fmt.Errorf("claim ticket: %w", err)
	}
	if !claimed {
		return ticket.Outcome{}, fmt.Errorf("ticket %s claimed by another executor: %w", id, ErrAlreadyExecuted)
	}

	if err := sqlstmt.Validate(t.Statement); err != nil {
		out = ticket.Outcome{Error: err.Error()}
		if ferr := e.finish(ctx, id, out); ferr != nil {
			return out, ferr
		}
		return out, err
	}

	span.SetAttributes(monitor.AttrKind.String(string(t.Statement.Kind)))
	out = e.run(ctx, id, t.Statement, t.Estimate)
	if err := e.finish(ctx, id, out); err != nil {
		return out, err
	}
	return out, nil
}

// ExecuteAutoApproved runs a statement that was classified as not needing
// approval. It refuses anything whose assessment says otherwise.
func (e *Executor) ExecuteAutoApproved(ctx context.Context, stmt sqlstmt.Statement, est impact.Estimate, assessment risk.Assessment) (out ticket.Outcome, err error) {
	ctx, span := e.tracer.StartSpan(ctx, "execute", monitor.AttrKind.String(string(stmt.Kind)), monitor.AttrLevel.String(assessment.Level.String()))
	defer func() { monitor.EndSpan(span, err) }()

	if assessment.RequiresApproval {
		return ticket.Outcome{}, fmt.Errorf("%s risk: %w", assessment.Level, ErrApprovalRequired)
	}
	if err := sqlstmt.Validate(stmt); err != nil {
		return ticket.Outcome{}, err
	}
	return e.run(ctx, "", stmt, est), nil
}

func (e *Executor) run(ctx context.Context, id string, stmt sqlstmt.Statement, est impact.Estimate) ticket.Outcome {
	start := time.Now()
	bound := e.Bound(est.EstimatedRows)
	logger := log.With().Str("ticket_id", id).Str("kind", string(stmt.Kind)).Logger()

	out, result := e.transact(ctx, stmt, bound)
	e.metrics.RecordExecution(result, time.Since(start).Seconds())

	if out.Success {
		logger.Info().Int64("rows", out.RowsAffected).Int64("estimated_rows", est.EstimatedRows).Msg("statement committed")
	} else {
		logger.Warn().Str("reason", out.Error).Int64("estimated_rows", est.EstimatedRows).Int64("bound", bound).Msg("statement rolled back")
	}
	return out
}

func (e *Executor) transact(ctx context.Context, stmt sqlstmt.Statement, bound int64) (ticket.Outcome, string) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return failed(&ExecutionError{Op: "begin", Err: err}), "failed"
	}
	rollback := func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Error().Err(err).Msg("rollback failed")
		}
	}

	res, err := tx.ExecContext(ctx, stmt.SQL)
	if err != nil {
		rollback()
		return failed(&ExecutionError{Op: "exec", Err: err}), "failed"
	}
	rows, err := res.RowsAffected()
	if err != nil {
		rollback()
		return failed(&ExecutionError{Op: "rows affected", Err: err}), "failed"
	}
	if rows > bound {
		rollback()
		log.Warn().Int64("rows", rows).Int64("bound", bound).Msg(ReasonImpactExceeded)
		return ticket.Outcome{Error: ReasonImpactExceeded}, "exceeded"
	}
	if err := tx.Commit(); err != nil {
		return failed(&ExecutionError{Op: "commit", Err: err}), "failed"
	}
	return ticket.Outcome{Success: true, RowsAffected: rows}, "executed"
}

func failed(err *ExecutionError) ticket.Outcome {
	ev := log.Error().Err(err.Err).Str("op", err.Op)
	var pgErr *pgconn.PgError
	if errors.As(err.Err, &pgErr) {
		ev = ev.Str("sqlstate", pgErr.Code).Str("constraint", pgErr.ConstraintName)
	}
	ev.Msg("statement execution failed")
	return ticket.Outcome{Error: err.Error()}
}

// finish writes the terminal status. It must land even when the caller has
// gone away, so it ignores ctx cancellation.
func (e *Executor) finish(ctx context.Context, id string, out ticket.Outcome) error {
	ctx = context.WithoutCancel(ctx)
	to := ticket.StatusExecuted
	if !out.Success {
		to = ticket.StatusFailed
	}
	ok, err := e.store.UpdateStatus(ctx, id, ticket.Transition{
		From: ticket.StatusExecuting,
		To:   to,
		Entry: ticket.HistoryEntry{
			Actor:     executorActor,
			Action:    "execute",
			Comment:   out.Error,
			Timestamp: e.clock.Now(),
		},
		Outcome: &out,
	})
	if err != nil {
		log.Error().Err(err).Str("ticket_id", id).Str("status", string(to)).Msg("failed to record execution outcome")
		return fmt.Errorf("record outcome: %w", err)
	}
	if !ok {
		return fmt.Errorf("record outcome for %s: %w", id, ErrAlreadyExecuted)
	}
	return nil
}

// Rollback returns a previously recorded rollback request.
func (e *Executor) Rollback(ctx context.Context, id string) (ticket.RollbackRequest, error) {
	if e.rollbacks == nil {
		return ticket.RollbackRequest{}, errors.New("rollback log not configured")
	}
	return e.rollbacks.GetRollback(ctx, id)
}

// RequestRollback records that an operator wants an EXECUTED ticket undone.
// Nothing is run; the request carries guidance for doing it by hand.
func (e *Executor) RequestRollback(ctx context.Context, id, actor, reason string) (ticket.RollbackRequest, error) {
	if e.rollbacks == nil {
		return ticket.RollbackRequest{}, errors.New("rollback log not configured")
	}
	if strings.TrimSpace(actor) == "" {
		return ticket.RollbackRequest{}, &sqlstmt.ValidationError{Reasons: []string{"actor is required"}}
	}

	t, err := e.store.Get(ctx, id)
	if err != nil {
		return ticket.RollbackRequest{}, err
	}
	if t.Status != ticket.StatusExecuted {
		return ticket.RollbackRequest{}, fmt.Errorf("ticket %s is %s: %w", id, t.Status, ErrNotExecuted)
	}

	r := ticket.RollbackRequest{
		ID:          util.NewID("rb"),
		TicketID:    id,
		RequestedBy: actor,
		Reason:      reason,
		Status:      ticket.RollbackRequested,
		SQL:         t.Statement.SQL,
		Guidance:    advice.RollbackGuidance(t.Statement.Kind),
		CreatedAt:   e.clock.Now(),
	}
	if t.Outcome != nil {
		r.RowsAffected = t.Outcome.RowsAffected
	}
	if err := e.rollbacks.Record(ctx, r); err != nil {
		return ticket.RollbackRequest{}, err
	}

	log.Warn().
		Str("ticket_id", id).
		Str("rollback_id", r.ID).
		Str("actor", actor).
		Int64("rows", r.RowsAffected).
		Msg("rollback requested")
	return r, nil
}
