// Package app composes the approval pipeline and serves it over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"sqlgate/internal/approval"
	"sqlgate/internal/executor"
	"sqlgate/internal/impact"
	"sqlgate/internal/risk"
	"sqlgate/internal/sqlstmt"
	"sqlgate/internal/ticket"
)

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Service struct {
	orchestrator *approval.Orchestrator
	executor     *executor.Executor
	checks       []Check
}

func NewService(orchestrator *approval.Orchestrator, exec *executor.Executor, checks ...Check) *Service {
	return &Service{orchestrator: orchestrator, executor: exec, checks: checks}
}

// RunResult is the structured end state of one pass through the pipeline.
// Rejection, expiry, a pending timeout and failed execution are all normal
// results.
type RunResult struct {
	Status       ticket.Status         `json:"status"`
	AutoApproved bool                  `json:"auto_approved"`
	TicketID     string                `json:"ticket_id,omitempty"`
	Estimate     impact.Estimate       `json:"impact_estimate"`
	Assessment   risk.Assessment       `json:"risk_assessment"`
	Outcome      *ticket.Outcome       `json:"outcome,omitempty"`
	History      []ticket.HistoryEntry `json:"approval_history,omitempty"`
	Message      string                `json:"message"`
}

// Run submits stmt, executes it right away when auto-approved, and
// otherwise waits a bounded time for a decision before executing.
func (s *Service) Run(ctx context.Context, stmt sqlstmt.Statement, requester string, opts approval.AwaitOptions) (RunResult, error) {
	d, err := s.orchestrator.Submit(ctx, stmt, requester)
	if err != nil {
		return RunResult{}, err
	}
	res := RunResult{
		TicketID:   d.TicketID,
		Estimate:   d.Estimate,
		Assessment: d.Assessment,
	}

	if d.Kind == approval.AutoApproved {
		res.AutoApproved = true
		out, err := s.executor.ExecuteAutoApproved(ctx, d.Statement, d.Estimate, d.Assessment)
		if err != nil {
			return RunResult{}, err
		}
		res.Outcome = &out
		res.Status, res.Message = outcomeStatus(out)
		return res, nil
	}

	waited, err := s.orchestrator.AwaitDecision(ctx, d.TicketID, opts)
	if err != nil {
		return RunResult{}, err
	}
	res.History = waited.Ticket.History

	switch waited.Outcome {
	case approval.AwaitRejected:
		res.Status = ticket.StatusRejected
		res.Message = "rejected" + byLastActor(waited.Ticket.History)
		return res, nil
	case approval.AwaitExpired:
		res.Status = ticket.StatusExpired
		res.Message = "approval request expired before a decision"
		return res, nil
	case approval.AwaitTimedOut:
		res.Status = ticket.StatusPending
		res.Message = fmt.Sprintf("still pending after %d checks; decide ticket %s out of band", waited.Checks, d.TicketID)
		return res, nil
	}

	_, err = s.executor.ExecuteApproved(ctx, d.TicketID)
	if err != nil && !errors.Is(err, executor.ErrAlreadyExecuted) {
		return RunResult{}, err
	}
	if err != nil {
		log.Info().Str("ticket_id", d.TicketID).Msg("ticket executed by another caller")
	}

	t, err := s.orchestrator.Ticket(ctx, d.TicketID)
	if err != nil {
		return RunResult{}, err
	}
	res.History = t.History
	res.Outcome = t.Outcome
	res.Status = t.Status
	if t.Outcome != nil {
		_, res.Message = outcomeStatus(*t.Outcome)
	}
	return res, nil
}

func outcomeStatus(out ticket.Outcome) (ticket.Status, string) {
	if out.Success {
		return ticket.StatusExecuted, fmt.Sprintf("executed, %d rows affected", out.RowsAffected)
	}
	return ticket.StatusFailed, "execution failed: " + out.Error
}

func byLastActor(history []ticket.HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	return " by " + history[len(history)-1].Actor
}

// Ready runs every check and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failed := map[string]error{}
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			failed[c.Name] = err
		}
	}
	return failed
}
