// Package ticket owns approval ticket state. Every mutation goes through a
// Store's compare-and-swap so each ticket has a single writer at a time.
package ticket

import (
	"time"

	"sqlgate/internal/advice"
	"sqlgate/internal/impact"
	"sqlgate/internal/risk"
	"sqlgate/internal/sqlstmt"
)

// Status is a ticket's place in the approval lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING_APPROVAL"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusExecuting Status = "EXECUTING"
	StatusExecuted  Status = "EXECUTED"
	StatusFailed    Status = "EXECUTION_FAILED"
)

// Final reports whether no further transition is possible.
func (s Status) Final() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// Executed reports whether the executor has claimed or finished the ticket.
func (s Status) Executed() bool {
	return s == StatusExecuting || s == StatusExecuted || s == StatusFailed
}

// HistoryEntry is one recorded status change.
type HistoryEntry struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Comment   string    `json:"comment,omitempty"`
	From      Status    `json:"from_status"`
	To        Status    `json:"to_status"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is the executor's result, stored on the ticket.
type Outcome struct {
	Success      bool   `json:"success"`
	RowsAffected int64  `json:"rows_affected"`
	Error        string `json:"error,omitempty"`
}

// Ticket is an approval request for one statement.
type Ticket struct {
	ID             string                 `json:"id"`
	Statement      sqlstmt.Statement      `json:"statement"`
	Estimate       impact.Estimate        `json:"impact_estimate"`
	Assessment     risk.Assessment        `json:"risk_assessment"`
	Recommendation *advice.Recommendation `json:"recommendation,omitempty"`
	Status         Status                 `json:"status"`
	RequestedBy    string                 `json:"requested_by,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ExpiresAt      time.Time              `json:"expires_at"`
	History        []HistoryEntry         `json:"approval_history"`
	Outcome        *Outcome               `json:"outcome,omitempty"`
}

// Expired is true for a ticket still awaiting a decision past its deadline.
func (t Ticket) Expired(now time.Time) bool {
	return t.Status == StatusPending && now.After(t.ExpiresAt)
}

// EffectiveStatus derives EXPIRED at read time.
func (t Ticket) EffectiveStatus(now time.Time) Status {
	if t.Expired(now) {
		return StatusExpired
	}
	return t.Status
}

// Transition is one compare-and-swap step. It applies only when the stored
// status equals From.
type Transition struct {
	From    Status
	To      Status
	Entry   HistoryEntry
	Outcome *Outcome
	// RequireUnexpired additionally refuses the swap once Entry.Timestamp is
	// past ExpiresAt. Decisions set it so a late approval cannot race expiry.
	RequireUnexpired bool
}

// apply mutates t and reports whether the transition was allowed.
func (t *Ticket) apply(tr Transition) bool {
	if t.Status != tr.From {
		return false
	}
	if tr.RequireUnexpired && tr.Entry.Timestamp.After(t.ExpiresAt) {
		return false
	}
	entry := tr.Entry
	entry.From, entry.To = tr.From, tr.To
	t.Status = tr.To
	t.History = append(t.History, entry)
	if tr.Outcome != nil {
		outcome := *tr.Outcome
		t.Outcome = &outcome
	}
	return true
}
