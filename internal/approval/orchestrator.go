// Package approval drives a statement from classification through
// auto-approval or a human decision on a ticket.
package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

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
	DefaultTicketTTL     = 24 * time.Hour
	DefaultMaxChecks     = 5
	DefaultCheckInterval = 2 * time.Second
	// MaxAwaitChecks caps caller-supplied MaxChecks.
	MaxAwaitChecks = 100
	// MaxIntervalFactor caps a caller-supplied Interval at this multiple of
	// the configured check interval.
	MaxIntervalFactor = 10

	systemActor   = "system"
	notifyTimeout = 30 * time.Second
)

var ErrInvalidDecision = errors.New("invalid decision")

type Estimator interface {
	Estimate(ctx context.Context, stmt sqlstmt.Statement) (impact.Estimate, error)
}

type Advisor interface {
	Recommend(ctx context.Context, in advice.Input) advice.Recommendation
}

type Notifier interface {
	TicketCreated(ctx context.Context, t ticket.Ticket) error
}

type Options struct {
	TicketTTL     time.Duration
	MaxChecks     int
	CheckInterval time.Duration
	Clock         clock.Clock
	Advisor       Advisor
	Notifier      Notifier
	Metrics       *monitor.Metrics
	Tracer        *monitor.Tracer
}

type Orchestrator struct {
	store     ticket.Store
	estimator Estimator
	policy    risk.Policy
	advisor   Advisor
	notifier  Notifier
	clock     clock.Clock
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	ttl       time.Duration
	maxChecks int
	interval  time.Duration
	newID     func() string
}

// New returns an Orchestrator. Zero Options fields take the package defaults.
func New(store ticket.Store, estimator Estimator, policy risk.Policy, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		estimator: estimator,
		policy:    policy,
		advisor:   opts.Advisor,
		notifier:  opts.Notifier,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		ttl:       opts.TicketTTL,
		maxChecks: opts.MaxChecks,
		interval:  opts.CheckInterval,
		newID:     func() string { return util.NewID("tkt") },
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.advisor == nil {
		o.advisor = advice.NewService(nil, 0)
	}
	if o.ttl <= 0 {
		o.ttl = DefaultTicketTTL
	}
	if o.maxChecks <= 0 {
		o.maxChecks = DefaultMaxChecks
	}
	if o.interval <= 0 {
		o.interval = DefaultCheckInterval
	}
	return o
}

type DecisionKind string

const (
	AutoApproved  DecisionKind = "AUTO_APPROVED"
	TicketCreated DecisionKind = "TICKET_CREATED"
)

type Decision struct {
	Kind       DecisionKind      `json:"kind"`
	TicketID   string            `json:"ticket_id,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Statement  sqlstmt.Statement `json:"statement"`
	Estimate   impact.Estimate   `json:"impact_estimate"`
	Assessment risk.Assessment   `json:"risk_assessment"`
}

// Submit estimates and classifies stmt. Statements that do not require
// approval come back AutoApproved; the rest get a PENDING_APPROVAL ticket.
func (o *Orchestrator) Submit(ctx context.Context, stmt sqlstmt.Statement, requester string) (d Decision, err error) {
	ctx, span := o.tracer.StartSpan(ctx, "submit", monitor.AttrKind.String(string(stmt.Kind)))
	defer func() { monitor.EndSpan(span, err) }()

	if err := sqlstmt.Validate(stmt); err != nil {
		return Decision{}, err
	}
	est, err := o.estimator.Estimate(ctx, stmt)
	if err != nil {
		return Decision{}, fmt.Errorf("estimate impact: %w", err)
	}
	assessment := o.policy.Classify(stmt, est)
	span.SetAttributes(monitor.AttrLevel.String(assessment.Level.String()), monitor.AttrRows.Int64(est.EstimatedRows))

	d = Decision{Statement: stmt, Estimate: est, Assessment: assessment}
	if !assessment.RequiresApproval {
		d.Kind = AutoApproved
		o.metrics.RecordSubmission(assessment.Level.String(), "auto_approved")
		log.Info().
			Str("risk_level", assessment.Level.String()).
			Int64("rows", est.EstimatedRows).
			Msg("statement auto-approved")
		return d, nil
	}

	now := o.clock.Now()
	rec := o.advisor.Recommend(ctx, advice.Input{Statement: stmt, Estimate: est, Assessment: assessment})
	t := ticket.Ticket{
		ID:             o.newID(),
		Statement:      stmt,
		Estimate:       est,
		Assessment:     assessment,
		Recommendation: &rec,
		Status:         ticket.StatusPending,
		RequestedBy:    requester,
		CreatedAt:      now,
		ExpiresAt:      now.Add(o.ttl),
		History:        []ticket.HistoryEntry{},
	}
	id, err := o.store.Create(ctx, t)
	if err != nil {
		return Decision{}, fmt.Errorf("create ticket: %w", err)
	}

	d.Kind = TicketCreated
	d.TicketID = id
	d.ExpiresAt = &t.ExpiresAt
	o.metrics.RecordSubmission(assessment.Level.String(), "ticket_created")
	span.SetAttributes(monitor.AttrTicketID.String(id))
	log.Info().
		Str("ticket_id", id).
		Str("risk_level", assessment.Level.String()).
		Int64("rows", est.EstimatedRows).
		Time("expires_at", t.ExpiresAt).
		Msg("approval ticket created")

	o.notify(ctx, t)
	return d, nil
}

func (o *Orchestrator) notify(ctx context.Context, t ticket.Ticket) {
	if o.notifier == nil {
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := o.notifier.TicketCreated(nctx, t); err != nil {
			log.Warn().Err(err).Str("ticket_id", t.ID).Msg("approver notification failed")
		}
	}()
}

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

func (a Action) target() (ticket.Status, bool) {
	switch a {
	case ActionApprove:
		return ticket.StatusApproved, true
	case ActionReject:
		return ticket.StatusRejected, true
	}
	return "", false
}

// invalidDecision matches both ErrInvalidDecision and sqlstmt.IsValidation.
func invalidDecision(reason string) error {
	return fmt.Errorf("%w: %w", ErrInvalidDecision, &sqlstmt.ValidationError{Reasons: []string{reason}})
}

type DecideResult struct {
	AlreadyDecided bool          `json:"already_decided"`
	Ticket         ticket.Ticket `json:"ticket"`
}

// Decide records an approve or reject. A ticket that already left
// PENDING_APPROVAL, or has expired, is reported as AlreadyDecided and left
// untouched.
func (o *Orchestrator) Decide(ctx context.Context, id, actor string, action Action, comment string) (res DecideResult, err error) {
	ctx, span := o.tracer.StartSpan(ctx, "decide", monitor.AttrTicketID.String(id), monitor.AttrAction.String(string(action)))
	defer func() { monitor.EndSpan(span, err) }()

	if strings.TrimSpace(actor) == "" {
		return DecideResult{}, invalidDecision("actor is required")
	}
	to, ok := action.target()
	if !ok {
		return DecideResult{}, invalidDecision(fmt.Sprintf("unknown action %q", action))
	}

	t, err := o.read(ctx, id)
	if err != nil {
		return DecideResult{}, err
	}
	if t.Status != ticket.StatusPending {
		o.metrics.RecordDecision(string(action), "already_decided")
		return DecideResult{AlreadyDecided: true, Ticket: t}, nil
	}

	applied, err := o.store.UpdateStatus(ctx, id, ticket.Transition{
		From: ticket.StatusPending,
		To:   to,
		Entry: ticket.HistoryEntry{
			Actor:     actor,
			Action:    string(action),
			Comment:   comment,
			Timestamp: o.clock.Now(),
		},
		RequireUnexpired: true,
	})
	if err != nil {
		return DecideResult{}, fmt.Errorf("record decision: %w", err)
	}

	t, err = o.read(ctx, id)
	if err != nil {
		return DecideResult{}, err
	}
	if !applied {
		o.metrics.RecordDecision(string(action), "already_decided")
		log.Info().Str("ticket_id", id).Str("status", string(t.Status)).Msg("decision lost race, ticket already decided")
		return DecideResult{AlreadyDecided: true, Ticket: t}, nil
	}

	o.metrics.RecordDecision(string(action), "decided")
	log.Info().
		Str("ticket_id", id).
		Str("actor", actor).
		Str("status", string(to)).
		Msg("approval decision recorded")
	return DecideResult{Ticket: t}, nil
}

type AwaitOutcome string

const (
	AwaitApproved AwaitOutcome = "APPROVED"
	AwaitRejected AwaitOutcome = "REJECTED"
	AwaitExpired  AwaitOutcome = "EXPIRED"
	AwaitTimedOut AwaitOutcome = "TIMED_OUT_STILL_PENDING"
)

type AwaitOptions struct {
	MaxChecks int
	Interval  time.Duration
}

type AwaitResult struct {
	Outcome AwaitOutcome  `json:"outcome"`
	Checks  int           `json:"checks"`
	Ticket  ticket.Ticket `json:"ticket"`
}

// AwaitDecision polls the ticket at most MaxChecks times, sleeping Interval
// between reads, and returns as soon as the ticket leaves
// PENDING_APPROVAL. Both options are capped (MaxAwaitChecks and
// MaxIntervalFactor times the configured interval), so it never blocks
// longer than those bounds plus store latency, and returns promptly when
// ctx is cancelled.
func (o *Orchestrator) AwaitDecision(ctx context.Context, id string, opts AwaitOptions) (res AwaitResult, err error) {
	if opts.MaxChecks <= 0 {
		opts.MaxChecks = o.maxChecks
	}
	opts.MaxChecks = min(opts.MaxChecks, MaxAwaitChecks)
	if opts.Interval <= 0 {
		opts.Interval = o.interval
	}
	opts.Interval = min(opts.Interval, o.interval*MaxIntervalFactor)

	ctx, span := o.tracer.StartSpan(ctx, "await", monitor.AttrTicketID.String(id), monitor.AttrMaxChecks.Int(opts.MaxChecks))
	defer func() { monitor.EndSpan(span, err) }()

	var last *ticket.Ticket
	for check := 1; check <= opts.MaxChecks; check++ {
		t, err := o.read(ctx, id)
		if ticket.IsNotFound(err) && last != nil && o.clock.Now().After(last.ExpiresAt) {
			// Evicted after its deadline: that is an expiry, not a lookup failure.
			expired := *last
			expired.Status = ticket.StatusExpired
			o.metrics.RecordAwait(string(AwaitExpired))
			return AwaitResult{Outcome: AwaitExpired, Checks: check, Ticket: expired}, nil
		}
		if err != nil {
			return AwaitResult{}, err
		}
		last = &t

		if outcome, done := awaitOutcome(t.Status); done {
			o.metrics.RecordAwait(string(outcome))
			return AwaitResult{Outcome: outcome, Checks: check, Ticket: t}, nil
		}
		if check == opts.MaxChecks {
			break
		}
		if err := o.clock.Sleep(ctx, opts.Interval); err != nil {
			return AwaitResult{}, fmt.Errorf("await ticket %s: %w", id, err)
		}
	}

	o.metrics.RecordAwait(string(AwaitTimedOut))
	log.Info().Str("ticket_id", id).Int("checks", opts.MaxChecks).Msg("ticket still pending after bounded wait")
	return AwaitResult{Outcome: AwaitTimedOut, Checks: opts.MaxChecks, Ticket: *last}, nil
}

func awaitOutcome(s ticket.Status) (AwaitOutcome, bool) {
	switch s {
	case ticket.StatusPending:
		return "", false
	case ticket.StatusRejected:
		return AwaitRejected, true
	case ticket.StatusExpired:
		return AwaitExpired, true
	default:
		// APPROVED, or already claimed or finished by the executor.
		return AwaitApproved, true
	}
}

// Ticket returns the ticket with its effective status.
func (o *Orchestrator) Ticket(ctx context.Context, id string) (ticket.Ticket, error) {
	return o.read(ctx, id)
}

// ListPending returns tickets that can still be decided, oldest first.
func (o *Orchestrator) ListPending(ctx context.Context) ([]ticket.Ticket, error) {
	all, err := o.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending tickets: %w", err)
	}
	now := o.clock.Now()
	pending := make([]ticket.Ticket, 0, len(all))
	for _, t := range all {
		if !t.Expired(now) {
			pending = append(pending, t)
		}
	}
	slices.SortStableFunc(pending, func(a, b ticket.Ticket) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return pending, nil
}

// ExpireStale writes EXPIRED for every pending ticket past its deadline and
// returns how many it moved.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	all, err := o.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending tickets: %w", err)
	}
	now := o.clock.Now()
	expired := 0
	for _, t := range all {
		if !t.Expired(now) {
			continue
		}
		ok, err := o.store.UpdateStatus(ctx, t.ID, expireTransition(now))
		if ticket.IsNotFound(err) {
			continue
		}
		if err != nil {
			o.metrics.RecordExpired(expired)
			return expired, fmt.Errorf("expire ticket %s: %w", t.ID, err)
		}
		if ok {
			expired++
			log.Info().Str("ticket_id", t.ID).Time("expires_at", t.ExpiresAt).Msg("ticket expired")
		}
	}
	o.metrics.RecordExpired(expired)
	o.metrics.SetPending(len(all) - expired)
	return expired, nil
}

// read fetches a ticket and, when it is past its deadline while still
// pending, writes EXPIRED before returning it.
func (o *Orchestrator) read(ctx context.Context, id string) (ticket.Ticket, error) {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return ticket.Ticket{}, err
	}
	now := o.clock.Now()
	if !t.Expired(now) {
		return t, nil
	}

	applied, err := o.store.UpdateStatus(ctx, id, expireTransition(now))
	if err != nil {
		log.Warn().Err(err).Str("ticket_id", id).Msg("lazy expiry write failed")
		t.Status = ticket.StatusExpired
		return t, nil
	}
	if applied {
		o.metrics.RecordExpired(1)
	}
	fresh, err := o.store.Get(ctx, id)
	if err != nil {
		t.Status = ticket.StatusExpired
		return t, nil
	}
	return fresh, nil
}

func expireTransition(now time.Time) ticket.Transition {
	return ticket.Transition{
		From: ticket.StatusPending,
		To:   ticket.StatusExpired,
		Entry: ticket.HistoryEntry{
			Actor:     systemActor,
			Action:    "expire",
			Comment:   "no decision before expires_at",
			Timestamp: now,
		},
	}
}
