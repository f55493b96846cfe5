package approval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sqlgate/internal/advice"
	"sqlgate/internal/clock"
	"sqlgate/internal/impact"
	"sqlgate/internal/risk"
	"sqlgate/internal/sqlstmt"
	"sqlgate/internal/ticket"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	orch  *Orchestrator
	store *ticket.RedisStore
	redis *miniredis.Miniredis
	clock *clock.Fake
}

func setupOrchestrator(t *testing.T, opts Options) *harness {
	t.Helper()
	s := miniredis.RunT(t)
	clk := clock.NewFake(testStart)
	store, err := ticket.NewRedisStore("redis://"+s.Addr(), time.Hour, clk)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	opts.Clock = clk
	if opts.CheckInterval == 0 {
		opts.CheckInterval = 2 * time.Second
	}
	orch := New(store, impact.NewEstimator(nil), risk.Policy{CriticalTables: []string{"payments"}}, opts)
	return &harness{orch: orch, store: store, redis: s, clock: clk}
}

func mustParse(t *testing.T, sql string) sqlstmt.Statement {
	t.Helper()
	stmt, err := sqlstmt.Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sql, err)
	}
	return stmt
}

func submitCritical(t *testing.T, h *harness) string {
	t.Helper()
	d, err := h.orch.Submit(context.Background(), mustParse(t, "UPDATE accounts SET status='inactive'"), "etl-bot")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if d.Kind != TicketCreated {
		t.Fatalf("expected a ticket, got %s", d.Kind)
	}
	return d.TicketID
}

type recordingNotifier struct {
	ch chan ticket.Ticket
}

func (n *recordingNotifier) TicketCreated(_ context.Context, t ticket.Ticket) error {
	n.ch <- t
	return nil
}

func TestSubmitAutoApprovesSmallBoundedChange(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	ctx := context.Background()

	d, err := h.orch.Submit(ctx, mustParse(t, "UPDATE users SET name='x' WHERE id = 7"), "alice")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if d.Kind != AutoApproved || d.TicketID != "" {
		t.Errorf("expected auto-approval without ticket, got %+v", d)
	}
	if d.Assessment.RequiresApproval {
		t.Errorf("assessment should not require approval: %+v", d.Assessment)
	}

	pending, err := h.orch.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no tickets, got %d", len(pending))
	}
}

func TestSubmitCreatesTicketForUnboundedUpdate(t *testing.T) {
	notifier := &recordingNotifier{ch: make(chan ticket.Ticket, 1)}
	h := setupOrchestrator(t, Options{Notifier: notifier})
	ctx := context.Background()

	d, err := h.orch.Submit(ctx, mustParse(t, "UPDATE accounts SET status='inactive'"), "etl-bot")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if d.Kind != TicketCreated || d.TicketID == "" {
		t.Fatalf("expected a ticket, got %+v", d)
	}
	if d.Assessment.Level != risk.Critical || d.Estimate.EstimatedRows != 5000 {
		t.Errorf("unexpected classification %+v / %+v", d.Assessment, d.Estimate)
	}
	if d.ExpiresAt == nil || !d.ExpiresAt.Equal(testStart.Add(DefaultTicketTTL)) {
		t.Errorf("expected expiry at %v, got %v", testStart.Add(DefaultTicketTTL), d.ExpiresAt)
	}

	got, err := h.orch.Ticket(ctx, d.TicketID)
	if err != nil {
		t.Fatalf("Ticket failed: %v", err)
	}
	if got.Status != ticket.StatusPending || got.RequestedBy != "etl-bot" {
		t.Errorf("unexpected stored ticket %+v", got)
	}
	if got.Recommendation == nil || got.Recommendation.Source != advice.SourceRules {
		t.Errorf("expected rule-based recommendation, got %+v", got.Recommendation)
	}

	select {
	case sent := <-notifier.ch:
		if sent.ID != d.TicketID {
			t.Errorf("notified about %s, want %s", sent.ID, d.TicketID)
		}
	case <-time.After(2 * time.Second):
		t.Error("notifier was not called")
	}
}

func TestSubmitRejectsInvalidStatement(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	stmt := sqlstmt.Statement{SQL: "DELETE FROM users; DROP TABLE users", Kind: sqlstmt.KindDelete, Tables: []string{"users"}}

	_, err := h.orch.Submit(context.Background(), stmt, "alice")
	if !sqlstmt.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type failingStore struct {
	ticket.Store
	err error
}

func (f failingStore) Create(context.Context, ticket.Ticket) (string, error) {
	return "", f.err
}

func TestSubmitSurfacesStoreUnavailable(t *testing.T) {
	store := failingStore{err: fmt.Errorf("%w: connection refused", ticket.ErrUnavailable)}
	orch := New(store, impact.NewEstimator(nil), risk.Policy{}, Options{Clock: clock.NewFake(testStart)})

	_, err := orch.Submit(context.Background(), mustParse(t, "DELETE FROM audit_log"), "alice")
	if !ticket.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestAwaitTimesOutWhilePending(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	id := submitCritical(t, h)

	res, err := h.orch.AwaitDecision(context.Background(), id, AwaitOptions{MaxChecks: 5, Interval: 2 * time.Second})
	if err != nil {
		t.Fatalf("AwaitDecision failed: %v", err)
	}
	if res.Outcome != AwaitTimedOut || res.Checks != 5 {
		t.Errorf("expected timeout after 5 checks, got %s after %d", res.Outcome, res.Checks)
	}
	if res.Ticket.Status != ticket.StatusPending {
		t.Errorf("ticket should still be pending, got %s", res.Ticket.Status)
	}
	if slept := h.clock.Slept(); slept != 8*time.Second {
		t.Errorf("expected 4 sleeps of 2s, slept %v", slept)
	}
}

func TestAwaitSeesApprovalBetweenPolls(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	id := submitCritical(t, h)
	ctx := context.Background()

	h.clock.OnSleep(func(time.Time) {
		h.clock.OnSleep(nil)
		if _, err := h.orch.Decide(ctx, id, "dba", ActionApprove, "checked backups"); err != nil {
			t.Errorf("Decide failed: %v", err)
		}
	})

	res, err := h.orch.AwaitDecision(ctx, id, AwaitOptions{MaxChecks: 5})
	if err != nil {
		t.Fatalf("AwaitDecision failed: %v", err)
	}
	if res.Outcome != AwaitApproved || res.Checks != 2 {
		t.Errorf("expected approval on check 2, got %s on %d", res.Outcome, res.Checks)
	}
}

func TestAwaitUsesDefaults(t *testing.T) {
	h := setupOrchestrator(t, Options{MaxChecks: 3, CheckInterval: time.Second})
	id := submitCritical(t, h)

	res, err := h.orch.AwaitDecision(context.Background(), id, AwaitOptions{})
	if err != nil {
		t.Fatalf("AwaitDecision failed: %v", err)
	}
	if res.Checks != 3 || h.clock.Slept() != 2*time.Second {
		t.Errorf("expected 3 checks and 2s of sleep, got %d and %v", res.Checks, h.clock.Slept())
	}
}

func TestAwaitCapsCallerInterval(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	id := submitCritical(t, h)

	res, err := h.orch.AwaitDecision(context.Background(), id, AwaitOptions{MaxChecks: 3, Interval: time.Hour})
	if err != nil {
		t.Fatalf("AwaitDecision failed: %v", err)
	}
	if res.Outcome != AwaitTimedOut {
		t.Fatalf("expected %s, got %s", AwaitTimedOut, res.Outcome)
	}
	if want := 2 * MaxIntervalFactor * 2 * time.Second; h.clock.Slept() != want {
		t.Errorf("expected %v of sleep, got %v", want, h.clock.Slept())
	}
}

func TestSubmitLogsRiskLevelUnderItsOwnKey(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	h := setupOrchestrator(t, Options{})
	submitCritical(t, h)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if n := strings.Count(line, `"level":`); n != 1 {
			t.Errorf("expected one level key, got %d in %s", n, line)
		}
		if strings.Contains(line, "approval ticket created") {
			found = true
			if !strings.Contains(line, `"level":"info"`) || !strings.Contains(line, `"risk_level":"CRITICAL"`) {
				t.Errorf("unexpected log line %s", line)
			}
		}
	}
	if !found {
		t.Fatalf("ticket creation was not logged:\n%s", buf.String())
	}
}

func TestAwaitReportsEvictedTicketAsExpired(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	id := submitCritical(t, h)

	h.clock.OnSleep(func(time.Time) {
		h.clock.OnSleep(nil)
		h.clock.Advance(DefaultTicketTTL)
		h.redis.FastForward(DefaultTicketTTL + 2*time.Hour)
	})

	res, err := h.orch.AwaitDecision(context.Background(), id, AwaitOptions{MaxChecks: 3})
	if err != nil {
		t.Fatalf("AwaitDecision failed: %v", err)
	}
	if res.Outcome != AwaitExpired || res.Ticket.Status != ticket.StatusExpired {
		t.Errorf("expected expiry, got %s (%s)", res.Outcome, res.Ticket.Status)
	}
}

func TestAwaitUnknownTicket(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	_, err := h.orch.AwaitDecision(context.Background(), "missing", AwaitOptions{})
	if !ticket.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAwaitStopsOnCancel(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	id := submitCritical(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	h.clock.OnSleep(func(time.Time) { cancel() })

	_, err := h.orch.AwaitDecision(ctx, id, AwaitOptions{MaxChecks: 5})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDecideRecordsHistory(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	id := submitCritical(t, h)
	h.clock.Advance(time.Minute)

	res, err := h.orch.Decide(context.Background(), id, "dba", ActionReject, "use a batch job")
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if res.AlreadyDecided {
		t.Fatal("first decision reported as already decided")
	}
	if res.Ticket.Status != ticket.StatusRejected || len(res.Ticket.History) != 1 {
		t.Fatalf("unexpected ticket %+v", res.Ticket)
	}
	entry := res.Ticket.History[0]
	if entry.Actor != "dba" || entry.Comment != "use a batch job" || entry.From != ticket.StatusPending ||
		entry.To != ticket.StatusRejected || !entry.Timestamp.Equal(testStart.Add(time.Minute)) {
		t.Errorf("unexpected history entry %+v", entry)
	}
}

func TestDecideTwiceReportsAlreadyDecided(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	id := submitCritical(t, h)
	ctx := context.Background()

	if _, err := h.orch.Decide(ctx, id, "dba", ActionApprove, ""); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	res, err := h.orch.Decide(ctx, id, "lead", ActionReject, "")
	if err != nil {
		t.Fatalf("second Decide failed: %v", err)
	}
	if !res.AlreadyDecided || res.Ticket.Status != ticket.StatusApproved || len(res.Ticket.History) != 1 {
		t.Errorf("expected untouched approved ticket, got %+v", res)
	}
}

func TestDecideValidatesInput(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	id := submitCritical(t, h)
	ctx := context.Background()

	_, err := h.orch.Decide(ctx, id, " ", ActionApprove, "")
	if !errors.Is(err, ErrInvalidDecision) || !sqlstmt.IsValidation(err) {
		t.Errorf("blank actor: expected invalid decision, got %v", err)
	}
	if _, err := h.orch.Decide(ctx, id, "dba", Action("maybe"), ""); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("bad action: expected ErrInvalidDecision, got %v", err)
	}
	if _, err := h.orch.Decide(ctx, "missing", "dba", ActionApprove, ""); !ticket.IsNotFound(err) {
		t.Errorf("unknown ticket: expected not found, got %v", err)
	}
}

func TestDecideAfterExpiryIsRefused(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	id := submitCritical(t, h)
	h.clock.Advance(DefaultTicketTTL + time.Second)

	res, err := h.orch.Decide(context.Background(), id, "dba", ActionApprove, "too late")
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if !res.AlreadyDecided || res.Ticket.Status != ticket.StatusExpired {
		t.Fatalf("expected expired ticket, got %+v", res)
	}
	last := res.Ticket.History[len(res.Ticket.History)-1]
	if last.Actor != systemActor || last.To != ticket.StatusExpired {
		t.Errorf("expected system expiry entry, got %+v", last)
	}
}

func TestConcurrentDecisionsHaveOneWinner(t *testing.T) {
	h := setupOrchestrator(t, Options{})
	id := submitCritical(t, h)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := ActionApprove
			if i%2 == 1 {
				action = ActionReject
			}
			res, err := h.orch.Decide(ctx, id, fmt.Sprintf("approver-%d", i), action, "")
			if err != nil {
				t.Errorf("Decide failed: %v", err)
				return
			}
			if !res.AlreadyDecided {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winning decision, got %d", winners)
	}
	got, err := h.orch.Ticket(ctx, id)
	if err != nil {
		t.Fatalf("Ticket failed: %v", err)
	}
	if len(got.History) != 1 {
		t.Errorf("expected one history entry, got %d", len(got.History))
	}
}

func TestExpireStale(t *testing.T) {
	h := setupOrchestrator(t, Options{TicketTTL: time.Hour})
	ctx := context.Background()

	stale := submitCritical(t, h)
	h.clock.Advance(30 * time.Minute)
	fresh := submitCritical(t, h)
	h.clock.Advance(45 * time.Minute)

	n, err := h.orch.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired ticket, got %d", n)
	}

	got, err := h.store.Get(ctx, stale)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != ticket.StatusExpired {
		t.Errorf("stale ticket status = %s, want EXPIRED", got.Status)
	}

	pending, err := h.orch.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != fresh {
		t.Errorf("expected only %s pending, got %+v", fresh, pending)
	}
}
