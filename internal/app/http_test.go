package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sqlgate/internal/approval"
	"sqlgate/internal/executor"
	"sqlgate/internal/sqlstmt"
	"sqlgate/internal/ticket"
)

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details any    `json:"details"`
}

func TestTicketLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, env.metrics, "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/statements", `{"sql":"UPDATE accounts SET status='inactive' WHERE id <= 30","requested_by":"etl-bot"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	d := decode[approval.Decision](t, rr)
	if d.Kind != approval.TicketCreated || d.TicketID == "" {
		t.Fatalf("expected ticket, got %+v", d)
	}

	rr = doJSON(t, h, http.MethodGet, "/api/tickets", "")
	list := decode[struct {
		Total int `json:"total"`
	}](t, rr)
	if list.Total != 1 {
		t.Errorf("expected 1 pending ticket, got %d", list.Total)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/tickets/"+d.TicketID+"/execute", "")
	if rr.Code != http.StatusConflict || decode[errorBody](t, rr).Code != "NOT_APPROVED" {
		t.Fatalf("execute before approval: expected 409 NOT_APPROVED, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/api/tickets/"+d.TicketID+"/decision", `{"actor":"dba","action":"APPROVE","comment":"ok"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("decide: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if res := decode[approval.DecideResult](t, rr); res.AlreadyDecided || res.Ticket.Status != ticket.StatusApproved {
		t.Fatalf("unexpected decision %+v", res)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/tickets/"+d.TicketID+"/decision", `{"actor":"lead","action":"reject"}`)
	if res := decode[approval.DecideResult](t, rr); rr.Code != http.StatusOK || !res.AlreadyDecided {
		t.Errorf("second decision: expected 200 already_decided, got %d %+v", rr.Code, res)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/tickets/"+d.TicketID+"/await", `{"max_checks":2}`)
	if res := decode[approval.AwaitResult](t, rr); res.Outcome != approval.AwaitApproved || res.Checks != 1 {
		t.Errorf("await: unexpected result %+v", res)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/tickets/"+d.TicketID+"/execute", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("execute: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	exec := decode[struct {
		Outcome ticket.Outcome `json:"outcome"`
	}](t, rr)
	if !exec.Outcome.Success || exec.Outcome.RowsAffected != 30 {
		t.Errorf("unexpected outcome %+v", exec.Outcome)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/tickets/"+d.TicketID+"/execute", "")
	if rr.Code != http.StatusConflict || decode[errorBody](t, rr).Code != "ALREADY_EXECUTED" {
		t.Errorf("re-execute: expected 409 ALREADY_EXECUTED, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/api/tickets/"+d.TicketID+"/rollback", `{"actor":"dba","reason":"wrong cohort"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("rollback: expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	rb := decode[ticket.RollbackRequest](t, rr)
	if rb.Status != ticket.RollbackRequested || rb.RowsAffected != 30 {
		t.Errorf("unexpected rollback request %+v", rb)
	}

	rr = doJSON(t, h, http.MethodGet, "/api/rollbacks/"+rb.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get rollback: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decode[ticket.RollbackRequest](t, rr); got.ID != rb.ID || got.TicketID != d.TicketID || got.Reason != "wrong cohort" {
		t.Errorf("unexpected stored rollback request %+v", got)
	}

	rr = doJSON(t, h, http.MethodGet, "/api/tickets/"+d.TicketID, "")
	if got := decode[ticket.Ticket](t, rr); got.Status != ticket.StatusExecuted || len(got.History) != 3 {
		t.Errorf("unexpected final ticket %+v", got)
	}
}

func TestSubmitAutoApprovedReturns200(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, env.metrics, "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/statements", `{"sql":"DELETE FROM accounts WHERE id = 9","kind":"delete","tables":["accounts"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if d := decode[approval.Decision](t, rr); d.Kind != approval.AutoApproved {
		t.Errorf("expected auto-approval, got %+v", d)
	}
}

func TestRunEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, env.metrics, "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/statements/run", `{"sql":"DELETE FROM accounts","max_checks":3,"interval_ms":500}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	res := decode[RunResult](t, rr)
	if res.Status != ticket.StatusPending || res.TicketID == "" {
		t.Errorf("expected pending result, got %+v", res)
	}
	if env.clock.Slept().Milliseconds() != 1000 {
		t.Errorf("expected two 500ms sleeps, got %v", env.clock.Slept())
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, env.metrics, "*").Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unsafe statement", http.MethodPost, "/api/statements", `{"sql":"DROP TABLE accounts"}`, http.StatusBadRequest, "VALIDATION"},
		{"declared kind mismatch", http.MethodPost, "/api/statements", `{"sql":"DELETE FROM accounts WHERE id = 1","kind":"UPDATE","tables":["accounts"]}`, http.StatusBadRequest, "VALIDATION"},
		{"malformed body", http.MethodPost, "/api/statements", `{"sql":`, http.StatusBadRequest, "INVALID_BODY"},
		{"unknown ticket", http.MethodGet, "/api/tickets/nope", "", http.StatusNotFound, "NOT_FOUND"},
		{"decide unknown ticket", http.MethodPost, "/api/tickets/nope/decision", `{"actor":"dba","action":"approve"}`, http.StatusNotFound, "NOT_FOUND"},
		{"execute unknown ticket", http.MethodPost, "/api/tickets/nope/execute", "", http.StatusNotFound, "NOT_FOUND"},
		{"unknown rollback", http.MethodGet, "/api/rollbacks/nope", "", http.StatusNotFound, "NOT_FOUND"},
		{"unknown route", http.MethodGet, "/api/nothing", "", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, h, tt.method, tt.path, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			if got := decode[errorBody](t, rr).Code; got != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestDecisionValidationOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, env.metrics, "*").Handler()

	rr := doJSON(t, h, http.MethodPost, "/api/statements", `{"sql":"DELETE FROM accounts"}`)
	d := decode[approval.Decision](t, rr)

	rr = doJSON(t, h, http.MethodPost, "/api/tickets/"+d.TicketID+"/decision", `{"actor":"","action":"approve"}`)
	if rr.Code != http.StatusBadRequest || decode[errorBody](t, rr).Code != "VALIDATION" {
		t.Errorf("expected 400 VALIDATION, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestToDomainError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&sqlstmt.ValidationError{Reasons: []string{"empty statement"}}, http.StatusBadRequest, "VALIDATION"},
		{fmt.Errorf("get ticket x: %w", ticket.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("ticket x: %w", executor.ErrAlreadyExecuted), http.StatusConflict, "ALREADY_EXECUTED"},
		{fmt.Errorf("ticket x: %w", executor.ErrNotApproved), http.StatusConflict, "NOT_APPROVED"},
		{fmt.Errorf("ticket x: %w", executor.ErrNotExecuted), http.StatusConflict, "NOT_EXECUTED"},
		{fmt.Errorf("HIGH risk: %w", executor.ErrApprovalRequired), http.StatusConflict, "APPROVAL_REQUIRED"},
		{fmt.Errorf("create ticket: %w: dial tcp", ticket.ErrUnavailable), http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		de := toDomainError(tt.err)
		if de.Status != tt.status || de.Code != tt.code {
			t.Errorf("toDomainError(%v) = %d %s, want %d %s", tt.err, de.Status, de.Code, tt.status, tt.code)
		}
	}
}
