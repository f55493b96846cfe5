package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"sqlgate/internal/clock"
)

// PostgresStore keeps tickets in the approval_tickets table. Rows whose
// evict_at has passed are treated as gone, and PurgeEvicted removes them,
// which stands in for key expiry.
type PostgresStore struct {
	db    *sql.DB
	grace time.Duration
	clock clock.Clock
}

func NewPostgresStore(db *sql.DB, grace time.Duration, clk clock.Clock) *PostgresStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &PostgresStore{db: db, grace: grace, clock: clk}
}

func (s *PostgresStore) Create(ctx context.Context, t Ticket) (string, error) {
	if t.ID == "" {
		return "", fmt.Errorf("create ticket: missing id")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_tickets (id, status, body, created_at, expires_at, evict_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, string(t.Status), string(data), t.CreatedAt, t.ExpiresAt, t.ExpiresAt.Add(s.grace))
	if err != nil {
		return "", pgUnavailable("create ticket", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return t.ID, nil
	}

	existing, err := s.Get(ctx, t.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	again, _ := json.Marshal(existing)
	if err == nil && string(again) == string(data) {
		return t.ID, nil
	}
	return "", fmt.Errorf("create ticket %s: %w", t.ID, ErrDuplicateID)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Ticket, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM approval_tickets WHERE id = $1 AND evict_at > $2`,
		id, s.clock.Now(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, fmt.Errorf("get ticket %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Ticket{}, pgUnavailable("get ticket", err)
	}
	return decode(id, raw)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, tr Transition) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, pgUnavailable("begin ticket update", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM approval_tickets WHERE id = $1 AND evict_at > $2 FOR UPDATE`,
		id, s.clock.Now(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("update ticket %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, pgUnavailable("lock ticket", err)
	}

	t, err := decode(id, raw)
	if err != nil {
		return false, err
	}
	if !t.apply(tr) {
		return false, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal ticket: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE approval_tickets SET status = $2, body = $3 WHERE id = $1`,
		id, string(t.Status), string(data),
	); err != nil {
		return false, pgUnavailable("update ticket", err)
	}
	if err := tx.Commit(); err != nil {
		return false, pgUnavailable("commit ticket update", err)
	}
	return true, nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body FROM approval_tickets
		WHERE status = $1 AND evict_at > $2
		ORDER BY created_at
	`, string(StatusPending), s.clock.Now())
	if err != nil {
		return nil, pgUnavailable("list pending tickets", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		t, err := decode(id, raw)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, pgUnavailable("list pending tickets", err)
	}
	return tickets, nil
}

// PurgeEvicted deletes every row past its eviction time.
func (s *PostgresStore) PurgeEvicted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approval_tickets WHERE evict_at <= $1`, s.clock.Now())
	if err != nil {
		return 0, pgUnavailable("purge evicted tickets", err)
	}
	return res.RowsAffected()
}

// pgUnavailable marks connection-level and retryable server errors as
// ErrUnavailable. Constraint or syntax errors stay permanent.
func pgUnavailable(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && !retryableSQLState(pgErr.Code) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}

func retryableSQLState(code string) bool {
	if len(code) >= 2 && code[:2] == "08" {
		return true
	}
	switch code {
	case "40001", "40P01", "57P01", "57P03":
		return true
	}
	return false
}
