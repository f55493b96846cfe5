package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rollbackPrefix = "rollback_log:"
	// DefaultRollbackRetention is how long rollback requests stay readable.
	DefaultRollbackRetention = 7 * 24 * time.Hour

	RollbackRequested = "ROLLBACK_REQUESTED"
)

// RollbackRequest records that someone asked to undo an executed ticket.
// It carries guidance for the operator; nothing runs automatically.
type RollbackRequest struct {
	ID           string    `json:"id"`
	TicketID     string    `json:"ticket_id"`
	RequestedBy  string    `json:"requested_by"`
	Reason       string    `json:"reason"`
	Status       string    `json:"status"`
	SQL          string    `json:"sql"`
	RowsAffected int64     `json:"rows_affected"`
	Guidance     string    `json:"guidance"`
	CreatedAt    time.Time `json:"created_at"`
}

type RollbackLog interface {
	Record(ctx context.Context, r RollbackRequest) error
	GetRollback(ctx context.Context, id string) (RollbackRequest, error)
}

type RedisRollbackLog struct {
	client    *redis.Client
	retention time.Duration
}

// RollbackLog returns a rollback log sharing the store's connection.
func (s *RedisStore) RollbackLog(retention time.Duration) *RedisRollbackLog {
	return &RedisRollbackLog{client: s.client, retention: retention}
}

func (l *RedisRollbackLog) Record(ctx context.Context, r RollbackRequest) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rollback request: %w", err)
	}
	if err := l.client.Set(ctx, rollbackPrefix+r.ID, data, l.retention).Err(); err != nil {
		return unavailable("record rollback request", err)
	}
	return nil
}

func (l *RedisRollbackLog) GetRollback(ctx context.Context, id string) (RollbackRequest, error) {
	raw, err := l.client.Get(ctx, rollbackPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return RollbackRequest{}, fmt.Errorf("get rollback request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return RollbackRequest{}, unavailable("get rollback request", err)
	}
	var r RollbackRequest
	if err := json.Unmarshal(raw, &r); err != nil {
		return RollbackRequest{}, fmt.Errorf("decode rollback request %s: %w: %v", id, errCorrupt, err)
	}
	return r, nil
}

type PostgresRollbackLog struct {
	db        *sql.DB
	retention time.Duration
}

func (s *PostgresStore) RollbackLog(retention time.Duration) *PostgresRollbackLog {
	return &PostgresRollbackLog{db: s.db, retention: retention}
}

func (l *PostgresRollbackLog) Record(ctx context.Context, r RollbackRequest) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rollback request: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO rollback_requests (id, ticket_id, body, created_at, evict_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.TicketID, string(data), r.CreatedAt, r.CreatedAt.Add(l.retention))
	if err != nil {
		return pgUnavailable("record rollback request", err)
	}
	return nil
}

func (l *PostgresRollbackLog) GetRollback(ctx context.Context, id string) (RollbackRequest, error) {
	var raw []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT body FROM rollback_requests WHERE id = $1 AND evict_at > NOW()`, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return RollbackRequest{}, fmt.Errorf("get rollback request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return RollbackRequest{}, pgUnavailable("get rollback request", err)
	}
	var r RollbackRequest
	if err := json.Unmarshal(raw, &r); err != nil {
		return RollbackRequest{}, fmt.Errorf("decode rollback request %s: %w: %v", id, errCorrupt, err)
	}
	return r, nil
}
