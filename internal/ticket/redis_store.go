package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"sqlgate/internal/clock"
)

const (
	ticketPrefix   = "approval_ticket:"
	pendingIndex   = "approval_ticket:pending"
	maxCASAttempts = 16
)

var errCorrupt = errors.New("corrupt ticket record")

// RedisStore keeps one JSON record per ticket with a TTL of
// expires_at + grace, plus a sorted set of pending ids scored by expiry.
type RedisStore struct {
	client *redis.Client
	grace  time.Duration
	clock  clock.Clock
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, grace time.Duration, clk clock.Clock) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, grace, clk), nil
}

func NewRedisStoreWithClient(client *redis.Client, grace time.Duration, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RedisStore{client: client, grace: grace, clock: clk}
}

func (s *RedisStore) key(id string) string {
	return ticketPrefix + id
}

func (s *RedisStore) ttl(t Ticket) time.Duration {
	return t.ExpiresAt.Add(s.grace).Sub(s.clock.Now())
}

func (s *RedisStore) Create(ctx context.Context, t Ticket) (string, error) {
	if t.ID == "" {
		return "", fmt.Errorf("create ticket: missing id")
	}
	ttl := s.ttl(t)
	if ttl <= 0 {
		return "", fmt.Errorf("create ticket %s: already past eviction time", t.ID)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}

	key := s.key(t.ID)
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, key, data, ttl)
		if t.Status == StatusPending {
			pipe.ZAdd(ctx, pendingIndex, redis.Z{Score: float64(t.ExpiresAt.Unix()), Member: t.ID})
		}
		return nil
	})
	if err != nil {
		return "", unavailable("create ticket", err)
	}
	if created.Val() {
		return t.ID, nil
	}

	// A retried create finds its own earlier write.
	existing, err := s.client.Get(ctx, key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", unavailable("create ticket", err)
	}
	if bytes.Equal(existing, data) {
		return t.ID, nil
	}
	return "", fmt.Errorf("create ticket %s: %w", t.ID, ErrDuplicateID)
}

func (s *RedisStore) Get(ctx context.Context, id string) (Ticket, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Ticket{}, fmt.Errorf("get ticket %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Ticket{}, unavailable("get ticket", err)
	}
	return decode(id, raw)
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, tr Transition) (bool, error) {
	key := s.key(id)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		applied := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			t, err := decode(id, raw)
			if err != nil {
				return err
			}
			if !t.apply(tr) {
				return nil
			}
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("%w: %v", errCorrupt, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, redis.KeepTTL)
				if tr.From == StatusPending {
					pipe.ZRem(ctx, pendingIndex, id)
				}
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, key)

		switch {
		case err == nil:
			return applied, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound):
			return false, fmt.Errorf("update ticket %s: %w", id, ErrNotFound)
		case errors.Is(err, errCorrupt):
			return false, fmt.Errorf("update ticket %s: %w", id, err)
		default:
			return false, unavailable("update ticket", err)
		}
	}
	return false, fmt.Errorf("update ticket %s: %w: too many concurrent writers", id, ErrUnavailable)
}

func (s *RedisStore) ListPending(ctx context.Context) ([]Ticket, error) {
	ids, err := s.client.ZRange(ctx, pendingIndex, 0, -1).Result()
	if err != nil {
		return nil, unavailable("list pending tickets", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("list pending tickets", err)
	}

	var (
		tickets []Ticket
		evicted []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			evicted = append(evicted, ids[i])
			continue
		}
		t, err := decode(ids[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		if t.Status == StatusPending {
			tickets = append(tickets, t)
		}
	}
	if len(evicted) > 0 {
		// Index entries outlive their records when TTL eviction wins.
		_ = s.client.ZRem(ctx, pendingIndex, evicted...).Err()
	}

	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
	})
	return tickets, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decode(id string, raw []byte) (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return Ticket{}, fmt.Errorf("decode ticket %s: %w: %v", id, errCorrupt, err)
	}
	return t, nil
}
