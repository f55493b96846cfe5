package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("ticket not found")
	// ErrUnavailable marks transient backend failures. Only these are retried.
	ErrUnavailable = errors.New("ticket store unavailable")
	ErrDuplicateID = errors.New("ticket id already exists")
)

func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// Store is the only way to read or change tickets.
type Store interface {
	Create(ctx context.Context, t Ticket) (string, error)
	Get(ctx context.Context, id string) (Ticket, error)
	// UpdateStatus is a compare-and-swap on the stored status. It returns
	// false without error when the precondition does not hold.
	UpdateStatus(ctx context.Context, id string, tr Transition) (bool, error)
	// ListPending returns tickets whose stored status is PENDING_APPROVAL,
	// oldest first. Some of them may already be past their deadline.
	ListPending(ctx context.Context) ([]Ticket, error)
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: 50 * time.Millisecond, MaxElapsed: 5 * time.Second}
}

// RetryingStore retries ErrUnavailable with exponential backoff and passes
// every other error through untouched.
type RetryingStore struct {
	next    Store
	policy  RetryPolicy
	onRetry func(op string, err error)
}

func NewRetryingStore(next Store, policy RetryPolicy) *RetryingStore {
	return &RetryingStore{next: next, policy: policy}
}

// OnRetry registers a hook called before each retry, used for metrics.
func (r *RetryingStore) OnRetry(fn func(op string, err error)) {
	r.onRetry = fn
}

func (r *RetryingStore) Create(ctx context.Context, t Ticket) (string, error) {
	return retry(ctx, r, "create", func() (string, error) { return r.next.Create(ctx, t) })
}

func (r *RetryingStore) Get(ctx context.Context, id string) (Ticket, error) {
	return retry(ctx, r, "get", func() (Ticket, error) { return r.next.Get(ctx, id) })
}

func (r *RetryingStore) UpdateStatus(ctx context.Context, id string, tr Transition) (bool, error) {
	return retry(ctx, r, "update_status", func() (bool, error) { return r.next.UpdateStatus(ctx, id, tr) })
}

func (r *RetryingStore) ListPending(ctx context.Context) ([]Ticket, error) {
	return retry(ctx, r, "list_pending", func() ([]Ticket, error) { return r.next.ListPending(ctx) })
}

func retry[T any](ctx context.Context, r *RetryingStore, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxElapsedTime = r.policy.MaxElapsed

	attempt := func() (T, error) {
		v, err := fn()
		if err != nil && !IsUnavailable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("op", op).Dur("wait", wait).Msg("ticket store unavailable, retrying")
		if r.onRetry != nil {
			r.onRetry(op, err)
		}
	}
	return backoff.RetryNotifyWithData(attempt, backoff.WithContext(b, ctx), notify)
}
