// Package impact estimates how many rows a mutating statement will touch.
package impact

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"sqlgate/internal/sqlstmt"
)

type Method string

const (
	MethodExplain   Method = "explain"
	MethodHeuristic Method = "heuristic"
)

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Estimate is computed once per statement and never refreshed after a
// ticket is created.
type Estimate struct {
	EstimatedRows int64      `json:"estimated_rows"`
	Method        Method     `json:"method"`
	Confidence    Confidence `json:"confidence"`
}

func (e Estimate) Validate() error {
	if e.EstimatedRows < 0 {
		return fmt.Errorf("estimated rows must be >= 0, got %d", e.EstimatedRows)
	}
	switch e.Method {
	case MethodExplain, MethodHeuristic:
	default:
		return fmt.Errorf("unknown estimate method %q", e.Method)
	}
	switch e.Confidence {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
	default:
		return fmt.Errorf("unknown estimate confidence %q", e.Confidence)
	}
	return nil
}

// Planner is a read-only query-planning probe.
type Planner interface {
	PlanRows(ctx context.Context, stmt sqlstmt.Statement) (int64, error)
}

// ErrNoPlanner is returned by planners that cannot serve the target driver.
var ErrNoPlanner = errors.New("query planner unavailable")

// Estimator asks the planner first and falls back to text heuristics.
type Estimator struct {
	planner Planner
}

// NewEstimator accepts a nil planner, in which case every estimate is
// heuristic.
func NewEstimator(planner Planner) *Estimator {
	return &Estimator{planner: planner}
}

// Estimate never fails because of the planner; only an invalid statement is
// an error.
func (e *Estimator) Estimate(ctx context.Context, stmt sqlstmt.Statement) (Estimate, error) {
	if err := sqlstmt.Validate(stmt); err != nil {
		return Estimate{}, err
	}

	if e.planner != nil {
		rows, err := e.planner.PlanRows(ctx, stmt)
		if err == nil {
			confidence := ConfidenceHigh
			if stmt.HasSubquery() {
				confidence = ConfidenceMedium
			}
			return Estimate{EstimatedRows: rows, Method: MethodExplain, Confidence: confidence}, nil
		}
		if ctx.Err() != nil {
			return Estimate{}, fmt.Errorf("plan statement: %w", ctx.Err())
		}
		log.Warn().Err(err).Str("kind", string(stmt.Kind)).Msg("planner probe failed, using heuristic estimate")
	}

	return Heuristic(stmt), nil
}

// Heuristic estimates rows from the statement text alone.
func Heuristic(stmt sqlstmt.Statement) Estimate {
	return Estimate{
		EstimatedRows: heuristicRows(stmt),
		Method:        MethodHeuristic,
		Confidence:    ConfidenceLow,
	}
}

func heuristicRows(stmt sqlstmt.Statement) int64 {
	switch stmt.Kind {
	case sqlstmt.KindInsert:
		if n := stmt.InsertRows(); n > 0 {
			return int64(n)
		}
		return 1
	case sqlstmt.KindDelete, sqlstmt.KindUpdate:
	default:
		return 50
	}

	if !stmt.HasWhere() {
		if stmt.Kind == sqlstmt.KindDelete {
			return 10000
		}
		return 5000
	}
	if stmt.MatchesSingleID() {
		return 1
	}
	if n, ok := stmt.Limit(); ok {
		return min(n, 100)
	}
	return 100
}
