// Package advice produces advisory text for approvers: safety checks, a
// rollback strategy, testing steps and a justification. An LLM is asked
// first; static rules answer when it is absent, slow or wrong.
package advice

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"sqlgate/internal/impact"
	"sqlgate/internal/risk"
	"sqlgate/internal/sqlstmt"
)

const (
	SourceLLM   = "llm"
	SourceRules = "rules"
)

type Recommendation struct {
	SafetyChecks           []string `json:"safety_checks"`
	RollbackStrategy       string   `json:"rollback_strategy"`
	TestingRecommendations []string `json:"testing_recommendations"`
	ApprovalJustification  string   `json:"approval_justification"`
	Source                 string   `json:"source"`
}

type Input struct {
	Statement  sqlstmt.Statement
	Estimate   impact.Estimate
	Assessment risk.Assessment
}

type Generator interface {
	Recommend(ctx context.Context, in Input) (Recommendation, error)
}

// Service bounds the primary generator with a timeout and never fails.
type Service struct {
	primary Generator
	timeout time.Duration
}

// NewService accepts a nil primary; every recommendation then comes from
// the rules.
func NewService(primary Generator, timeout time.Duration) *Service {
	return &Service{primary: primary, timeout: timeout}
}

func (s *Service) Recommend(ctx context.Context, in Input) Recommendation {
	if s == nil || s.primary == nil {
		return Rules(in)
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	rec, err := s.primary.Recommend(callCtx, in)
	if err != nil {
		log.Warn().Err(err).Str("kind", string(in.Statement.Kind)).Msg("recommendation generator failed, using rules")
		return Rules(in)
	}
	rec.Source = SourceLLM
	return rec
}

// Rules builds the static recommendation for a statement.
func Rules(in Input) Recommendation {
	rec := Recommendation{
		SafetyChecks: []string{
			"Verify WHERE clause conditions are correct",
			"Check affected row count before execution",
			"Ensure backup is available",
			"Test query on staging environment first",
		},
		RollbackStrategy: RollbackGuidance(in.Statement.Kind),
		Source:           SourceRules,
	}

	switch in.Statement.Kind {
	case sqlstmt.KindDelete:
		rec.TestingRecommendations = []string{
			"Run SELECT with same WHERE clause first",
			"Verify row count matches expectations",
			"Test on small subset first",
		}
	case sqlstmt.KindUpdate:
		rec.TestingRecommendations = []string{
			"SELECT affected rows first to verify conditions",
			"Test UPDATE on single row first",
			"Verify new values are correct",
		}
	case sqlstmt.KindInsert:
		rec.TestingRecommendations = []string{
			"Verify data integrity constraints",
			"Check for duplicate key conflicts",
			"Validate foreign key references",
		}
	}

	rows := in.Estimate.EstimatedRows
	switch in.Assessment.Level {
	case risk.Critical:
		rec.ApprovalJustification = fmt.Sprintf("CRITICAL risk: %d rows affected. Requires senior approval.", rows)
	case risk.High:
		rec.ApprovalJustification = fmt.Sprintf("HIGH risk: %d rows affected. Requires manager approval.", rows)
	case risk.Medium:
		rec.ApprovalJustification = fmt.Sprintf("MEDIUM risk: %d rows affected. Requires peer review.", rows)
	default:
		rec.ApprovalJustification = fmt.Sprintf("LOW risk: %d rows affected. Standard approval process.", rows)
	}
	return rec
}

// RollbackGuidance describes how an executed statement of kind k can be
// undone by hand.
func RollbackGuidance(k sqlstmt.Kind) string {
	switch k {
	case sqlstmt.KindDelete:
		return "No automatic rollback possible for DELETE. Restore from backup if needed."
	case sqlstmt.KindUpdate:
		return "Store original values before UPDATE for potential rollback."
	case sqlstmt.KindInsert:
		return "DELETE inserted rows using primary key values."
	}
	return "Review the statement and restore affected rows from backup."
}
