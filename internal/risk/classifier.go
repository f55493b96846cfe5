// Package risk turns a statement and its impact estimate into a risk level.
// Classification is pure: no I/O, same input gives the same Assessment.
package risk

import (
	"encoding/json"
	"fmt"
	"strings"

	"sqlgate/internal/impact"
	"sqlgate/internal/sqlstmt"
)

// Level is an ordered risk rating, LOW through CRITICAL.
type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

var levelNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l Level) String() string {
	if l < Low || l > Critical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel accepts a level name in any case.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return Low, fmt.Errorf("unknown risk level %q", s)
}

func (l Level) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l Level) escalate() Level {
	if l >= Critical {
		return Critical
	}
	return l + 1
}

// Row thresholds, inclusive upper bounds.
const (
	LowMaxRows    = 10
	MediumMaxRows = 100
	HighMaxRows   = 1000
)

// Assessment is the outcome of Classify.
type Assessment struct {
	Level            Level    `json:"level"`
	Score            int      `json:"score"`
	Factors          []string `json:"factors"`
	RequiresApproval bool     `json:"requires_approval"`
}

// Policy carries the operator-designated critical tables.
type Policy struct {
	CriticalTables []string
}

func (p Policy) criticalTouched(stmt sqlstmt.Statement) []string {
	var hit []string
	for _, name := range p.CriticalTables {
		if stmt.Touches(name) {
			hit = append(hit, strings.ToLower(name))
		}
	}
	return hit
}

// Classify evaluates the rules in a fixed order and records one factor per
// rule that fired:
//
//  1. row band
//  2. low-confidence planner estimate on non-critical tables (LOW -> MEDIUM)
//  3. critical table (at least HIGH, CRITICAL with HIGH-tier rows)
//  4. UPDATE/DELETE without WHERE (CRITICAL)
//  5. heuristic estimate (one band up, capped)
//
// Rules 2 and 5 never both apply: a heuristic estimate is escalated by rule 5
// only.
func (p Policy) Classify(stmt sqlstmt.Statement, est impact.Estimate) Assessment {
	rows := max(est.EstimatedRows, 0)
	var factors []string

	band := rowBand(rows)
	level := band
	factors = append(factors, bandFactor(rows, band))

	critical := p.criticalTouched(stmt)
	heuristic := est.Method == impact.MethodHeuristic

	if level == Low && len(critical) == 0 && !heuristic && est.Confidence == impact.ConfidenceLow {
		level = Medium
		factors = append(factors, "low-confidence estimate on a small change")
	}

	if len(critical) > 0 {
		names := strings.Join(critical, ", ")
		if band >= High {
			level = Critical
			factors = append(factors, fmt.Sprintf("critical table %s with %d estimated rows", names, rows))
		} else {
			level = High
			factors = append(factors, fmt.Sprintf("critical table %s", names))
		}
	}

	if stmt.Unbounded() {
		level = Critical
		factors = append(factors, fmt.Sprintf("%s without WHERE clause affects every row", stmt.Kind))
	}

	if heuristic {
		if level < Critical {
			factors = append(factors, fmt.Sprintf("heuristic estimate escalated from %s", level))
		} else {
			factors = append(factors, "heuristic estimate (already CRITICAL)")
		}
		level = level.escalate()
	}

	return Assessment{
		Level:            level,
		Score:            score(level, est.Confidence),
		Factors:          factors,
		RequiresApproval: level >= High,
	}
}

func rowBand(rows int64) Level {
	switch {
	case rows <= LowMaxRows:
		return Low
	case rows <= MediumMaxRows:
		return Medium
	case rows <= HighMaxRows:
		return High
	default:
		return Critical
	}
}

func bandFactor(rows int64, band Level) string {
	switch band {
	case Low:
		return fmt.Sprintf("estimated %d rows (<= %d)", rows, LowMaxRows)
	case Medium:
		return fmt.Sprintf("estimated %d rows (<= %d)", rows, MediumMaxRows)
	case High:
		return fmt.Sprintf("estimated %d rows (<= %d)", rows, HighMaxRows)
	default:
		return fmt.Sprintf("estimated %d rows (> %d)", rows, HighMaxRows)
	}
}

var (
	bandBase          = [...]int{Low: 10, Medium: 35, High: 60, Critical: 85}
	confidencePenalty = map[impact.Confidence]int{
		impact.ConfidenceHigh:   0,
		impact.ConfidenceMedium: 5,
		impact.ConfidenceLow:    10,
	}
)

// score stays inside the level's 25-point band, so it is monotonic in level.
func score(level Level, confidence impact.Confidence) int {
	penalty, ok := confidencePenalty[confidence]
	if !ok {
		penalty = confidencePenalty[impact.ConfidenceLow]
	}
	return min(bandBase[level]+penalty, 100)
}
