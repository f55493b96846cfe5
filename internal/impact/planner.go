package impact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"sqlgate/internal/sqlstmt"
)

// PostgresPlanner runs EXPLAIN without ANALYZE inside a read-only
// transaction that is always rolled back, so the probe never executes the
// statement.
type PostgresPlanner struct {
	db *sql.DB
}

func NewPostgresPlanner(db *sql.DB) *PostgresPlanner {
	return &PostgresPlanner{db: db}
}

func (p *PostgresPlanner) PlanRows(ctx context.Context, stmt sqlstmt.Statement) (int64, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, fmt.Errorf("begin explain tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	if err := tx.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+stmt.SQL).Scan(&raw); err != nil {
		return 0, fmt.Errorf("explain statement: %w", err)
	}
	return rowsFromPlan(raw)
}

type planNode struct {
	NodeType string     `json:"Node Type"`
	PlanRows float64    `json:"Plan Rows"`
	Plans    []planNode `json:"Plans"`
}

// rowsFromPlan reads the row estimate from EXPLAIN JSON output. For DML the
// top node is ModifyTable whose own estimate is zero; the rows it will
// modify are the estimate of its input.
func rowsFromPlan(raw []byte) (int64, error) {
	var doc []struct {
		Plan planNode `json:"Plan"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("decode explain output: %w", err)
	}
	if len(doc) == 0 {
		return 0, fmt.Errorf("decode explain output: empty plan")
	}

	node := doc[0].Plan
	for node.NodeType == "ModifyTable" && len(node.Plans) > 0 {
		node = node.Plans[0]
	}
	if node.PlanRows < 0 {
		return 0, nil
	}
	return int64(math.Ceil(node.PlanRows)), nil
}
