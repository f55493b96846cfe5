package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sqlgate/internal/impact"
	"sqlgate/internal/risk"
	"sqlgate/internal/sqlstmt"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sqlgate.yaml")
	yamlText := `
addr: ":9000"
approval:
  critical_tables: [ledger]
  ticket_ttl: 2h
  max_checks: 8
executor:
  row_multiplier: 1.5
`
	if err := os.WriteFile(path, []byte(yamlText), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SQLGATE_CONFIG", path)
	t.Setenv("SQLGATE_MAX_CHECKS", "3")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("SQLGATE_APPROVERS", "dba@example.com, lead@example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("addr = %q, want :9000", cfg.Addr)
	}
	if len(cfg.Approval.CriticalTables) != 1 || cfg.Approval.CriticalTables[0] != "ledger" {
		t.Errorf("critical tables = %v", cfg.Approval.CriticalTables)
	}
	if cfg.Approval.TicketTTL != 2*time.Hour {
		t.Errorf("ticket ttl = %v, want 2h", cfg.Approval.TicketTTL)
	}
	if cfg.Approval.MaxChecks != 3 {
		t.Errorf("env should override file: max checks = %d", cfg.Approval.MaxChecks)
	}
	if cfg.Approval.CheckInterval != 2*time.Second {
		t.Errorf("unset fields keep defaults: check interval = %v", cfg.Approval.CheckInterval)
	}
	if cfg.Executor.RowMultiplier != 1.5 {
		t.Errorf("row multiplier = %v, want 1.5", cfg.Executor.RowMultiplier)
	}
	if cfg.RedisURL != "redis://cache:6379/1" {
		t.Errorf("redis url = %q", cfg.RedisURL)
	}
	if len(cfg.SMTP.Recipients) != 2 || cfg.SMTP.Recipients[1] != "lead@example.com" {
		t.Errorf("recipients = %v", cfg.SMTP.Recipients)
	}
}

func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("SQLGATE_CONFIG", "")
	t.Setenv("SQLGATE_TICKET_TTL", "forever")
	t.Setenv("SQLGATE_ROW_SLACK", "lots")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Approval.TicketTTL != 24*time.Hour || cfg.Executor.RowSlack != 10 {
		t.Errorf("malformed values should fall back: ttl=%v slack=%d", cfg.Approval.TicketTTL, cfg.Executor.RowSlack)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("SQLGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"sqlite without redis", func(c *Config) { c.Database.Driver = "sqlite" }, "redis_url"},
		{"zero ttl", func(c *Config) { c.Approval.TicketTTL = 0 }, "ticket_ttl"},
		{"no checks", func(c *Config) { c.Approval.MaxChecks = 0 }, "max_checks"},
		{"shrinking bound", func(c *Config) { c.Executor.RowMultiplier = 0.5 }, "row_multiplier"},
		{"negative slack", func(c *Config) { c.Executor.RowSlack = -1 }, "row_slack"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

// A one-row delete on a default critical table still needs approval.
func TestDefaultCriticalTablesEscalateSingleRowChanges(t *testing.T) {
	policy := risk.Policy{CriticalTables: DefaultConfig().Approval.CriticalTables}
	oneRow := impact.Estimate{EstimatedRows: 1, Method: impact.MethodExplain, Confidence: impact.ConfidenceHigh}

	tests := []struct {
		sql      string
		level    risk.Level
		approval bool
	}{
		{"DELETE FROM users WHERE id = 6", risk.High, true},
		{"DELETE FROM accounts WHERE id = 6", risk.High, true},
		{"UPDATE orders SET note = 'x' WHERE id = 6", risk.High, true},
		{"DELETE FROM sessions WHERE id = 6", risk.Low, false},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			stmt, err := sqlstmt.Parse(tt.sql)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			a := policy.Classify(stmt, oneRow)
			if a.Level != tt.level || a.RequiresApproval != tt.approval {
				t.Errorf("got %s (approval %v), want %s (approval %v)", a.Level, a.RequiresApproval, tt.level, tt.approval)
			}
		})
	}
}
