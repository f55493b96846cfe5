package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type statementFlags struct {
	kind        string
	tables      []string
	requestedBy string
}

func (f *statementFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "kind", "", "Statement kind (UPDATE, DELETE, INSERT); inferred when empty")
	cmd.Flags().StringSliceVar(&f.tables, "tables", nil, "Tables the statement touches; inferred when empty")
	cmd.Flags().StringVar(&f.requestedBy, "requested-by", "", "Who is asking for the change")
}

func (f *statementFlags) body(sql string) map[string]any {
	body := map[string]any{"sql": sql, "requested_by": f.requestedBy}
	if f.kind != "" {
		body["kind"] = strings.ToUpper(f.kind)
	}
	if len(f.tables) > 0 {
		body["tables"] = f.tables
	}
	return body
}

func newSubmitCmd(a *app) *cobra.Command {
	var flags statementFlags
	cmd := &cobra.Command{
		Use:   "submit SQL",
		Short: "Classify a statement and open an approval ticket if needed",
		Long: `Classify a statement. Low risk statements come back AUTO_APPROVED;
everything else gets a ticket that approvers decide on.

Examples:
  sqlgatectl submit "UPDATE accounts SET status='inactive' WHERE last_login < '2020-01-01'"
  sqlgatectl submit "DELETE FROM sessions" --requested-by etl-bot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := a.api.do(cmd.Context(), http.MethodPost, "/api/statements", flags.body(args[0]), &out); err != nil {
				return err
			}
			return a.print(out)
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var (
		flags     statementFlags
		maxChecks int
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run SQL",
		Short: "Submit, wait a bounded time for approval, then execute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := flags.body(args[0])
			body["max_checks"] = maxChecks
			body["interval_ms"] = interval.Milliseconds()
			var out map[string]any
			if err := a.api.do(cmd.Context(), http.MethodPost, "/api/statements/run", body, &out); err != nil {
				return err
			}
			return a.print(out)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&maxChecks, "max-checks", 0, "Polls before giving up (server default when 0)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between polls (server default when 0)")
	return cmd
}

func newTicketCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Inspect approval tickets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Show a ticket with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := a.api.do(cmd.Context(), http.MethodGet, "/api/tickets/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return a.print(out)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "pending",
		Short:   "List tickets waiting for a decision",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Total   int `json:"total"`
				Tickets []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					RequestedBy string `json:"requested_by"`
					ExpiresAt   string `json:"expires_at"`
					Assessment  struct {
						Level string `json:"level"`
					} `json:"risk_assessment"`
					Statement struct {
						SQL string `json:"sql"`
					} `json:"statement"`
				} `json:"tickets"`
			}
			if err := a.api.do(cmd.Context(), http.MethodGet, "/api/tickets", nil, &out); err != nil {
				return err
			}
			if out.Total == 0 {
				fmt.Fprintln(a.stdout, "No pending tickets.")
				return nil
			}
			fmt.Fprintf(a.stdout, "%-40s %-9s %-12s %-25s %s\n", "ID", "LEVEL", "REQUESTED", "EXPIRES", "SQL")
			for _, t := range out.Tickets {
				fmt.Fprintf(a.stdout, "%-40s %-9s %-12s %-25s %s\n",
					t.ID, t.Assessment.Level, truncate(t.RequestedBy, 12), t.ExpiresAt, truncate(t.Statement.SQL, 60))
			}
			return nil
		},
	})
	return cmd
}

func newDecisionCmd(a *app, action string) *cobra.Command {
	var actor, comment string
	cmd := &cobra.Command{
		Use:   action + " ID",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a pending ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor is required")
			}
			body := map[string]any{"actor": actor, "action": action, "comment": comment}
			var out map[string]any
			if err := a.api.do(cmd.Context(), http.MethodPost, "/api/tickets/"+url.PathEscape(args[0])+"/decision", body, &out); err != nil {
				return err
			}
			return a.print(out)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Approver identity (required)")
	cmd.Flags().StringVar(&comment, "comment", "", "Reason recorded in the ticket history")
	return cmd
}

func newAwaitCmd(a *app) *cobra.Command {
	var (
		maxChecks int
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "await ID",
		Short: "Poll a ticket a bounded number of times for a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"max_checks": maxChecks, "interval_ms": interval.Milliseconds()}
			var out map[string]any
			if err := a.api.do(cmd.Context(), http.MethodPost, "/api/tickets/"+url.PathEscape(args[0])+"/await", body, &out); err != nil {
				return err
			}
			return a.print(out)
		},
	}
	cmd.Flags().IntVar(&maxChecks, "max-checks", 0, "Polls before giving up (server default when 0)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between polls (server default when 0)")
	return cmd
}

func newExecuteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "execute ID",
		Short: "Execute an approved ticket inside a guarded transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := a.api.do(cmd.Context(), http.MethodPost, "/api/tickets/"+url.PathEscape(args[0])+"/execute", nil, &out); err != nil {
				return err
			}
			return a.print(out)
		},
	}
}

func newRollbackCmd(a *app) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "rollback ID",
		Short: "Record a rollback request for an executed ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor is required")
			}
			body := map[string]any{"actor": actor, "reason": reason}
			var out map[string]any
			if err := a.api.do(cmd.Context(), http.MethodPost, "/api/tickets/"+url.PathEscape(args[0])+"/rollback", body, &out); err != nil {
				return err
			}
			return a.print(out)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Who is asking for the rollback (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the change should be undone")
	return cmd
}

func newRollbacksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollbacks",
		Short: "Inspect recorded rollback requests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Show a rollback request and its guidance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := a.api.do(cmd.Context(), http.MethodGet, "/api/rollbacks/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return a.print(out)
		},
	})
	return cmd
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check API readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := a.api.do(cmd.Context(), http.MethodGet, "/api/ready", nil, &out); err != nil {
				return err
			}
			return a.print(out)
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
