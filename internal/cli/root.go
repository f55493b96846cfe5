// Package cli implements sqlgatectl, a thin client for the sqlgate API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8787"

type app struct {
	server string
	stdout io.Writer
	api    *client
}

// NewRootCmd builds the sqlgatectl command tree writing results to stdout.
func NewRootCmd(stdout io.Writer) *cobra.Command {
	a := &app{stdout: stdout}

	root := &cobra.Command{
		Use:           "sqlgatectl",
		Short:         "Submit, approve and execute guarded SQL statements",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.api = &client{baseURL: a.server, http: &http.Client{Timeout: 10 * time.Minute}}
		},
	}
	server := os.Getenv("SQLGATE_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&a.server, "server", server, "sqlgate API base URL (env SQLGATE_SERVER)")

	root.AddCommand(
		newSubmitCmd(a),
		newRunCmd(a),
		newTicketCmd(a),
		newDecisionCmd(a, "approve"),
		newDecisionCmd(a, "reject"),
		newAwaitCmd(a),
		newExecuteCmd(a),
		newRollbackCmd(a),
		newRollbacksCmd(a),
		newHealthCmd(a),
	)
	return root
}

func (a *app) print(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	_, err = fmt.Fprintln(a.stdout, string(data))
	return err
}
