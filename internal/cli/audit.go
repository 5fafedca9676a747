package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/topic"
)

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dbPath  string
		session string
		kind    string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show a session's audit trail",
		Long: `Show the tool-message audit trail recorded for a session.

Every executed turn appends its normalization, resolution,
clarification, and execution messages to the session store; this
command reads them back in emission order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(rootOpts, dbPath, session, kind, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite session store path (required)")
	cmd.Flags().StringVarP(&session, "session", "s", "default", "session id")
	cmd.Flags().StringVar(&kind, "kind", "", "only show messages of this kind")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runAudit(opts *RootOptions, dbPath, session, kind string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	store, err := topic.OpenSQLite(dbPath)
	if err != nil {
		msg := fmt.Sprintf("open store %s: %v", dbPath, err)
		_ = formatter.Error(ErrCodeStoreFailed, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}
	defer store.Close()

	entries, err := store.Audit(cmd.Context(), session)
	if err != nil {
		msg := fmt.Sprintf("read audit trail: %v", err)
		_ = formatter.Error(ErrCodeStoreFailed, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	filtered := entries[:0:0]
	for _, e := range entries {
		if kind == "" || e.Kind == kind {
			filtered = append(filtered, e)
		}
	}

	if formatter.Format == "json" {
		out := make([]map[string]any, 0, len(filtered))
		for _, e := range filtered {
			entry := map[string]any{"seq": e.Seq, "kind": e.Kind}
			var body any
			if json.Unmarshal([]byte(e.Content), &body) == nil {
				entry["body"] = body
			} else {
				entry["body"] = e.Content
			}
			out = append(out, entry)
		}
		return formatter.Success(out)
	}

	for _, e := range filtered {
		fmt.Fprintf(formatter.Writer, "%4d  %-24s %s\n", e.Seq, e.Kind, e.Content)
	}
	if len(filtered) == 0 {
		fmt.Fprintf(formatter.Writer, "no audit messages for session %q\n", session)
	}
	return nil
}
