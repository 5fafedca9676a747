package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/artifact"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/pipeline"
	"github.com/roach88/tally/internal/records"
	"github.com/roach88/tally/internal/topic"
)

// TurnOptions holds the flags for a single turn invocation.
type TurnOptions struct {
	Session      string
	Message      string
	SpecPath     string
	DBPath       string
	RecordsPath  string
	Capabilities string
	Catalog      string
	Ontology     []string
	Contracts    []string
	User         string
	Source       string
	Export       bool
	PendingPath  string
	WriteEnabled bool
}

// turnOutput is the JSON envelope for one executed turn.
type turnOutput struct {
	Payload payload.Payload  `json:"payload"`
	State   topic.State      `json:"state"`
	Audit   []auditEntryJSON `json:"audit,omitempty"`
}

type auditEntryJSON struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// NewTurnCommand creates the turn command.
func NewTurnCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TurnOptions{}

	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Run one conversational turn",
		Long: `Run one conversational turn through the report pipeline.

The message is normalized into a business-request object (optionally
seeded from --spec), resolved against the capability index, and
executed to a terminal payload. Session state persists in the SQLite
store given by --db, or in memory when omitted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Session, "session", "s", "default", "session id")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "user message (required)")
	cmd.Flags().StringVar(&opts.SpecPath, "spec", "", "JSON file with the upstream planner object")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite session store path (in-memory when empty)")
	cmd.Flags().StringVar(&opts.RecordsPath, "records", "", "SQLite records database for direct document lookups")
	cmd.Flags().StringVar(&opts.Capabilities, "capabilities", "", "capability artifact file")
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "db semantic catalog artifact file")
	cmd.Flags().StringArrayVar(&opts.Ontology, "ontology", nil, "ontology overlay file (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Contracts, "contract", nil, "contract overlay file (repeatable)")
	cmd.Flags().StringVar(&opts.User, "user", "", "acting user")
	cmd.Flags().StringVar(&opts.Source, "source", "", "initiating tool name")
	cmd.Flags().BoolVar(&opts.Export, "export", false, "request a downloadable artifact")
	cmd.Flags().StringVar(&opts.PendingPath, "pending", "", "file carrying pending clarification/confirmation state between turns")
	cmd.Flags().BoolVar(&opts.WriteEnabled, "write-enabled", false, "allow confirmed write actions to execute")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}

func runTurn(rootOpts *RootOptions, opts *TurnOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    rootOpts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   rootOpts.Verbose,
	}

	cfg, cleanup, err := buildPipelineConfig(opts, formatter)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, loadErr.Path)
			return NewExitError(ExitCommandError, loadErr.Error())
		}
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}
	defer cleanup()

	p := pipeline.New(cfg)
	ctx := cmd.Context()

	req := pipeline.Request{
		SessionID: opts.Session,
		Message:   opts.Message,
		User:      opts.User,
		Export:    opts.Export,
		Source:    opts.Source,
	}
	if opts.SpecPath != "" {
		raw, err := LoadSpecObject(opts.SpecPath)
		if err != nil {
			var loadErr *LoadError
			if errors.As(err, &loadErr) {
				_ = formatter.Error(loadErr.Code, loadErr.Message, loadErr.Path)
				return NewExitError(ExitCommandError, loadErr.Error())
			}
			return NewExitError(ExitCommandError, err.Error())
		}
		req.RawSpec = raw
	}
	if opts.PendingPath != "" {
		pending, err := readPendingFile(opts.PendingPath)
		if err != nil {
			msg := fmt.Sprintf("load pending state: %v", err)
			_ = formatter.Error(ErrCodeStoreFailed, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
		if pending != nil {
			req.Pending = pending
			if req.Source == "" {
				req.Source = pipeline.SourceContinue
			}
		}
	}

	resp, err := p.Turn(ctx, req)
	if err != nil {
		msg := fmt.Sprintf("turn failed: %v", err)
		_ = formatter.Error(ErrCodeTurnFailed, msg, nil)
		return NewExitError(ExitFailure, msg)
	}

	if opts.PendingPath != "" {
		if err := writePendingFile(opts.PendingPath, resp.Payload); err != nil {
			msg := fmt.Sprintf("save pending state: %v", err)
			_ = formatter.Error(ErrCodeStoreFailed, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
	}

	if formatter.Format == "json" {
		out := turnOutput{Payload: resp.Payload, State: resp.State}
		for _, m := range resp.Audit {
			out.Audit = append(out.Audit, auditEntryJSON{Kind: m.Kind, Body: json.RawMessage(m.JSON)})
		}
		return formatter.Success(out)
	}

	renderPayloadText(formatter, resp.Payload)
	return nil
}

// buildPipelineConfig assembles the pipeline collaborators from flags.
// The returned cleanup closes the SQLite store when one was opened.
func buildPipelineConfig(opts *TurnOptions, formatter *OutputFormatter) (pipeline.Config, func(), error) {
	cleanup := func() {}

	ont, err := LoadOntology(opts.Ontology...)
	if err != nil {
		return pipeline.Config{}, cleanup, err
	}
	contracts, err := LoadContracts(opts.Contracts...)
	if err != nil {
		return pipeline.Config{}, cleanup, err
	}

	cfg := pipeline.Config{
		Ontology:     ont,
		Contracts:    contracts,
		WriteEnabled: opts.WriteEnabled,
	}

	loader := artifact.NewLoader()
	if opts.Capabilities != "" {
		idx, err := LoadCapabilities(loader, ont, opts.Capabilities, time.Now())
		if err != nil {
			return pipeline.Config{}, cleanup, err
		}
		formatter.VerboseLog("Loaded %d capability row(s) from %s", idx.ReportCount, opts.Capabilities)
		cfg.Capabilities = idx
	}
	if opts.Catalog != "" {
		cat, err := LoadCatalog(loader, opts.Catalog)
		if err != nil {
			return pipeline.Config{}, cleanup, err
		}
		formatter.VerboseLog("Loaded semantic catalog with %d table(s)", len(cat.Tables))
		cfg.Retriever = cat
	}

	var closers []func()
	if opts.DBPath != "" {
		store, err := topic.OpenSQLite(opts.DBPath)
		if err != nil {
			return pipeline.Config{}, cleanup, &LoadError{Code: ErrCodeStoreFailed, Path: opts.DBPath, Message: err.Error()}
		}
		cfg.Store = store
		closers = append(closers, func() { _ = store.Close() })
	}
	if opts.RecordsPath != "" {
		db, err := sql.Open("sqlite3", opts.RecordsPath)
		if err != nil {
			runClosers(closers)
			return pipeline.Config{}, cleanup, &LoadError{Code: ErrCodeStoreFailed, Path: opts.RecordsPath, Message: err.Error()}
		}
		closers = append(closers, func() { _ = db.Close() })

		doctypes, err := records.DiscoverDoctypes(context.Background(), db)
		if err != nil {
			runClosers(closers)
			return pipeline.Config{}, cleanup, &LoadError{Code: ErrCodeStoreFailed, Path: opts.RecordsPath, Message: err.Error()}
		}
		formatter.VerboseLog("Discovered %d record doctype(s) in %s", len(doctypes), opts.RecordsPath)
		cfg.Records = records.NewSQLiteSource(db, records.Config{Doctypes: doctypes})
	}

	cleanup = func() { runClosers(closers) }
	return cfg, cleanup, nil
}

func runClosers(closers []func()) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// renderPayloadText prints a payload for human reading.
func renderPayloadText(formatter *OutputFormatter, p payload.Payload) {
	if p.Text != "" {
		fmt.Fprintln(formatter.Writer, p.Text)
	}
	if p.Type == payload.TypeError && p.Error != "" {
		fmt.Fprintf(formatter.Writer, "Error: %s\n", p.Error)
	}
	if p.Table == nil {
		if p.Pending != nil {
			fmt.Fprintf(formatter.Writer, "(awaiting %s)\n", p.Pending.Mode)
		}
		return
	}

	w := tabwriter.NewWriter(formatter.Writer, 2, 4, 2, ' ', 0)
	for i, col := range p.Table.Columns {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, col.Label)
	}
	fmt.Fprintln(w)
	for _, row := range p.Table.Rows {
		for i, col := range p.Table.Columns {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprintf(w, "%v", row[col.Fieldname])
		}
		fmt.Fprintln(w)
	}
	_ = w.Flush()

	if p.Pending != nil {
		fmt.Fprintf(formatter.Writer, "\n(awaiting %s)\n", p.Pending.Mode)
	}
}

// readPendingFile loads carried-over pending state; a missing file
// means a fresh turn.
func readPendingFile(path string) (*payload.PendingState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pending payload.PendingState
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &pending, nil
}

// writePendingFile stores the turn's pending state for the next
// invocation, or removes the file when the turn ended cleanly.
func writePendingFile(path string, p payload.Payload) error {
	if p.Pending == nil {
		err := os.Remove(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	data, err := json.MarshalIndent(p.Pending, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
