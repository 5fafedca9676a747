package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/artifact"
	"github.com/roach88/tally/internal/catalog"
	"github.com/roach88/tally/internal/constraint"
	"github.com/roach88/tally/internal/spec"
	"github.com/roach88/tally/internal/topic"
)

// RetrieveOptions holds the flags for a catalog retrieval probe.
type RetrieveOptions struct {
	Catalog  string
	Message  string
	SpecPath string
	Ontology []string
	TopK     int
}

// NewRetrieveCommand creates the retrieve command.
func NewRetrieveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetrieveOptions{}

	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Probe the db semantic catalog for a question",
		Long: `Score the semantic catalog against a business question and print
the advisory retrieval envelope: selected tables, join paths, and the
capability projection. Useful for inspecting what context a turn would
see without running one.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetrieve(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "db semantic catalog artifact file (required)")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "business question to tokenize")
	cmd.Flags().StringVar(&opts.SpecPath, "spec", "", "JSON file with the upstream planner object")
	cmd.Flags().StringArrayVar(&opts.Ontology, "ontology", nil, "ontology overlay file (repeatable)")
	cmd.Flags().IntVar(&opts.TopK, "top-k", catalog.DefaultTopK, "number of tables to select")
	_ = cmd.MarkFlagRequired("catalog")

	return cmd
}

func runRetrieve(rootOpts *RootOptions, opts *RetrieveOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    rootOpts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   rootOpts.Verbose,
	}

	if strings.TrimSpace(opts.Message) == "" && opts.SpecPath == "" {
		msg := "retrieve needs --message or --spec"
		_ = formatter.Error(ErrCodeGeneric, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	ont, err := LoadOntology(opts.Ontology...)
	if err != nil {
		return retrieveLoadFailure(formatter, err)
	}
	contracts, err := LoadContracts()
	if err != nil {
		return retrieveLoadFailure(formatter, err)
	}
	cat, err := LoadCatalog(artifact.NewLoader(), opts.Catalog)
	if err != nil {
		return retrieveLoadFailure(formatter, err)
	}

	raw := map[string]any{"intent": "READ"}
	if opts.SpecPath != "" {
		loaded, err := LoadSpecObject(opts.SpecPath)
		if err != nil {
			return retrieveLoadFailure(formatter, err)
		}
		raw = loaded
	}
	if msg := strings.TrimSpace(opts.Message); msg != "" {
		if _, ok := raw["subject"]; !ok {
			raw["subject"] = msg
		}
	}

	sp, _ := spec.NewNormalizer(contracts, ont).Normalize(raw)
	cs := constraint.NewEngine(ont).Build(sp, topic.State{})
	envelope := cat.Retrieve(sp, cs, opts.TopK)

	if formatter.Format == "json" {
		return formatter.Success(envelope)
	}

	if !envelope.CatalogAvailable {
		fmt.Fprintln(formatter.Writer, "catalog empty or unavailable")
		return nil
	}
	fmt.Fprintf(formatter.Writer, "query tokens: %s\n", strings.Join(envelope.QueryTokens, " "))
	for _, tbl := range envelope.SelectedTables {
		fmt.Fprintf(formatter.Writer, "%-32s %.4f  %s\n", tbl.Doctype, tbl.Score, strings.Join(tbl.OverlapTokens, ","))
	}
	if len(envelope.JoinPaths) > 0 {
		fmt.Fprintln(formatter.Writer)
		for _, j := range envelope.JoinPaths {
			fmt.Fprintf(formatter.Writer, "%s.%s -> %s (%s)\n", j.FromDoctype, j.Fieldname, j.ToDoctype, j.JoinType)
		}
	}
	return nil
}

func retrieveLoadFailure(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		_ = formatter.Error(loadErr.Code, loadErr.Message, loadErr.Path)
		return NewExitError(ExitCommandError, loadErr.Error())
	}
	_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
	return NewExitError(ExitCommandError, err.Error())
}
