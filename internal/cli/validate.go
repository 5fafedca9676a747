package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/artifact"
)

// ValidationResult holds artifact validation results.
type ValidationResult struct {
	Path   string   `json:"path"`
	Kind   string   `json:"kind"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var kindFlag string

	cmd := &cobra.Command{
		Use:   "validate <artifact-file>...",
		Short: "Validate knowledge artifacts against their schemas",
		Long: `Validate capability, ontology, contract, and catalog artifacts
against their schemas without loading them into a session.

The artifact kind is inferred from the file name; pass --kind to
override when the name is ambiguous.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, kindFlag, args, cmd)
		},
	}

	cmd.Flags().StringVar(&kindFlag, "kind", "", "artifact kind (capability_rows|ontology_overlay|contract_overlay|semantic_catalog)")
	return cmd
}

func runValidate(opts *RootOptions, kindFlag string, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	results := make([]ValidationResult, 0, len(paths))
	failed := 0
	for _, path := range paths {
		kind, err := resolveKind(kindFlag, path)
		if err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return NewExitError(ExitCommandError, err.Error())
		}

		data, err := os.ReadFile(path)
		if err != nil {
			msg := fmt.Sprintf("read %s: %v", path, err)
			_ = formatter.Error(ErrCodeNotFound, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}

		formatter.VerboseLog("Validating %s as %s", path, kind)
		result := ValidationResult{Path: path, Kind: string(kind), Valid: true}
		if err := artifact.Validate(kind, data); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, validationMessage(err))
			failed++
		}
		results = append(results, result)
	}

	if formatter.Format == "json" {
		if failed > 0 {
			if err := formatter.Success(results); err != nil {
				return err
			}
			return NewExitError(ExitFailure, fmt.Sprintf("%d artifact(s) invalid", failed))
		}
		return formatter.Success(results)
	}

	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(formatter.Writer, "✓ %s (%s)\n", r.Path, r.Kind)
			continue
		}
		fmt.Fprintf(formatter.Writer, "✗ %s (%s)\n", r.Path, r.Kind)
		for _, msg := range r.Errors {
			fmt.Fprintf(formatter.Writer, "  %s\n", msg)
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d artifact(s) invalid", failed))
	}
	return nil
}

// resolveKind picks the artifact kind from the flag or the file name.
func resolveKind(flag, path string) (artifact.Kind, error) {
	if flag != "" {
		kind := artifact.Kind(flag)
		switch kind {
		case artifact.KindCapability, artifact.KindOntology, artifact.KindContract, artifact.KindCatalog:
			return kind, nil
		}
		return "", fmt.Errorf("unknown artifact kind %q", flag)
	}

	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(base, "capabilit"):
		return artifact.KindCapability, nil
	case strings.Contains(base, "ontology"):
		return artifact.KindOntology, nil
	case strings.Contains(base, "contract"):
		return artifact.KindContract, nil
	case strings.Contains(base, "catalog"):
		return artifact.KindCatalog, nil
	}
	return "", fmt.Errorf("cannot infer artifact kind from %q; pass --kind", path)
}

func validationMessage(err error) string {
	var vErr *artifact.ValidationError
	if errors.As(err, &vErr) {
		return vErr.Message
	}
	return err.Error()
}
