package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/roach88/tally/internal/artifact"
	"github.com/roach88/tally/internal/capability"
	"github.com/roach88/tally/internal/catalog"
	"github.com/roach88/tally/internal/contract"
	"github.com/roach88/tally/internal/ontology"
)

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric       = "E001" // Generic/unknown error
	ErrCodeNotFound      = "E002" // Path not found
	ErrCodeParseFailed   = "E003" // File parse error
	ErrCodeSchemaInvalid = "E004" // Artifact failed its schema
	ErrCodeStoreFailed   = "E005" // Session store error
	ErrCodeTurnFailed    = "E006" // Turn execution error
)

// LoadError represents an error that occurred while loading a
// knowledge artifact.
type LoadError struct {
	Code    string
	Path    string
	Message string
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// capabilityFile is the on-disk capability artifact envelope.
type capabilityFile struct {
	Version     string              `json:"version"`
	GeneratedAt string              `json:"generated_at,omitempty"`
	Rows        []capabilityRowFile `json:"rows"`
}

type capabilityRowFile struct {
	Name              string               `json:"name"`
	Family            string               `json:"family,omitempty"`
	Confidence        *float64             `json:"confidence,omitempty"`
	Stale             bool                 `json:"stale,omitempty"`
	RequirementsKnown *bool                `json:"requirements_known,omitempty"`
	SupportedFilters  []capabilityFilterRD `json:"supported_filters,omitempty"`
	Metrics           []string             `json:"metrics,omitempty"`
	Dimensions        []string             `json:"dimensions,omitempty"`
	PrimaryDimension  string               `json:"primary_dimension,omitempty"`
	Domains           []string             `json:"domains,omitempty"`
	TimeModes         []string             `json:"time_modes,omitempty"`
}

type capabilityFilterRD struct {
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// LoadCapabilities reads a capability artifact, validates it against
// its schema, and assembles the resolver's capability index.
func LoadCapabilities(loader *artifact.Loader, ont *ontology.Catalog, path string, now time.Time) (*capability.Index, error) {
	data, err := loader.Load(artifact.KindCapability, path)
	if err != nil {
		return nil, classifyArtifactError(path, err)
	}

	var file capabilityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, &LoadError{Code: ErrCodeParseFailed, Path: path, Message: err.Error()}
	}

	idx := &capability.Index{
		SchemaVersion:    capability.SchemaVersion,
		IndexVersion:     capability.IndexVersion,
		GeneratedAtUTC:   file.GeneratedAt,
		FreshnessHours:   capability.DefaultFreshnessHours,
		ValidationErrors: map[string][]string{},
	}
	if idx.GeneratedAtUTC == "" {
		idx.GeneratedAtUTC = now.UTC().Format(time.RFC3339)
	}
	for _, row := range file.Rows {
		if strings.TrimSpace(row.Name) == "" {
			continue
		}
		built := capabilityRowFromFile(ont, row)
		if errs := capability.ValidateRow(built); len(errs) > 0 {
			idx.ValidationErrors[built.ReportName] = errs
		}
		idx.Reports = append(idx.Reports, built)
	}
	idx.Reindex()
	return idx, nil
}

// capabilityRowFromFile maps one artifact row onto the runtime row,
// inferring filter kinds through the ontology when the artifact does
// not name them.
func capabilityRowFromFile(ont *ontology.Catalog, row capabilityRowFile) capability.Row {
	out := capability.Row{
		SchemaVersion: capability.SchemaVersion,
		ReportName:    strings.TrimSpace(row.Name),
		ReportFamily:  strings.TrimSpace(row.Family),
		ReportType:    "Script Report",
		IsStandard:    true,
	}

	kinds := map[string]bool{}
	requiredKinds := map[string]bool{}
	for _, f := range row.SupportedFilters {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			continue
		}
		out.Constraints.SupportedFilterNames = append(out.Constraints.SupportedFilterNames, name)
		if f.Required {
			out.Constraints.RequiredFilterNames = append(out.Constraints.RequiredFilterNames, name)
		}

		fk := []string{strings.ToLower(strings.TrimSpace(f.Kind))}
		if fk[0] == "" {
			fk = ont.InferFilterKinds(name)
		}
		for _, k := range fk {
			if k == "" {
				continue
			}
			kinds[k] = true
			if f.Required {
				requiredKinds[k] = true
			}
		}
	}
	out.Constraints.SupportedFilterKinds = sortedBoolKeys(kinds)
	out.Constraints.RequiredFilterKinds = sortedBoolKeys(requiredKinds)
	out.Constraints.RequiredFilterCount = len(out.Constraints.RequiredFilterNames)
	out.Constraints.RequirementsRawType = "requirements:artifact"
	if row.RequirementsKnown != nil {
		out.Constraints.RequirementsUnknown = !*row.RequirementsKnown
	} else {
		out.Constraints.RequirementsUnknown = len(row.SupportedFilters) == 0
	}

	out.TimeSupport = timeSupportFromModes(row.TimeModes, kinds)
	out.Semantics = capability.Semantics{
		DomainHints:      loweredTrimmed(row.Domains),
		DimensionHints:   loweredTrimmed(row.Dimensions),
		MetricHints:      loweredTrimmed(row.Metrics),
		PrimaryDimension: strings.ToLower(strings.TrimSpace(row.PrimaryDimension)),
	}
	if len(out.Semantics.DomainHints) == 0 {
		out.Semantics.DomainHints = ont.InferDomainHints(out.ReportName, out.ReportFamily, out.Constraints.SupportedFilterKinds)
	}

	out.Metadata.Fresh = !row.Stale
	out.Metadata.Confidence = 0.60
	if row.Confidence != nil {
		out.Metadata.Confidence = *row.Confidence
	}
	out.Metadata.Source = map[string]string{"origin": "artifact"}
	out.Metadata.Fingerprint = capability.Fingerprint(out)
	return out
}

func timeSupportFromModes(modes []string, kinds map[string]bool) capability.TimeSupport {
	var ts capability.TimeSupport
	if len(modes) == 0 {
		// Fall back to what the filter kinds can express.
		ts.AsOf = kinds["date"] || kinds["as_of_date"]
		ts.Range = kinds["from_date"] && kinds["to_date"]
		ts.FiscalYear = kinds["fiscal_year"]
		ts.YearWindow = kinds["year"] || (kinds["from_year"] && kinds["to_year"])
		ts.Any = ts.AsOf || ts.Range || ts.FiscalYear || ts.YearWindow
		return ts
	}
	for _, m := range modes {
		switch strings.ToLower(strings.TrimSpace(m)) {
		case "as_of":
			ts.AsOf = true
		case "range":
			ts.Range = true
		case "fiscal_year":
			ts.FiscalYear = true
		case "year_window":
			ts.YearWindow = true
		case "any":
			ts.Any = true
		}
	}
	if ts.AsOf || ts.Range || ts.FiscalYear || ts.YearWindow {
		ts.Any = true
	}
	return ts
}

// LoadCatalog reads the db semantic catalog artifact.
func LoadCatalog(loader *artifact.Loader, path string) (*catalog.Catalog, error) {
	c, err := catalog.Load(loader, path)
	if err != nil {
		return nil, classifyArtifactError(path, err)
	}
	return c, nil
}

// LoadOntology builds the ontology with optional overlay files.
func LoadOntology(overlays ...string) (*ontology.Catalog, error) {
	ont, err := ontology.Load(overlays...)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeParseFailed, Message: err.Error()}
	}
	return ont, nil
}

// LoadContracts builds the contract registry with optional overlays.
func LoadContracts(overlays ...string) (*contract.Registry, error) {
	reg, err := contract.Load(overlays...)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeParseFailed, Message: err.Error()}
	}
	return reg, nil
}

// LoadSpecObject reads an upstream planner object from a JSON file.
func LoadSpecObject(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Code: ErrCodeNotFound, Path: path, Message: "spec file not found"}
		}
		return nil, &LoadError{Code: ErrCodeGeneric, Path: path, Message: err.Error()}
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &LoadError{Code: ErrCodeParseFailed, Path: path, Message: err.Error()}
	}
	return obj, nil
}

func classifyArtifactError(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return &LoadError{Code: ErrCodeNotFound, Path: path, Message: "artifact not found"}
	}
	var vErr *artifact.ValidationError
	if errors.As(err, &vErr) {
		return &LoadError{Code: ErrCodeSchemaInvalid, Path: path, Message: vErr.Message}
	}
	return &LoadError{Code: ErrCodeGeneric, Path: path, Message: err.Error()}
}

func sortedBoolKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func loweredTrimmed(vals []string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
