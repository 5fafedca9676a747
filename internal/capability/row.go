package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/roach88/tally/internal/ontology"
)

// SchemaVersion identifies the capability-row layout.
const SchemaVersion = "v1"

// DefaultFreshnessHours is how long a snapshot row stays fresh when
// the builder is not told otherwise.
const DefaultFreshnessHours = 24

// Report is the raw report listing a capability row is built from.
type Report struct {
	Name       string `json:"name"`
	Module     string `json:"module"`
	ReportType string `json:"report_type"`
	IsStandard bool   `json:"is_standard"`
	Disabled   bool   `json:"disabled"`
}

// FilterDef is one filter declared by a report.
type FilterDef struct {
	Fieldname string `json:"fieldname"`
	Label     string `json:"label"`
	Fieldtype string `json:"fieldtype"`
	Options   string `json:"options"`
	Reqd      int    `json:"reqd"`
}

// Requirements captures what the external requirements collaborator
// knows about a report's filters. RawType records where that knowledge
// came from and drives the confidence score.
type Requirements struct {
	RequiredFilterNames []string    `json:"required_filter_names"`
	FiltersDefinition   []FilterDef `json:"filters_definition"`
	RawType             string      `json:"raw_type"`
}

// Constraints is the filter surface of a capability row.
type Constraints struct {
	RequiredFilterNames  []string    `json:"required_filter_names"`
	SupportedFilterNames []string    `json:"supported_filter_names"`
	RequiredFilterKinds  []string    `json:"required_filter_kinds"`
	SupportedFilterKinds []string    `json:"supported_filter_kinds"`
	FiltersDefinition    []FilterDef `json:"filters_definition"`
	RequiredFilterCount  int         `json:"required_filter_count"`
	RequirementsRawType  string      `json:"requirements_raw_type"`
	RequirementsUnknown  bool        `json:"requirements_unknown"`
}

// TimeSupport records which time scopes a report's filters can express.
type TimeSupport struct {
	AsOf       bool `json:"as_of"`
	Range      bool `json:"range"`
	FiscalYear bool `json:"fiscal_year"`
	YearWindow bool `json:"year_window"`
	Any        bool `json:"any"`
}

// Semantics carries the ontology hints inferred for a report.
type Semantics struct {
	DomainHints      []string `json:"domain_hints"`
	DimensionHints   []string `json:"dimension_hints"`
	MetricHints      []string `json:"metric_hints"`
	PrimaryDimension string   `json:"primary_dimension"`
}

// Metadata is the provenance and freshness envelope of a row.
type Metadata struct {
	GeneratedAtUTC    string            `json:"generated_at_utc"`
	FreshUntilUTC     string            `json:"fresh_until_utc"`
	AgeSeconds        int               `json:"age_seconds"`
	Fresh             bool              `json:"fresh"`
	Confidence        float64           `json:"confidence"`
	ConfidenceReasons []string          `json:"confidence_reasons"`
	Source            map[string]string `json:"source"`
	Fingerprint       string            `json:"fingerprint"`
}

// Row is one report's capability description.
type Row struct {
	SchemaVersion string      `json:"schema_version"`
	ReportName    string      `json:"report_name"`
	ReportFamily  string      `json:"report_family"`
	ReportType    string      `json:"report_type"`
	IsStandard    bool        `json:"is_standard"`
	Disabled      bool        `json:"disabled"`
	Constraints   Constraints `json:"constraints"`
	TimeSupport   TimeSupport `json:"time_support"`
	Semantics     Semantics   `json:"semantics"`
	Metadata      Metadata    `json:"metadata"`
}

// ApplyOverrides is the registry override hook. Runtime policy is that
// capability rows pass through unchanged: report-name pattern rewrites
// happen in the offline refresh jobs, never here.
func ApplyOverrides(row Row) Row {
	return row
}

func normalizeFamily(module string) string {
	name := strings.TrimSpace(module)
	if name == "" {
		return "Unknown"
	}
	return name
}

// detectFilterKinds classifies one filter definition by running the
// ontology over its joined descriptive text.
func detectFilterKinds(ont *ontology.Catalog, fieldname, label, fieldtype, options string) []string {
	text := strings.TrimSpace(strings.Join([]string{
		strings.TrimSpace(fieldname),
		strings.TrimSpace(label),
		strings.TrimSpace(fieldtype),
		strings.TrimSpace(options),
	}, " "))
	return ont.InferFilterKinds(text)
}

var dimensionOrder = []string{"customer", "supplier", "item", "warehouse", "company"}

func inferDimensionHints(filterKinds []string) []string {
	kinds := map[string]bool{}
	for _, k := range filterKinds {
		kinds[strings.ToLower(strings.TrimSpace(k))] = true
	}
	out := []string{}
	for _, dim := range dimensionOrder {
		if kinds[dim] {
			out = append(out, dim)
		}
	}
	return out
}

func inferTimeSupport(filterKinds []string) TimeSupport {
	kinds := map[string]bool{}
	for _, k := range filterKinds {
		kinds[strings.ToLower(strings.TrimSpace(k))] = true
	}
	ts := TimeSupport{
		AsOf:       kinds["date"] || kinds["report_date"],
		Range:      kinds["from_date"] && kinds["to_date"],
		FiscalYear: kinds["fiscal_year"],
		YearWindow: (kinds["start_year"] && kinds["end_year"]) || kinds["year"],
	}
	ts.Any = ts.AsOf || ts.Range || ts.FiscalYear || ts.YearWindow
	return ts
}

// confidenceFromMetadata scores how much to trust a row's filter
// knowledge, with the reasons that produced the score.
func confidenceFromMetadata(rawType string, requiredNames []string, filterDefs []FilterDef) (float64, []string) {
	raw := strings.ToLower(strings.TrimSpace(rawType))
	hasFilters := len(filterDefs) > 0
	hasRequired := len(requiredNames) > 0
	score := 0.25
	reasons := []string{"base=0.25"}

	switch {
	case strings.HasPrefix(raw, "requirements:"):
		score += 0.35
		reasons = append(reasons, "fac_requirements_source")
	case strings.Contains(raw, "fallback_report_metadata"):
		score += 0.22
		reasons = append(reasons, "report_metadata_fallback_source")
	case raw != "":
		score += 0.10
		reasons = append(reasons, "other_source")
	}

	if hasFilters {
		score += 0.25
		reasons = append(reasons, "filters_definition_present")
	} else {
		reasons = append(reasons, "filters_definition_missing")
	}
	if hasRequired {
		score += 0.10
		reasons = append(reasons, "required_filters_present")
	} else {
		reasons = append(reasons, "required_filters_missing")
	}

	if strings.Contains(raw, "no_filters") && !hasFilters && !hasRequired {
		if score < 0.62 {
			score = 0.62
		}
		reasons = append(reasons, "known_no_filters_capability")
	}

	score = math.Max(0.05, math.Min(score, 0.95))
	return math.Round(score*10000) / 10000, reasons
}

// Fingerprint hashes the semantic surface of a row so snapshot diffs
// can tell a real capability change from a metadata refresh.
func Fingerprint(row Row) string {
	payload := map[string]any{
		"report_name":   row.ReportName,
		"report_family": row.ReportFamily,
		"report_type":   row.ReportType,
		"constraints":   row.Constraints,
		"time_support":  row.TimeSupport,
		"semantics":     row.Semantics,
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// BuildRow derives a capability row from a report listing and its
// filter requirements, timestamped against generatedAt.
func BuildRow(ont *ontology.Catalog, report Report, req Requirements, generatedAt, now time.Time, freshnessHours int) Row {
	reportName := strings.TrimSpace(report.Name)
	family := normalizeFamily(report.Module)

	requiredNames := []string{}
	for _, n := range req.RequiredFilterNames {
		if strings.TrimSpace(n) != "" {
			requiredNames = append(requiredNames, n)
		}
	}
	rawType := strings.TrimSpace(req.RawType)
	requirementsUnknown := len(req.FiltersDefinition) == 0 && len(requiredNames) == 0
	if requirementsUnknown && strings.Contains(strings.ToLower(rawType), "no_filters") {
		requirementsUnknown = false
	}

	requiredByName := map[string]bool{}
	for _, n := range requiredNames {
		requiredByName[strings.ToLower(strings.TrimSpace(n))] = true
	}

	supportedNames := []string{}
	seenNames := map[string]bool{}
	supportedKinds := map[string]bool{}
	requiredKinds := map[string]bool{}
	normalizedDefs := make([]FilterDef, 0, len(req.FiltersDefinition))
	for _, def := range req.FiltersDefinition {
		fieldname := strings.TrimSpace(def.Fieldname)
		if fieldname != "" && !seenNames[fieldname] {
			seenNames[fieldname] = true
			supportedNames = append(supportedNames, fieldname)
		}
		kinds := detectFilterKinds(ont, fieldname, def.Label, def.Fieldtype, def.Options)
		for _, k := range kinds {
			supportedKinds[k] = true
		}
		if requiredByName[strings.ToLower(fieldname)] {
			for _, k := range kinds {
				requiredKinds[k] = true
			}
		}
		reqd := 0
		if def.Reqd == 1 {
			reqd = 1
		}
		normalizedDefs = append(normalizedDefs, FilterDef{
			Fieldname: fieldname,
			Label:     strings.TrimSpace(def.Label),
			Fieldtype: strings.TrimSpace(def.Fieldtype),
			Options:   strings.TrimSpace(def.Options),
			Reqd:      reqd,
		})
	}
	// Required names with no matching definition still contribute
	// their kind through the name text alone.
	for _, n := range requiredNames {
		for _, k := range detectFilterKinds(ont, n, n, "", "") {
			requiredKinds[k] = true
		}
	}

	supportedKindsSorted := sortedKeys(supportedKinds)
	requiredKindsSorted := sortedKeys(requiredKinds)
	sort.Strings(supportedNames)

	timeSupport := inferTimeSupport(supportedKindsSorted)
	confidence, confidenceReasons := confidenceFromMetadata(rawType, requiredNames, req.FiltersDefinition)

	freshness := freshnessHours
	if freshness < 1 {
		freshness = 1
	}
	generatedAt = generatedAt.UTC().Truncate(time.Second)
	freshUntil := generatedAt.Add(time.Duration(freshness) * time.Hour)
	age := int(now.UTC().Sub(generatedAt).Seconds())
	if age < 0 {
		age = 0
	}

	source := rawType
	if source == "" {
		source = "unknown"
	}

	row := Row{
		SchemaVersion: SchemaVersion,
		ReportName:    reportName,
		ReportFamily:  family,
		ReportType:    strings.TrimSpace(report.ReportType),
		IsStandard:    report.IsStandard,
		Disabled:      report.Disabled,
		Constraints: Constraints{
			RequiredFilterNames:  requiredNames,
			SupportedFilterNames: supportedNames,
			RequiredFilterKinds:  requiredKindsSorted,
			SupportedFilterKinds: supportedKindsSorted,
			FiltersDefinition:    normalizedDefs,
			RequiredFilterCount:  len(requiredNames),
			RequirementsRawType:  rawType,
			RequirementsUnknown:  requirementsUnknown,
		},
		TimeSupport: timeSupport,
		Semantics: Semantics{
			DomainHints:      ont.InferDomainHints(reportName, family, supportedKindsSorted),
			DimensionHints:   inferDimensionHints(supportedKindsSorted),
			MetricHints:      ont.InferMetricHints(reportName, family, supportedNames, supportedKindsSorted),
			PrimaryDimension: ont.InferPrimaryDimension(reportName),
		},
		Metadata: Metadata{
			GeneratedAtUTC:    formatUTC(generatedAt),
			FreshUntilUTC:     formatUTC(freshUntil),
			AgeSeconds:        age,
			Fresh:             !now.UTC().After(freshUntil),
			Confidence:        confidence,
			ConfidenceReasons: confidenceReasons,
			Source: map[string]string{
				"catalog":      "report_list",
				"requirements": source,
			},
		},
	}
	row = ApplyOverrides(row)
	row.Metadata.Fingerprint = Fingerprint(row)
	return row
}

// ValidateRow returns the list of structural problems with a row,
// empty when the row is usable.
func ValidateRow(row Row) []string {
	errs := []string{}
	if row.SchemaVersion != SchemaVersion {
		errs = append(errs, "schema_version_invalid")
	}
	if strings.TrimSpace(row.ReportName) == "" {
		errs = append(errs, "report_name_missing")
	}
	if row.Metadata.Confidence < 0 || row.Metadata.Confidence > 1 {
		errs = append(errs, "confidence_out_of_range")
	}
	if strings.TrimSpace(row.Metadata.GeneratedAtUTC) == "" {
		errs = append(errs, "generated_at_missing")
	}
	if strings.TrimSpace(row.Metadata.FreshUntilUTC) == "" {
		errs = append(errs, "fresh_until_missing")
	}
	if strings.TrimSpace(row.Metadata.Fingerprint) == "" {
		errs = append(errs, "fingerprint_missing")
	}
	return errs
}

func formatUTC(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
