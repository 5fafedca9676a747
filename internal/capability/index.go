package capability

import (
	"strings"
	"sync"
	"time"

	"github.com/roach88/tally/internal/ontology"
)

// IndexVersion identifies the index envelope layout.
const IndexVersion = "v1.0"

const requirementsTTL = 30 * time.Minute

// RequirementsProvider fetches a report's filter requirements from the
// external metadata collaborator.
type RequirementsProvider interface {
	Requirements(reportName, user string) (Requirements, error)
}

// Index is a point-in-time snapshot of every report capability.
type Index struct {
	SchemaVersion          string              `json:"schema_version"`
	IndexVersion           string              `json:"capability_index_version"`
	GeneratedAtUTC         string              `json:"generated_at_utc"`
	FreshnessHours         int                 `json:"freshness_hours"`
	ReportCount            int                 `json:"report_count"`
	KnownRequirementsCount int                 `json:"known_requirements_count"`
	HighConfidenceCount    int                 `json:"high_confidence_count"`
	FreshCount             int                 `json:"fresh_count"`
	ValidationErrors       map[string][]string `json:"validation_errors"`
	Reports                []Row               `json:"reports"`

	byName map[string]int
}

// Row looks a report up by name; ok is false when the snapshot has no
// row for it.
func (idx *Index) Row(reportName string) (Row, bool) {
	i, ok := idx.byName[strings.TrimSpace(reportName)]
	if !ok {
		return Row{}, false
	}
	return idx.Reports[i], true
}

// Builder assembles capability indexes, caching requirements lookups
// so repeated snapshots within the TTL do not hammer the collaborator.
type Builder struct {
	ont      *ontology.Catalog
	provider RequirementsProvider
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]requirementsEntry
}

type requirementsEntry struct {
	fetched time.Time
	req     Requirements
}

// NewBuilder returns a builder over the given ontology and
// requirements provider. provider may be nil when every report's
// requirements are supplied inline to Build.
func NewBuilder(ont *ontology.Catalog, provider RequirementsProvider) *Builder {
	return &Builder{
		ont:      ont,
		provider: provider,
		now:      time.Now,
		cache:    map[string]requirementsEntry{},
	}
}

// WithClock overrides the builder's time source. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// ClearCache drops all cached requirements.
func (b *Builder) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = map[string]requirementsEntry{}
}

func (b *Builder) requirements(reportName, user string) Requirements {
	key := strings.TrimSpace(user) + "::" + strings.TrimSpace(reportName)
	now := b.now()

	b.mu.Lock()
	entry, ok := b.cache[key]
	b.mu.Unlock()
	if ok && now.Sub(entry.fetched) <= requirementsTTL {
		return entry.req
	}

	if b.provider == nil {
		return Requirements{RawType: "requirements:missing_provider"}
	}
	req, err := b.provider.Requirements(reportName, user)
	if err != nil {
		return Requirements{RawType: "requirements:error"}
	}

	b.mu.Lock()
	b.cache[key] = requirementsEntry{fetched: now, req: req}
	b.mu.Unlock()
	return req
}

// BuildOptions tunes one index build.
type BuildOptions struct {
	// RequirementsByReport supplies requirements inline, bypassing the
	// provider for the named reports.
	RequirementsByReport map[string]Requirements
	User                 string
	// GeneratedAt stamps the snapshot; zero means the current time.
	GeneratedAt    time.Time
	FreshnessHours int
}

// Build assembles a capability index for the given report listings.
// Reports without a name are dropped; every surviving report gets a
// row even when its requirements lookup failed.
func (b *Builder) Build(reports []Report, opts BuildOptions) *Index {
	now := b.now()
	generatedAt := opts.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = now
	}
	freshness := opts.FreshnessHours
	if freshness < 1 {
		freshness = DefaultFreshnessHours
	}

	idx := &Index{
		SchemaVersion:    SchemaVersion,
		IndexVersion:     IndexVersion,
		GeneratedAtUTC:   formatUTC(generatedAt),
		FreshnessHours:   freshness,
		ValidationErrors: map[string][]string{},
		Reports:          []Row{},
		byName:           map[string]int{},
	}

	for _, report := range reports {
		name := strings.TrimSpace(report.Name)
		if name == "" {
			continue
		}
		req, ok := opts.RequirementsByReport[name]
		if !ok {
			req = b.requirements(name, opts.User)
		}

		row := BuildRow(b.ont, report, req, generatedAt, now, freshness)
		if errs := ValidateRow(row); len(errs) > 0 {
			idx.ValidationErrors[name] = errs
		}
		if !row.Constraints.RequirementsUnknown {
			idx.KnownRequirementsCount++
		}
		if row.Metadata.Fresh {
			idx.FreshCount++
		}
		if row.Metadata.Confidence >= 0.60 {
			idx.HighConfidenceCount++
		}
		idx.byName[name] = len(idx.Reports)
		idx.Reports = append(idx.Reports, row)
	}
	idx.ReportCount = len(idx.Reports)
	return idx
}

// Reindex rebuilds the by-name lookup and summary counts after the
// Reports slice was populated directly (snapshot files, tests).
func (idx *Index) Reindex() {
	idx.byName = make(map[string]int, len(idx.Reports))
	idx.KnownRequirementsCount = 0
	idx.HighConfidenceCount = 0
	idx.FreshCount = 0
	for i, row := range idx.Reports {
		idx.byName[strings.TrimSpace(row.ReportName)] = i
		if !row.Constraints.RequirementsUnknown {
			idx.KnownRequirementsCount++
		}
		if row.Metadata.Fresh {
			idx.FreshCount++
		}
		if row.Metadata.Confidence >= 0.60 {
			idx.HighConfidenceCount++
		}
	}
	idx.ReportCount = len(idx.Reports)
}
