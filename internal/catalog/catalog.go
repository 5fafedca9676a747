package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/roach88/tally/internal/artifact"
	"github.com/roach88/tally/internal/constraint"
	"github.com/roach88/tally/internal/spec"
)

// SchemaVersion identifies the catalog artifact layout this package reads.
const SchemaVersion = "db_semantic_catalog_v1"

// DefaultTopK is the number of tables selected when the caller does not
// ask for a specific count.
const DefaultTopK = 6

// Caps on the advisory envelope so a pathological catalog cannot bloat
// downstream prompts.
const (
	maxOverlapTokens = 12
	maxFieldNames    = 160
	maxLinkTargets   = 80
	maxJoinPaths     = 120
)

// Table is one queryable doctype in the semantic catalog.
type Table struct {
	Doctype     string   `json:"doctype"`
	Tokens      []string `json:"tokens,omitempty"`
	FieldNames  []string `json:"field_names,omitempty"`
	LinkTargets []string `json:"link_targets,omitempty"`
}

// Join is a directed edge between two catalog doctypes.
type Join struct {
	FromDoctype string `json:"from_doctype"`
	Fieldname   string `json:"fieldname"`
	ToDoctype   string `json:"to_doctype"`
	JoinType    string `json:"join_type"`
}

// Projection summarizes what the capability surface prefers, as
// recorded by whatever process generated the catalog.
type Projection struct {
	Domains     []string `json:"domains,omitempty"`
	Dimensions  []string `json:"dimensions,omitempty"`
	FilterKinds []string `json:"filter_kinds,omitempty"`
}

// Catalog is the parsed semantic catalog body.
type Catalog struct {
	Tables               []Table    `json:"tables"`
	Joins                []Join     `json:"joins,omitempty"`
	CapabilityProjection Projection `json:"capability_projection,omitempty"`
}

type catalogFile struct {
	SchemaVersion string  `json:"schema_version"`
	Catalog       Catalog `json:"catalog"`
}

// Load reads, validates and parses a catalog artifact. The loader
// caches by content hash, so repeated loads of an unchanged file are
// cheap.
func Load(loader *artifact.Loader, path string) (*Catalog, error) {
	data, err := loader.Load(artifact.KindCatalog, path)
	if err != nil {
		return nil, err
	}
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse semantic catalog: %w", err)
	}
	if strings.TrimSpace(file.SchemaVersion) != SchemaVersion {
		return nil, fmt.Errorf("semantic catalog %s: schema_version %q, want %q", path, file.SchemaVersion, SchemaVersion)
	}
	return &file.Catalog, nil
}

// SelectedTable is one scored table in the retrieval result.
type SelectedTable struct {
	Doctype       string   `json:"doctype"`
	Score         float64  `json:"score"`
	OverlapTokens []string `json:"overlap_tokens"`
	FieldNames    []string `json:"field_names"`
	LinkTargets   []string `json:"link_targets"`
}

// Context is the advisory retrieval envelope handed to planning.
type Context struct {
	CatalogAvailable     bool            `json:"catalog_available"`
	SelectedTables       []SelectedTable `json:"selected_tables"`
	JoinPaths            []Join          `json:"join_paths"`
	PreferredDomains     []string        `json:"preferred_domains"`
	PreferredDimensions  []string        `json:"preferred_dimensions"`
	PreferredFilterKinds []string        `json:"preferred_filter_kinds"`
	RetrievalScore       float64         `json:"retrieval_score"`
	QueryTokens          []string        `json:"query_tokens"`
}

func emptyContext() Context {
	return Context{
		SelectedTables:       []SelectedTable{},
		JoinPaths:            []Join{},
		PreferredDomains:     []string{},
		PreferredDimensions:  []string{},
		PreferredFilterKinds: []string{},
		QueryTokens:          []string{},
	}
}

// Retrieve scores every catalog table against the request and returns
// the topK best matches plus the join edges connecting them. A nil or
// empty catalog yields catalog_available=false with empty lists. topK
// values below one are treated as one.
func (c *Catalog) Retrieve(sp spec.BusinessSpec, cs constraint.Set, topK int) Context {
	if c == nil || len(c.Tables) == 0 {
		return emptyContext()
	}
	if topK < 1 {
		topK = 1
	}

	queryTokens := QueryTokens(sp, cs)
	qset := toSet(queryTokens)
	reqDims := loweredSet(cs.RequestedDimensions)
	hardKinds := loweredSet(cs.HardFilterKinds)
	domain := strings.ToLower(strings.TrimSpace(cs.Domain))

	scored := make([]SelectedTable, 0, len(c.Tables))
	for _, t := range c.Tables {
		dt := strings.TrimSpace(t.Doctype)
		if dt == "" {
			continue
		}
		tokens := loweredSet(t.Tokens)
		fields := loweredSet(t.FieldNames)

		overlap := intersectSorted(qset, tokens)
		score := float64(len(overlap)) * 5.0
		score += float64(countIn(reqDims, fields)) * 4.0
		score += float64(countIn(hardKinds, fields)) * 3.0
		if domain != "" && domain != "unknown" && domain != "cross functional" &&
			strings.Contains(strings.ToLower(dt), domain) {
			score += 2.0
		}
		if score <= 0 {
			continue
		}
		scored = append(scored, SelectedTable{
			Doctype:       dt,
			Score:         round4(score),
			OverlapTokens: cap12(overlap),
			FieldNames:    capList(t.FieldNames, maxFieldNames),
			LinkTargets:   capList(t.LinkTargets, maxLinkTargets),
		})
	}

	// Highest score first; equal scores order by doctype so the same
	// catalog and request always yield the same selection.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Doctype < scored[j].Doctype
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}

	selectedDoctypes := make(map[string]bool, len(scored))
	for _, s := range scored {
		selectedDoctypes[s.Doctype] = true
	}

	joinPaths := []Join{}
	for _, j := range c.Joins {
		src := strings.TrimSpace(j.FromDoctype)
		dst := strings.TrimSpace(j.ToDoctype)
		if !selectedDoctypes[src] || !selectedDoctypes[dst] {
			continue
		}
		jt := strings.TrimSpace(j.JoinType)
		if jt == "" {
			jt = "link"
		}
		joinPaths = append(joinPaths, Join{
			FromDoctype: src,
			Fieldname:   strings.TrimSpace(j.Fieldname),
			ToDoctype:   dst,
			JoinType:    jt,
		})
		if len(joinPaths) == maxJoinPaths {
			break
		}
	}

	total := 0.0
	for _, s := range scored {
		total += s.Score
	}

	return Context{
		CatalogAvailable:     true,
		SelectedTables:       scored,
		JoinPaths:            joinPaths,
		PreferredDomains:     loweredList(c.CapabilityProjection.Domains),
		PreferredDimensions:  loweredList(c.CapabilityProjection.Dimensions),
		PreferredFilterKinds: loweredList(c.CapabilityProjection.FilterKinds),
		RetrievalScore:       round4(total),
		QueryTokens:          queryTokens,
	}
}

// QueryTokens builds the deduplicated token list a request contributes
// to table scoring: subject and metric from the spec, then metric,
// domain, requested dimensions and hard filter kinds from the
// constraint set, in that order.
func QueryTokens(sp spec.BusinessSpec, cs constraint.Set) []string {
	bits := []string{
		sp.Subject,
		sp.Metric,
		cs.Metric,
		cs.Domain,
		strings.Join(cs.RequestedDimensions, " "),
		strings.Join(cs.HardFilterKinds, " "),
	}
	out := []string{}
	seen := map[string]bool{}
	for _, b := range bits {
		for _, t := range tokenize(b) {
			if seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// tokenize lowercases v and returns its alphanumeric runs of length
// two or more, deduplicated in first-seen order. Underscores, hyphens
// and punctuation all act as separators.
func tokenize(v string) []string {
	lower := strings.ToLower(v)
	out := []string{}
	seen := map[string]bool{}
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		t := lower[start:end]
		start = -1
		if len(t) < 2 || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(lower))
	return out
}

func toSet(vals []string) map[string]bool {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}

func loweredSet(vals []string) map[string]bool {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = true
		}
	}
	return set
}

func loweredList(vals []string) []string {
	out := []string{}
	for _, v := range vals {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func intersectSorted(a, b map[string]bool) []string {
	out := []string{}
	for v := range a {
		if b[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func countIn(want, have map[string]bool) int {
	n := 0
	for v := range want {
		if have[v] {
			n++
		}
	}
	return n
}

func cap12(vals []string) []string {
	if len(vals) > maxOverlapTokens {
		return vals[:maxOverlapTokens]
	}
	return vals
}

func capList(vals []string, n int) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if len(out) == n {
			break
		}
		out = append(out, v)
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
