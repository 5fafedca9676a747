package ontology

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// AliasMap maps a canonical code to its accepted surface phrases.
type AliasMap map[string][]string

// Catalog is the merged business vocabulary. Zero value is unusable;
// build one with Default or Load.
type Catalog struct {
	Version string `json:"version"`

	MetricAliases       AliasMap          `json:"metric_aliases"`
	MetricColumnAliases AliasMap          `json:"metric_column_aliases"`
	MetricDomainMap     map[string]string `json:"metric_domain_map"`

	DomainAliases           AliasMap `json:"domain_aliases"`
	DimensionAliases        AliasMap `json:"dimension_aliases"`
	PrimaryDimensionAliases AliasMap `json:"primary_dimension_aliases"`
	FilterKindAliases       AliasMap `json:"filter_kind_aliases"`

	WriteOperationAliases AliasMap `json:"write_operation_aliases"`
	WriteDoctypeAliases   AliasMap `json:"write_doctype_aliases"`
	ExportAliases         AliasMap `json:"export_aliases"`
	ReferenceValueAliases AliasMap `json:"reference_value_aliases"`

	TransformAmbiguityAliases AliasMap `json:"transform_ambiguity_aliases"`

	RecordQueryStopTokens     []string `json:"record_query_stop_tokens"`
	GenericRecordEntityTokens []string `json:"generic_record_entity_tokens"`
	GenericMetricTerms        []string `json:"generic_metric_terms"`
}

// Default returns the built-in vocabulary. It is complete enough to run
// the demo capability set without any overlay files.
func Default() *Catalog {
	return &Catalog{
		Version: "builtin_v1",
		MetricAliases: AliasMap{
			"revenue":            {"revenue"},
			"purchase_amount":    {"purchase_amount", "purchase amount", "procurement amount", "vendor spend"},
			"sold_quantity":      {"sold_quantity", "sold quantity"},
			"received_quantity":  {"received_quantity", "received quantity"},
			"stock_balance":      {"stock_balance", "stock balance"},
			"projected_quantity": {"projected_quantity", "projected quantity", "projected qty"},
			"outstanding_amount": {"outstanding_amount", "outstanding amount"},
			"open_requests":      {"open_requests", "open requests"},
		},
		MetricColumnAliases: AliasMap{
			"revenue": {
				"revenue", "sales amount", "sales value", "invoiced amount", "billed amount",
				"amount", "total", "value", "sales", "income",
			},
			"purchase_amount": {
				"purchase amount", "procurement amount", "vendor spend", "invoiced amount",
				"billed amount", "purchase value",
			},
			"sold_quantity":      {"sold quantity", "sold qty", "sales qty", "sales quantity", "qty sold", "quantity", "qty"},
			"received_quantity":  {"received quantity", "received qty", "purchase qty", "qty received", "quantity", "qty"},
			"stock_balance":      {"stock balance", "item balance", "balance qty", "warehouse balance", "inventory balance", "balance", "quantity", "qty"},
			"projected_quantity": {"projected quantity", "projected qty", "quantity", "qty"},
			"outstanding_amount": {
				"outstanding amount", "amount due", "receivable amount", "payable amount",
				"outstanding balance", "receivable balance", "payable balance", "balance due",
				"closing balance",
			},
			"open_requests": {"open requests", "pending requests", "request count", "count"},
		},
		MetricDomainMap: map[string]string{
			"revenue":            "sales",
			"purchase_amount":    "purchasing",
			"sold_quantity":      "sales",
			"received_quantity":  "purchasing",
			"stock_balance":      "inventory",
			"projected_quantity": "inventory",
			"outstanding_amount": "finance",
			"open_requests":      "operations",
		},
		DomainAliases: AliasMap{
			"sales":      {"sales"},
			"purchasing": {"purchasing"},
			"inventory":  {"inventory"},
			"finance":    {"finance"},
			"operations": {"operations"},
			"hr":         {"hr"},
		},
		DimensionAliases: AliasMap{
			"customer":  {"customer"},
			"supplier":  {"supplier"},
			"item":      {"item", "product", "sku"},
			"warehouse": {"warehouse"},
			"territory": {"territory"},
			"company":   {"company"},
		},
		PrimaryDimensionAliases: AliasMap{
			"customer":      {"customer"},
			"supplier":      {"supplier"},
			"item":          {"item"},
			"warehouse":     {"warehouse"},
			"territory":     {"territory"},
			"sales_person":  {"sales_person"},
			"sales_partner": {"sales_partner"},
		},
		FilterKindAliases: AliasMap{
			"warehouse":   {"warehouse"},
			"company":     {"company"},
			"customer":    {"customer"},
			"supplier":    {"supplier"},
			"item":        {"item"},
			"date":        {"date"},
			"from_date":   {"from_date", "from date"},
			"to_date":     {"to_date", "to date"},
			"report_date": {"report_date", "report date"},
			"start_year":  {"start_year", "start year"},
			"end_year":    {"end_year", "end year"},
			"fiscal_year": {"fiscal_year", "fiscal year"},
			"year":        {"year"},
		},
		WriteOperationAliases: AliasMap{
			"create":  {"create"},
			"update":  {"update"},
			"delete":  {"delete"},
			"confirm": {"confirm"},
			"cancel":  {"cancel"},
		},
		WriteDoctypeAliases: AliasMap{
			"ToDo": {"todo"},
		},
		ExportAliases: AliasMap{
			"include_download": {"download"},
		},
		ReferenceValueAliases: AliasMap{
			"same": {
				"same", "the same", "same as before", "same one", "that one",
				"this one", "previous one", "same value",
			},
		},
		TransformAmbiguityAliases: AliasMap{
			"transform_scale:million":   {"as million", "in million", "million", "mn"},
			"transform_sort:desc":       {"descending", "desc", "high to low", "highest", "largest", "greatest", "top"},
			"transform_sort:asc":        {"ascending", "asc", "low to high", "lowest", "bottom", "least", "smallest"},
			"transform_projection:only": {"only", "only these", "only this", "just these", "just this"},
			"transform_aggregate:sum":   {"total", "sum"},
		},
		RecordQueryStopTokens: []string{
			"show", "me", "the", "latest", "recent", "newest", "last", "from",
			"this", "that", "these", "those", "month", "week", "year",
			"records", "record", "list", "give", "all", "for", "in", "of",
		},
		GenericRecordEntityTokens: []string{
			"invoice", "order", "entry", "receipt", "request", "payment",
		},
		GenericMetricTerms: []string{"amount", "value", "total"},
	}
}

// Merge layers extra over c and returns a new catalog. Alias lists are
// unioned (case-insensitive dedupe, base order first); scalar maps are
// overwritten key-wise; token lists are unioned.
func (c *Catalog) Merge(extra *Catalog) *Catalog {
	if extra == nil {
		return c
	}
	out := &Catalog{Version: c.Version}
	if strings.TrimSpace(extra.Version) != "" {
		out.Version = extra.Version
	}
	out.MetricAliases = mergeAliasMaps(c.MetricAliases, extra.MetricAliases)
	out.MetricColumnAliases = mergeAliasMaps(c.MetricColumnAliases, extra.MetricColumnAliases)
	out.DomainAliases = mergeAliasMaps(c.DomainAliases, extra.DomainAliases)
	out.DimensionAliases = mergeAliasMaps(c.DimensionAliases, extra.DimensionAliases)
	out.PrimaryDimensionAliases = mergeAliasMaps(c.PrimaryDimensionAliases, extra.PrimaryDimensionAliases)
	out.FilterKindAliases = mergeAliasMaps(c.FilterKindAliases, extra.FilterKindAliases)
	out.WriteOperationAliases = mergeAliasMaps(c.WriteOperationAliases, extra.WriteOperationAliases)
	out.WriteDoctypeAliases = mergeAliasMaps(c.WriteDoctypeAliases, extra.WriteDoctypeAliases)
	out.ExportAliases = mergeAliasMaps(c.ExportAliases, extra.ExportAliases)
	out.ReferenceValueAliases = mergeAliasMaps(c.ReferenceValueAliases, extra.ReferenceValueAliases)
	out.TransformAmbiguityAliases = mergeAliasMaps(c.TransformAmbiguityAliases, extra.TransformAmbiguityAliases)

	out.MetricDomainMap = make(map[string]string, len(c.MetricDomainMap)+len(extra.MetricDomainMap))
	for k, v := range c.MetricDomainMap {
		out.MetricDomainMap[k] = v
	}
	for k, v := range extra.MetricDomainMap {
		if k = strings.TrimSpace(k); k != "" && strings.TrimSpace(v) != "" {
			out.MetricDomainMap[k] = strings.TrimSpace(v)
		}
	}

	out.RecordQueryStopTokens = mergeTokenLists(c.RecordQueryStopTokens, extra.RecordQueryStopTokens)
	out.GenericRecordEntityTokens = mergeTokenLists(c.GenericRecordEntityTokens, extra.GenericRecordEntityTokens)
	out.GenericMetricTerms = mergeTokenLists(c.GenericMetricTerms, extra.GenericMetricTerms)
	return out
}

// Load builds a catalog from the defaults plus zero or more overlay
// JSON files, applied in order. Missing files are skipped; malformed
// files are an error.
func Load(overlayPaths ...string) (*Catalog, error) {
	cat := Default()
	for _, p := range overlayPaths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read ontology overlay %s: %w", p, err)
		}
		var overlay Catalog
		if err := json.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse ontology overlay %s: %w", p, err)
		}
		cat = cat.Merge(&overlay)
	}
	return cat, nil
}

// sortedKeys returns the map's canonical codes in stable order.
// Lookup order matters for first-match resolution, so iteration is
// always sorted rather than map order.
func sortedKeys(m AliasMap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mergeAliasMaps(base, extra AliasMap) AliasMap {
	out := make(AliasMap, len(base)+len(extra))
	for k, v := range base {
		out[k] = append([]string(nil), v...)
	}
	for k, vals := range extra {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		cur := append([]string(nil), out[k]...)
		seen := make(map[string]struct{}, len(cur))
		for _, x := range cur {
			seen[strings.ToLower(strings.TrimSpace(x))] = struct{}{}
		}
		for _, v := range vals {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			lower := strings.ToLower(v)
			if _, dup := seen[lower]; dup {
				continue
			}
			seen[lower] = struct{}{}
			cur = append(cur, v)
		}
		out[k] = cur
	}
	return out
}

func mergeTokenLists(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, src := range [][]string{base, extra} {
		for _, t := range src {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
