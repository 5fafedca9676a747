package transform

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/spec"
)

// Ambiguity hint tags the normalizer attaches to follow-up specs.
const (
	HintScaleMillion = "transform_scale:million"
	HintSortDesc     = "transform_sort:desc"
	HintSortAsc      = "transform_sort:asc"
)

// Applied-transform markers recorded on the payload.
const (
	AppliedTopN          = "top_n"
	AppliedKPITotal      = "kpi_total"
	AppliedDetailProject = "detail_project"
	AppliedSort          = "sort"
	AppliedScaleMillion  = "scale_million"
)

// ScaledUnitMillion marks a payload whose numeric measures are shown
// in millions.
const ScaledUnitMillion = "million"

// Preserved-source caps, matching what session state is willing to
// carry between turns.
const (
	maxSourceColumns = 40
	maxSourceRows    = 500
)

// Apply runs the transform-last operations a follow-up spec asks for
// against an executed report table. Non-transform intents and
// non-table payloads pass through untouched. The incoming payload is
// never mutated.
func Apply(p payload.Payload, sp spec.BusinessSpec) payload.Payload {
	if strings.ToUpper(strings.TrimSpace(sp.Intent)) != spec.IntentTransformLast {
		return p
	}
	if p.Type != payload.TypeReportTable || p.Table == nil || len(p.Table.Rows) == 0 {
		return p
	}

	out := p.Clone()

	scaleMillion := hasHint(sp.Ambiguities, HintScaleMillion)
	sortDesc := hasHint(sp.Ambiguities, HintSortDesc)
	sortAsc := hasHint(sp.Ambiguities, HintSortAsc)

	// Preserve the pre-transform table once, full precision, so later
	// follow-ups can re-project and re-scale from it.
	if out.SourceTable == nil && out.ScaledUnit == "" {
		src := capTable(p.Table.Clone())
		out.SourceTable = &src
	}
	if len(out.SourceColumns) == 0 {
		for _, c := range p.Table.Columns {
			if len(out.SourceColumns) >= maxSourceColumns {
				break
			}
			out.SourceColumns = append(out.SourceColumns, c.Fieldname)
		}
	}

	// An already-scaled table is rebuilt from its preserved source so
	// sorting and limiting see true magnitudes and scaling applies
	// exactly once. A requested column missing from the visible table
	// is promoted the same way.
	workingScaled := strings.EqualFold(out.ScaledUnit, ScaledUnitMillion)
	if out.SourceTable != nil && ((workingScaled && scaleMillion) || missingRequestedColumn(sp, out.Table, out.SourceTable)) {
		src := out.SourceTable.Clone()
		out.Table = &src
		out.ScaledUnit = ""
		workingScaled = false
	}

	mode := strings.ToLower(strings.TrimSpace(sp.Output.Mode))
	topN := sp.TopN
	metricFn := metricColumn(sp, out.Table.Columns)
	dimFn := dimColumn(sp, out.Table.Columns)
	hasExplicitMetric := strings.TrimSpace(sp.Metric) != ""

	// "in millions" over a multi-row table is a display request, not a
	// totalling request, unless the user explicitly asked to aggregate.
	if mode == "kpi" && scaleMillion && len(out.Table.Rows) > 1 && !explicitTotalRequest(sp) {
		mode = "detail"
	}

	if mode == "top_n" && topN > 0 && metricFn != "" {
		rows := append([]payload.Row(nil), out.Table.Rows...)
		if hasExplicitMetric || sortDesc || sortAsc {
			sortRowsByMetric(rows, metricFn, !sortAsc)
		}
		if len(rows) > topN {
			rows = rows[:topN]
		}
		out.Table = &payload.Table{Columns: out.Table.Columns, Rows: rows}
		out.TransformApplied = AppliedTopN
	}

	if mode == "kpi" && metricFn != "" {
		total := 0.0
		for _, r := range out.Table.Rows {
			total += toFloat(r[metricFn])
		}
		out.Table = &payload.Table{
			Columns: []payload.Column{
				{Fieldname: "metric", Label: "Metric"},
				{Fieldname: "value", Label: "Value"},
			},
			Rows: []payload.Row{{"metric": metricFn, "value": total}},
		}
		out.TransformApplied = AppliedKPITotal
	}

	// Default projection: keep only dimension and metric when both
	// resolve to distinct columns.
	if mode != "kpi" && mode != "top_n" && dimFn != "" && metricFn != "" && dimFn != metricFn {
		var picked []payload.Column
		for _, c := range out.Table.Columns {
			if c.Fieldname == dimFn || c.Fieldname == metricFn {
				picked = append(picked, c)
			}
		}
		if len(picked) > 0 {
			rows := make([]payload.Row, 0, len(out.Table.Rows))
			for _, r := range out.Table.Rows {
				rows = append(rows, payload.Row{dimFn: r[dimFn], metricFn: r[metricFn]})
			}
			out.Table = &payload.Table{Columns: picked, Rows: rows}
			out.TransformApplied = AppliedDetailProject
		}
	}

	if metricFn2 := metricColumn(sp, out.Table.Columns); metricFn2 != "" && len(out.Table.Rows) > 0 && (sortDesc || sortAsc) {
		rows := append([]payload.Row(nil), out.Table.Rows...)
		sortRowsByMetric(rows, metricFn2, sortDesc)
		out.Table = &payload.Table{Columns: out.Table.Columns, Rows: rows}
		if out.TransformApplied == "" {
			out.TransformApplied = AppliedSort
		}
	}

	if scaleMillion && !workingScaled && len(out.Table.Rows) > 0 {
		fns := numericFieldnames(out.Table.Columns)
		if len(fns) == 0 {
			if fn := metricColumn(sp, out.Table.Columns); fn != "" {
				fns = []string{fn}
			}
		}
		rows := make([]payload.Row, 0, len(out.Table.Rows))
		for _, r := range out.Table.Rows {
			cp := make(payload.Row, len(r))
			for k, v := range r {
				cp[k] = v
			}
			for _, fn := range fns {
				if _, present := cp[fn]; present {
					cp[fn] = toFloat(cp[fn]) / 1e6
				}
			}
			rows = append(rows, cp)
		}
		out.Table = &payload.Table{Columns: out.Table.Columns, Rows: rows}
		if out.TransformApplied == "" {
			out.TransformApplied = AppliedScaleMillion
		}
		out.ScaledUnit = ScaledUnitMillion
	}

	if mode != "" {
		out.OutputMode = mode
	}
	return out
}

// ToolMessage renders a compact trace line describing the applied
// transform.
func ToolMessage(tool, mode string, p payload.Payload) string {
	b, err := json.Marshal(map[string]any{
		"type":    "transform_last",
		"mode":    strings.TrimSpace(mode),
		"tool":    strings.TrimSpace(tool),
		"applied": p.TransformApplied,
	})
	if err != nil {
		return `{"type":"transform_last"}`
	}
	return string(b)
}

// metricColumn picks the column the asked metric lives in: named
// match first, then common measure keywords, then the last column.
func metricColumn(sp spec.BusinessSpec, cols []payload.Column) string {
	metric := strings.ToLower(strings.TrimSpace(sp.Metric))
	if metric != "" {
		for _, c := range cols {
			fn := strings.ToLower(strings.TrimSpace(c.Fieldname))
			lb := strings.ToLower(strings.TrimSpace(c.Label))
			if metric == fn || metric == lb || strings.Contains(fn, metric) || strings.Contains(lb, metric) {
				return strings.TrimSpace(c.Fieldname)
			}
		}
	}
	for _, c := range cols {
		fn := strings.ToLower(strings.TrimSpace(c.Fieldname))
		for _, k := range []string{"amount", "total", "revenue", "qty", "quantity", "balance"} {
			if strings.Contains(fn, k) {
				return strings.TrimSpace(c.Fieldname)
			}
		}
	}
	if len(cols) > 0 {
		return strings.TrimSpace(cols[len(cols)-1].Fieldname)
	}
	return ""
}

// dimColumn picks the grouping column: the first group_by match, else
// the first column.
func dimColumn(sp spec.BusinessSpec, cols []payload.Column) string {
	for _, raw := range sp.GroupBy {
		gb := strings.ToLower(strings.TrimSpace(raw))
		if gb == "" {
			continue
		}
		for _, c := range cols {
			fn := strings.ToLower(strings.TrimSpace(c.Fieldname))
			lb := strings.ToLower(strings.TrimSpace(c.Label))
			if gb == fn || gb == lb || strings.Contains(fn, gb) || strings.Contains(lb, gb) {
				return strings.TrimSpace(c.Fieldname)
			}
		}
	}
	if len(cols) > 0 {
		return strings.TrimSpace(cols[0].Fieldname)
	}
	return ""
}

func explicitTotalRequest(sp spec.BusinessSpec) bool {
	agg := strings.ToLower(strings.TrimSpace(sp.Aggregation))
	switch agg {
	case "sum", "avg", "average", "count", "min", "max":
		return true
	}
	metric := strings.ToLower(strings.TrimSpace(sp.Metric))
	for _, k := range []string{"total", "sum", "count", "number", "average", "avg"} {
		if strings.Contains(metric, k) {
			return true
		}
	}
	return false
}

// missingRequestedColumn reports whether any column the spec asks for
// by name is absent from the visible table but present in the source.
func missingRequestedColumn(sp spec.BusinessSpec, visible, source *payload.Table) bool {
	if visible == nil || source == nil {
		return false
	}
	var wanted []string
	if m := strings.TrimSpace(sp.Metric); m != "" {
		wanted = append(wanted, m)
	}
	wanted = append(wanted, sp.GroupBy...)
	wanted = append(wanted, sp.Output.MinimalColumns...)
	for _, w := range wanted {
		token := strings.ToLower(strings.TrimSpace(w))
		if token == "" {
			continue
		}
		if !hasColumn(visible.Columns, token) && hasColumn(source.Columns, token) {
			return true
		}
	}
	return false
}

func hasColumn(cols []payload.Column, token string) bool {
	for _, c := range cols {
		fn := strings.ToLower(strings.TrimSpace(c.Fieldname))
		lb := strings.ToLower(strings.TrimSpace(c.Label))
		if token == fn || token == lb || strings.Contains(fn, token) || strings.Contains(lb, token) {
			return true
		}
	}
	return false
}

func numericFieldnames(cols []payload.Column) []string {
	var out []string
	for _, c := range cols {
		fn := strings.TrimSpace(c.Fieldname)
		if fn == "" {
			continue
		}
		if payload.IsNumericFieldtype(c.Fieldtype) {
			out = append(out, fn)
			continue
		}
		lowered := strings.ToLower(fn)
		for _, k := range []string{"amount", "revenue", "value", "total", "outstanding", "balance", "qty", "quantity"} {
			if strings.Contains(lowered, k) {
				out = append(out, fn)
				break
			}
		}
	}
	return out
}

func sortRowsByMetric(rows []payload.Row, fieldname string, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := toFloat(rows[i][fieldname]), toFloat(rows[j][fieldname])
		if desc {
			return a > b
		}
		return a < b
	})
}

func toFloat(v any) float64 {
	f, ok := payload.ParseNumber(v)
	if !ok {
		return 0
	}
	return f
}

func hasHint(hints []string, want string) bool {
	for _, h := range hints {
		if strings.ToLower(strings.TrimSpace(h)) == want {
			return true
		}
	}
	return false
}

func capTable(t payload.Table) payload.Table {
	if len(t.Columns) > maxSourceColumns {
		t.Columns = t.Columns[:maxSourceColumns]
	}
	if len(t.Rows) > maxSourceRows {
		t.Rows = t.Rows[:maxSourceRows]
	}
	return t
}
