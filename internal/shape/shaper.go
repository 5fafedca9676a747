package shape

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/roach88/tally/internal/ontology"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/spec"
)

const maxProjectedColumns = 12

// Shaper reshapes executed report tables toward the asked contract.
type Shaper struct {
	ont *ontology.Catalog
}

// NewShaper returns a shaper backed by the given ontology.
func NewShaper(ont *ontology.Catalog) *Shaper {
	if ont == nil {
		ont = ontology.Default()
	}
	return &Shaper{ont: ont}
}

// ShapeResponse applies the output contract to a report table:
// document row filtering, requested-column projection, and top-N or
// KPI shaping. Direct document lookups are kept intact.
func (s *Shaper) ShapeResponse(p payload.Payload, sp spec.BusinessSpec) payload.Payload {
	if p.Type != payload.TypeReportTable {
		return p
	}
	if p.DirectDocumentLookup {
		return p
	}

	out := p.Clone()
	mode := effectiveOutputMode(out, sp)

	out = applyDocumentRowFilter(out, sp)

	if wanted := minimalColumnOrder(sp); len(wanted) > 0 {
		out = s.projectTable(out, wanted)
	}

	switch mode {
	case "top_n":
		out = s.applyTopN(out, sp)
	case "kpi":
		out = s.applyKPI(out, sp)
	}
	return out
}

// minimalColumnOrder merges the spec's column requests into display
// order: requested dimensions, then the metric, then contract hints.
// A projection-only follow-up uses the contract columns verbatim.
func minimalColumnOrder(sp spec.BusinessSpec) []string {
	contractCols := RequestedMinimalColumns(sp)
	projectionOnly := false
	for _, a := range sp.Ambiguities {
		if strings.ToLower(strings.TrimSpace(a)) == "transform_projection:only" {
			projectionOnly = true
			break
		}
	}

	var merged []string
	seen := map[string]struct{}{}
	appendUnique := func(v string) {
		t := strings.TrimSpace(v)
		if t == "" {
			return
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		merged = append(merged, t)
	}

	if projectionOnly && len(contractCols) > 0 {
		for _, c := range contractCols {
			appendUnique(c)
		}
	} else {
		for _, c := range sp.GroupBy {
			appendUnique(c)
		}
		for _, c := range sp.Dimensions {
			appendUnique(c)
		}
		appendUnique(sp.Metric)
		for _, c := range contractCols {
			appendUnique(c)
		}
	}
	if len(merged) > maxProjectedColumns {
		merged = merged[:maxProjectedColumns]
	}
	return merged
}

type columnBinding struct {
	index  int
	wanted string
}

// matchColumnIndexes binds each wanted name to its best column.
// Exact name matches beat word-bounded phrase matches beat loose
// containment; metric targets must land on numeric columns.
func (s *Shaper) matchColumnIndexes(cols []payload.Column, rows []payload.Row, wanted []string) []columnBinding {
	if len(cols) == 0 {
		return nil
	}

	var bindings []columnBinding
	used := map[int]struct{}{}
	for _, rawWanted := range wanted {
		w := normToken(rawWanted)
		if w == "" {
			continue
		}
		aliases := s.filteredAliases(rawWanted, w)
		metric := s.ont.KnownMetric(w)
		dim := s.ont.KnownDimension(w)
		var columnAliases []string
		if metric != "" {
			for _, a := range s.ont.MetricColumnAliasesFor(metric) {
				if n := normToken(a); n != "" {
					columnAliases = append(columnAliases, n)
				}
			}
		}

		bestIdx := -1
		bestScore := math.MinInt32
		for idx, c := range cols {
			if _, taken := used[idx]; taken {
				continue
			}
			fn := normToken(c.Fieldname)
			lb := normToken(c.Label)
			txt := strings.TrimSpace(fn + " " + lb)
			score := scoreAliases(aliases, fn, lb, txt, 90, 70, 50)
			if metric != "" && score < 0 && payload.IsNumericColumn(c, rows) {
				if fallback := scoreAliases(columnAliases, fn, lb, txt, 42, 36, 30); fallback > score {
					score = fallback
				}
			}
			if score < 0 {
				continue
			}
			numeric := payload.IsNumericColumn(c, rows)
			if metric != "" {
				if !numeric {
					continue
				}
				score += 18
			}
			if dim != "" {
				if numeric {
					score -= 4
				} else {
					score += 8
				}
			}
			if score > bestScore {
				bestScore = score
				bestIdx = idx
			}
		}
		if bestIdx >= 0 {
			bindings = append(bindings, columnBinding{index: bestIdx, wanted: strings.TrimSpace(rawWanted)})
			used[bestIdx] = struct{}{}
		}
	}
	return bindings
}

// filteredAliases expands a wanted name, dropping aliases that are a
// strict subset of the asked phrase when the ask is more specific
// than its canonical term ("base grand total" must not match "total").
func (s *Shaper) filteredAliases(rawWanted, w string) []string {
	var aliases []string
	for _, a := range s.ont.SemanticAliases(w, true) {
		if n := normToken(a); n != "" {
			aliases = append(aliases, n)
		}
	}
	if len(aliases) == 0 {
		aliases = []string{w}
	}

	canonical := s.ont.KnownMetric(w)
	if canonical == "" {
		canonical = s.ont.KnownDimension(w)
	}
	canonicalNorm := normToken(canonical)
	rawNorm := normToken(rawWanted)
	if rawNorm == "" || canonicalNorm == "" || rawNorm == canonicalNorm {
		return aliases
	}
	wantedTokens := tokenSet(rawNorm)
	var filtered []string
	for _, a := range aliases {
		if isStrictSubset(tokenSet(a), wantedTokens) {
			continue
		}
		filtered = append(filtered, a)
	}
	if len(filtered) == 0 {
		return []string{w}
	}
	return filtered
}

func scoreAliases(aliases []string, fn, lb, txt string, exact, bounded, loose int) int {
	score := math.MinInt32
	for _, a := range aliases {
		if a == "" {
			continue
		}
		cur := math.MinInt32
		switch {
		case a == fn || a == lb:
			cur = exact
		case wordBounded(txt, a):
			cur = bounded
		case len(a) >= 5 && strings.Contains(txt, a):
			cur = loose
		}
		if cur > score {
			score = cur
		}
	}
	return score
}

// projectTable keeps only the bound columns, relabelled to the asked
// names.
func (s *Shaper) projectTable(p payload.Payload, wanted []string) payload.Payload {
	if p.Table == nil || len(p.Table.Columns) == 0 || len(p.Table.Rows) == 0 {
		return p
	}
	bindings := s.matchColumnIndexes(p.Table.Columns, p.Table.Rows, wanted)
	if len(bindings) == 0 {
		return p
	}

	var projected []payload.Column
	seen := map[string]struct{}{}
	for _, b := range bindings {
		col := p.Table.Columns[b.index]
		key := strings.ToLower(strings.TrimSpace(col.Fieldname))
		if key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		if b.wanted != "" {
			col.Label = titleCase(strings.ReplaceAll(b.wanted, "_", " "))
		}
		projected = append(projected, col)
	}
	rows := make([]payload.Row, 0, len(p.Table.Rows))
	for _, r := range p.Table.Rows {
		nr := payload.Row{}
		for _, c := range projected {
			if c.Fieldname != "" {
				nr[c.Fieldname] = r[c.Fieldname]
			}
		}
		rows = append(rows, nr)
	}
	p.Table = &payload.Table{Columns: projected, Rows: rows}
	return p
}

// detectMetricColumn finds the column holding the asked metric, or
// the first numeric column.
func (s *Shaper) detectMetricColumn(cols []payload.Column, rows []payload.Row, sp spec.BusinessSpec) string {
	metric := strings.TrimSpace(sp.Metric)
	if metric != "" {
		m := normToken(metric)
		for _, c := range cols {
			if strings.Contains(normToken(c.Fieldname)+" "+normToken(c.Label), m) {
				return strings.TrimSpace(c.Fieldname)
			}
		}
	}
	for _, c := range cols {
		if payload.IsNumericColumn(c, rows) {
			if fn := strings.TrimSpace(c.Fieldname); fn != "" {
				return fn
			}
		}
	}
	return ""
}

func (s *Shaper) requestedDimensionNames(sp spec.BusinessSpec) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, raw := range append(append([]string(nil), sp.GroupBy...), sp.Dimensions...) {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		dim := s.ont.KnownDimension(value)
		if dim == "" {
			dim = strings.ToLower(value)
		}
		if _, dup := seen[dim]; dup {
			continue
		}
		seen[dim] = struct{}{}
		out = append(out, dim)
	}
	return out
}

func (s *Shaper) detectRequestedDimensionColumn(cols []payload.Column, rows []payload.Row, sp spec.BusinessSpec) string {
	requested := s.requestedDimensionNames(sp)
	if len(requested) == 0 {
		return ""
	}
	for _, b := range s.matchColumnIndexes(cols, rows, requested) {
		if fn := strings.TrimSpace(cols[b.index].Fieldname); fn != "" {
			return fn
		}
	}
	return ""
}

func isAggregateDimensionValue(value any) bool {
	txt := normToken(payload.CellString(value))
	if txt == "" {
		return false
	}
	if txt == "all" || txt == "total" || txt == "grand total" {
		return true
	}
	return strings.HasPrefix(txt, "all ")
}

// aggregateRowsByDimension sums the metric per dimension value,
// keeping first-seen order and first-seen values for other columns.
// Roll-up rows ("All Territories", "Grand Total") are dropped when
// real dimension rows exist.
func aggregateRowsByDimension(cols []payload.Column, rows []payload.Row, dimensionFn, metricFn string) []payload.Row {
	if dimensionFn == "" || metricFn == "" || dimensionFn == metricFn {
		return rows
	}

	grouped := map[string]payload.Row{}
	var order []string
	aggregateKeys := map[string]struct{}{}
	haveReal := false

	for _, row := range rows {
		keyValue := strings.TrimSpace(payload.CellString(row[dimensionFn]))
		if keyValue == "" {
			continue
		}
		key := normToken(keyValue)
		g, ok := grouped[key]
		if !ok {
			g = payload.Row{dimensionFn: keyValue, metricFn: 0.0}
			grouped[key] = g
			order = append(order, key)
		}
		g[metricFn] = toFloat(g[metricFn]) + toFloat(row[metricFn])
		for _, col := range cols {
			fn := strings.TrimSpace(col.Fieldname)
			if fn == "" || fn == metricFn {
				continue
			}
			if fn == dimensionFn {
				g[fn] = keyValue
				continue
			}
			if isEmptyCell(g[fn]) && !isEmptyCell(row[fn]) {
				g[fn] = row[fn]
			}
		}
		if isAggregateDimensionValue(keyValue) {
			aggregateKeys[key] = struct{}{}
		} else {
			haveReal = true
		}
	}

	out := make([]payload.Row, 0, len(order))
	for _, key := range order {
		if haveReal {
			if _, rollup := aggregateKeys[key]; rollup {
				continue
			}
		}
		out = append(out, grouped[key])
	}
	return out
}

func sortDirection(sp spec.BusinessSpec) string {
	asc, desc := false, false
	for _, a := range sp.Ambiguities {
		switch strings.ToLower(strings.TrimSpace(a)) {
		case "transform_sort:asc":
			asc = true
		case "transform_sort:desc":
			desc = true
		}
	}
	if asc && !desc {
		return "asc"
	}
	return "desc"
}

var (
	isoDatePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	isoMonthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)
	isoWeekPattern  = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)
)

// temporalSortValue orders period labels: ISO dates, months, ISO
// weeks, and full datetimes. Unparseable values sort last.
func temporalSortValue(value any) float64 {
	s := strings.TrimSpace(payload.CellString(value))
	if s == "" {
		return math.Inf(-1)
	}
	s = strings.ReplaceAll(s, "/", "-")
	if isoDatePattern.MatchString(s) {
		if t, err := time.Parse("2006-01-02", s); err == nil {
			return float64(t.Unix())
		}
		return math.Inf(-1)
	}
	if isoMonthPattern.MatchString(s) {
		if t, err := time.Parse("2006-01-02", s+"-01"); err == nil {
			return float64(t.Unix())
		}
		return math.Inf(-1)
	}
	if m := isoWeekPattern.FindStringSubmatch(s); m != nil {
		return float64(isoWeekStart(parseIntDefault(m[1]), parseIntDefault(m[2])).Unix())
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return float64(t.Unix())
		}
	}
	return math.Inf(-1)
}

// isoWeekStart returns the Monday of the given ISO week.
func isoWeekStart(year, week int) time.Time {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	week1Monday := jan4.AddDate(0, 0, -offset)
	return week1Monday.AddDate(0, 0, (week-1)*7)
}

func detectTemporalColumn(cols []payload.Column) string {
	var fallback string
	for _, c := range cols {
		fn := strings.TrimSpace(c.Fieldname)
		if fn == "" {
			continue
		}
		ft := strings.ToLower(strings.TrimSpace(c.Fieldtype))
		if ft == "date" || ft == "datetime" {
			return fn
		}
		if fallback == "" {
			txt := strings.TrimSpace(normToken(fn) + " " + normToken(c.Label))
			for _, t := range []string{"date", "time", "week", "month", "quarter", "year"} {
				if strings.Contains(txt, t) {
					fallback = fn
					break
				}
			}
		}
	}
	return fallback
}

// applyTopN ranks and limits the table. Latest-record lists rank by
// the temporal column; analytical asks aggregate per dimension and
// rank by the metric. When the visible table holds fewer rows than
// asked, rows are backfilled from the preserved source table.
func (s *Shaper) applyTopN(p payload.Payload, sp spec.BusinessSpec) payload.Payload {
	if p.Table == nil || len(p.Table.Columns) == 0 || len(p.Table.Rows) == 0 {
		return p
	}
	n := sp.TopN
	if n <= 0 {
		return p
	}

	cols := p.Table.Columns
	sorted := s.sortedRowsFor(cols, p.Table.Rows, sp)

	if len(sorted) < n && p.SourceTable != nil && len(p.SourceTable.Rows) > 0 {
		var fieldnames []string
		for _, c := range cols {
			if fn := strings.TrimSpace(c.Fieldname); fn != "" {
				fieldnames = append(fieldnames, fn)
			}
		}
		sourceFieldnames := map[string]struct{}{}
		for _, c := range p.SourceTable.Columns {
			if fn := strings.TrimSpace(c.Fieldname); fn != "" {
				sourceFieldnames[fn] = struct{}{}
			}
		}
		allPresent := len(fieldnames) > 0
		for _, fn := range fieldnames {
			if _, ok := sourceFieldnames[fn]; !ok {
				allPresent = false
				break
			}
		}
		if allPresent {
			projected := make([]payload.Row, 0, len(p.SourceTable.Rows))
			for _, r := range p.SourceTable.Rows {
				nr := payload.Row{}
				for _, fn := range fieldnames {
					nr[fn] = r[fn]
				}
				projected = append(projected, nr)
			}
			projected = applyScaleToRows(p.ScaledUnit, cols, projected)
			if sourceSorted := s.sortedRowsFor(cols, projected, sp); len(sourceSorted) >= len(sorted) {
				sorted = sourceSorted
			}
		}
	}

	if len(sorted) > n {
		sorted = sorted[:n]
	}
	p.Table = &payload.Table{Columns: cols, Rows: sorted}
	return p
}

func (s *Shaper) sortedRowsFor(cols []payload.Column, rows []payload.Row, sp spec.BusinessSpec) []payload.Row {
	if len(cols) == 0 || len(rows) == 0 {
		return nil
	}
	if strings.ToLower(strings.TrimSpace(sp.TaskClass)) == "list_latest_records" {
		if temporalFn := detectTemporalColumn(cols); temporalFn != "" {
			out := append([]payload.Row(nil), rows...)
			sort.SliceStable(out, func(i, j int) bool {
				return temporalSortValue(out[i][temporalFn]) > temporalSortValue(out[j][temporalFn])
			})
			return out
		}
		return append([]payload.Row(nil), rows...)
	}

	metricFn := s.detectMetricColumn(cols, rows, sp)
	dimensionFn := s.detectRequestedDimensionColumn(cols, rows, sp)
	ranked := append([]payload.Row(nil), rows...)
	if metricFn != "" && dimensionFn != "" {
		ranked = aggregateRowsByDimension(cols, ranked, dimensionFn, metricFn)
	}
	if metricFn != "" {
		desc := sortDirection(sp) != "asc"
		sort.SliceStable(ranked, func(i, j int) bool {
			a, b := toFloat(ranked[i][metricFn]), toFloat(ranked[j][metricFn])
			if desc {
				return a > b
			}
			return a < b
		})
	}
	return ranked
}

// applyScaleToRows re-applies the payload's recorded display scale to
// rows rebuilt from the full-precision source.
func applyScaleToRows(scaledUnit string, cols []payload.Column, rows []payload.Row) []payload.Row {
	if !strings.EqualFold(strings.TrimSpace(scaledUnit), "million") || len(rows) == 0 {
		return rows
	}
	var numericFns []string
	for _, c := range cols {
		fn := strings.TrimSpace(c.Fieldname)
		if fn == "" {
			continue
		}
		if payload.IsNumericFieldtype(c.Fieldtype) {
			numericFns = append(numericFns, fn)
			continue
		}
		lowered := strings.ToLower(fn)
		for _, k := range []string{"amount", "revenue", "value", "total", "outstanding", "balance", "qty", "quantity"} {
			if strings.Contains(lowered, k) {
				numericFns = append(numericFns, fn)
				break
			}
		}
	}
	out := make([]payload.Row, 0, len(rows))
	for _, r := range rows {
		cp := make(payload.Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		for _, fn := range numericFns {
			if _, present := cp[fn]; present {
				cp[fn] = toFloat(cp[fn]) / 1e6
			}
		}
		out = append(out, cp)
	}
	return out
}

// applyKPI collapses the table to a single metric/value row.
func (s *Shaper) applyKPI(p payload.Payload, sp spec.BusinessSpec) payload.Payload {
	if p.Table == nil || len(p.Table.Columns) == 0 || len(p.Table.Rows) == 0 {
		return p
	}
	metricFn := s.detectMetricColumn(p.Table.Columns, p.Table.Rows, sp)
	metricLabel := strings.TrimSpace(sp.Metric)
	if metricLabel == "" {
		metricLabel = metricFn
	}
	if metricLabel == "" {
		metricLabel = "value"
	}
	total := 0.0
	if metricFn != "" {
		for _, r := range p.Table.Rows {
			total += toFloat(r[metricFn])
		}
	} else {
		for _, r := range p.Table.Rows {
			for _, v := range r {
				total += toFloat(v)
			}
		}
	}
	p.Table = &payload.Table{
		Columns: []payload.Column{
			{Fieldname: "metric", Label: "Metric", Fieldtype: "Data"},
			{Fieldname: "value", Label: "Value", Fieldtype: "Float"},
		},
		Rows: []payload.Row{{"metric": metricLabel, "value": total}},
	}
	return p
}

var docIDPattern = regexp.MustCompile(`\b[A-Z]{2,}-[A-Z0-9]+-\d{4}-\d+\b`)

func extractDocumentID(sp spec.BusinessSpec) string {
	keys := make([]string, 0, len(sp.Filters))
	for k := range sp.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := strings.TrimSpace(payload.CellString(sp.Filters[k]))
		if s != "" && docIDPattern.MatchString(s) {
			return s
		}
	}
	return ""
}

// applyDocumentRowFilter narrows rows to the requested document when
// a filter value carries a document id and matching rows exist.
func applyDocumentRowFilter(p payload.Payload, sp spec.BusinessSpec) payload.Payload {
	docID := extractDocumentID(sp)
	if docID == "" || p.Table == nil || len(p.Table.Columns) == 0 || len(p.Table.Rows) == 0 {
		return p
	}
	var filtered []payload.Row
	for _, r := range p.Table.Rows {
		for _, v := range r {
			if strings.TrimSpace(payload.CellString(v)) == docID {
				filtered = append(filtered, r)
				break
			}
		}
	}
	if len(filtered) > 0 {
		p.Table = &payload.Table{Columns: p.Table.Columns, Rows: filtered}
	}
	return p
}

// effectiveOutputMode resolves the shaping mode. A scale-only
// transform follow-up keeps the prior turn's recorded output mode so
// re-display does not reshape the result.
func effectiveOutputMode(p payload.Payload, sp spec.BusinessSpec) string {
	mode := strings.ToLower(strings.TrimSpace(sp.Output.Mode))
	if mode == "" {
		mode = "detail"
	}
	if strings.ToUpper(strings.TrimSpace(sp.Intent)) != spec.IntentTransformLast {
		return mode
	}
	stored := strings.ToLower(strings.TrimSpace(p.OutputMode))
	if stored != "top_n" && stored != "detail" {
		return mode
	}

	scaleOnly := false
	hasSort := false
	for _, a := range sp.Ambiguities {
		switch strings.ToLower(strings.TrimSpace(a)) {
		case "transform_scale:million":
			scaleOnly = true
		case "transform_sort:asc", "transform_sort:desc":
			hasSort = true
		}
	}
	if !scaleOnly || hasSort {
		return mode
	}

	hasDimensionRequest := len(sp.GroupBy) > 0 || len(sp.Dimensions) > 0 || len(RequestedMinimalColumns(sp)) > 0
	agg := strings.ToLower(strings.TrimSpace(sp.Aggregation))
	explicitAggregateOnly := (agg == "sum" || agg == "avg" || agg == "average" || agg == "count" || agg == "min" || agg == "max") &&
		sp.TopN <= 0 && !hasDimensionRequest
	if explicitAggregateOnly {
		return mode
	}
	return stored
}

// FormatNumericValuesForDisplay renders numeric cells with comma
// separators and two decimals.
func FormatNumericValuesForDisplay(p payload.Payload) payload.Payload {
	if p.Type != payload.TypeReportTable || p.Table == nil || len(p.Table.Rows) == 0 {
		return p
	}
	out := p.Clone()
	for _, r := range out.Table.Rows {
		for _, c := range out.Table.Columns {
			fn := strings.TrimSpace(c.Fieldname)
			if fn == "" {
				continue
			}
			v, present := r[fn]
			if !present {
				continue
			}
			if _, isBool := v.(bool); isBool {
				continue
			}
			if num, ok := payload.ParseNumber(v); ok {
				r[fn] = formatWithCommas(num)
			}
		}
	}
	return out
}

func formatWithCommas(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	dot := strings.Index(s, ".")
	intPart, frac := s[:dot], s[dot:]
	var b strings.Builder
	for i, d := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	if neg {
		return "-" + b.String() + frac
	}
	return b.String() + frac
}

// ToolMessage renders a compact trace line for a shaped payload.
func ToolMessage(tool, mode string, p payload.Payload) string {
	b, err := json.Marshal(map[string]any{
		"type":         "response_shaper",
		"mode":         strings.TrimSpace(mode),
		"tool":         strings.TrimSpace(tool),
		"payload_type": string(p.Type),
		"report_name":  p.ReportName,
	})
	if err != nil {
		return `{"type":"response_shaper"}`
	}
	return string(b)
}

func normToken(v string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "_", " ")
}

func toFloat(v any) float64 {
	f, ok := payload.ParseNumber(v)
	if !ok {
		return 0
	}
	return f
}

func isEmptyCell(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range strings.Fields(s) {
		out[t] = struct{}{}
	}
	return out
}

func isStrictSubset(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(a) >= len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// wordBounded reports whether phrase occurs in text with non-word
// characters (or string edges) on both sides.
func wordBounded(text, phrase string) bool {
	if phrase == "" || text == "" {
		return false
	}
	for start := 0; ; {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		leftOK := i == 0 || !isWordByte(text[i-1])
		rightOK := end == len(text) || !isWordByte(text[end])
		if leftOK && rightOK {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func parseIntDefault(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}
