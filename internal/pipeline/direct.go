package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/tally/internal/capability"
	"github.com/roach88/tally/internal/dates"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/spec"
	"go.uber.org/zap"
)

// RecordQuery asks the record source for the newest rows of one
// record type.
type RecordQuery struct {
	Doctype string
	Filters map[string]any
	Fields  []string
	OrderBy string
	Limit   int
}

// Document is one record plus its child item rows.
type Document struct {
	Fields map[string]any
	Items  []map[string]any
}

// RecordSource is the transactional-record collaborator behind the
// direct document and latest-record lookup paths, plus the default
// values report preflight needs (company, fiscal year).
type RecordSource interface {
	SubmittableDoctypes(ctx context.Context) ([]string, error)
	DoctypeFields(ctx context.Context, doctype string) ([]string, error)
	LatestRecords(ctx context.Context, q RecordQuery) ([]payload.Row, error)
	Document(ctx context.Context, doctype, id string) (*Document, error)
	DefaultCompany(ctx context.Context) string
	FiscalYearName(ctx context.Context, ref time.Time) string
}

var docIDPattern = regexp.MustCompile(`\b[A-Z]{2,}-[A-Z0-9]+-\d{4}-\d+\b`)

var doctypeFilterKeys = map[string]bool{
	"doctype":       true,
	"document_type": true,
	"record_type":   true,
	"voucher_type":  true,
}

// submittableDoctypes lists the record types direct listing supports.
func (p *Pipeline) submittableDoctypes(ctx context.Context) []string {
	if p.cfg.Records == nil {
		return nil
	}
	names, err := p.cfg.Records.SubmittableDoctypes(ctx)
	if err != nil {
		p.logger.Warn("submittable doctype list failed", zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(names))
	seen := map[string]struct{}{}
	for _, n := range names {
		name := strings.TrimSpace(n)
		if name == "" {
			continue
		}
		k := strings.ToLower(name)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, name)
	}
	return out
}

// resolveExplicitDoctypeName maps a literally-typed record type onto
// its canonical casing; unknown names pass through as typed.
func (p *Pipeline) resolveExplicitDoctypeName(ctx context.Context, value string) string {
	typed := strings.TrimSpace(value)
	if typed == "" {
		return ""
	}
	for _, dt := range p.submittableDoctypes(ctx) {
		if strings.EqualFold(dt, typed) {
			return dt
		}
	}
	return typed
}

// recordDoctypeCandidates maps a record-list ask onto doctypes it may
// mean, using the message, subject, metric, and doctype-ish filters.
func (p *Pipeline) recordDoctypeCandidates(ctx context.Context, message string, sp spec.BusinessSpec) []string {
	doctypes := p.submittableDoctypes(ctx)
	if len(doctypes) == 0 {
		return nil
	}
	chunks := []string{
		strings.TrimSpace(message),
		strings.ToLower(strings.TrimSpace(sp.Subject)),
		strings.ToLower(strings.TrimSpace(sp.Metric)),
	}
	for _, k := range sortedFilterKeys(sp.Filters) {
		kl := strings.ToLower(strings.TrimSpace(k))
		if strings.Contains(kl, "doctype") || strings.Contains(kl, "record") || strings.Contains(kl, "voucher") {
			chunks = append(chunks, strings.TrimSpace(fmt.Sprint(sp.Filters[k])))
		}
	}
	domain := strings.ToLower(strings.TrimSpace(sp.Domain))
	if domain == "" || domain == "unknown" || domain == "cross_functional" {
		metricHint := strings.ToLower(strings.TrimSpace(sp.Metric))
		if metricHint == "" {
			metricHint = p.ont.KnownMetric(message)
		}
		if metricHint != "" {
			domain = strings.ToLower(strings.TrimSpace(p.ont.MetricDomain(metricHint)))
		}
	}
	return p.ont.InferRecordDoctypeCandidates(chunks, doctypes, domain)
}

// directLatestRecords serves "show me the latest N <records>" asks
// straight from transactional doctypes, bypassing report coverage.
// Returns nil when the ask does not unambiguously name one doctype.
func (p *Pipeline) directLatestRecords(ctx context.Context, sp spec.BusinessSpec, message string) *payload.Payload {
	if p.cfg.Records == nil {
		return nil
	}
	taskClass := strings.ToLower(strings.TrimSpace(sp.TaskClass))
	if taskClass != "list_latest_records" && taskClass != "detail_projection" {
		return nil
	}
	if intent := strings.ToUpper(strings.TrimSpace(sp.Intent)); intent != "" && intent != "READ" {
		return nil
	}

	doctype := ""
	for _, k := range sortedFilterKeys(sp.Filters) {
		if !doctypeFilterKeys[strings.ToLower(strings.TrimSpace(k))] {
			continue
		}
		if typed := strings.TrimSpace(fmt.Sprint(sp.Filters[k])); typed != "" {
			doctype = p.resolveExplicitDoctypeName(ctx, typed)
			break
		}
	}
	if doctype == "" {
		candidates := p.recordDoctypeCandidates(ctx, message, sp)
		if len(candidates) != 1 {
			return nil
		}
		doctype = strings.TrimSpace(candidates[0])
	}
	if doctype == "" {
		return nil
	}

	fieldNames, err := p.cfg.Records.DoctypeFields(ctx, doctype)
	if err != nil || len(fieldNames) == 0 {
		return nil
	}

	dateField := pickExistingField(fieldNames, []string{"posting_date", "transaction_date", "bill_date", "date", "modified", "creation"})
	amountField := pickExistingField(fieldNames, []string{"grand_total", "base_grand_total", "rounded_total", "net_total", "base_net_total", "outstanding_amount", "paid_amount", "total"})
	partyField := pickExistingField(fieldNames, []string{"customer", "supplier", "party"})
	companyField := pickExistingField(fieldNames, []string{"company"})
	statusField := pickExistingField(fieldNames, []string{"status", "docstatus"})

	fields := []string{"name"}
	for _, fn := range []string{dateField, partyField, amountField, companyField, statusField} {
		s := strings.TrimSpace(fn)
		if s == "" || containsString(fields, s) {
			continue
		}
		fields = append(fields, s)
	}

	fieldLower := map[string]string{}
	for _, f := range append(append([]string{}, fields...), fieldNames...) {
		s := strings.TrimSpace(f)
		if s != "" {
			fieldLower[strings.ToLower(s)] = s
		}
	}
	queryFilters := map[string]any{}
	for _, k := range sortedFilterKeys(sp.Filters) {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		mapped := fieldLower[key]
		if mapped == "" {
			mapped = fieldLower[strings.ReplaceAll(key, " ", "_")]
		}
		if mapped != "" && strings.TrimSpace(fmt.Sprint(sp.Filters[k])) != "" {
			queryFilters[mapped] = sp.Filters[k]
		}
	}

	if dateField != "" {
		asOf, rng := dates.ExtractTimeframe(message, p.clock())
		if rng != nil {
			queryFilters[dateField] = []any{"between", []any{rng.StartString(), rng.EndString()}}
		} else if asOf != nil {
			queryFilters[dateField] = asOf.Format(dates.ISO)
		}
	}

	limit := 20
	if sp.TopN > 0 {
		limit = sp.TopN
		if limit > 200 {
			limit = 200
		}
	}
	var orderParts []string
	for _, f := range []string{dateField, "modified", "creation"} {
		if strings.TrimSpace(f) != "" {
			orderParts = append(orderParts, f+" desc")
		}
	}
	orderBy := "modified desc"
	if len(orderParts) > 0 {
		orderBy = strings.Join(orderParts, ", ")
	}

	rows, err := p.cfg.Records.LatestRecords(ctx, RecordQuery{
		Doctype: doctype,
		Filters: queryFilters,
		Fields:  fields,
		OrderBy: orderBy,
		Limit:   limit,
	})
	if err != nil {
		return nil
	}

	// Requested minimal columns that the raw row keys do not carry get
	// aliased from the natural source fields (document number, amount).
	aliasSources := map[string]string{}
	for _, col := range sp.Output.MinimalColumns {
		colNorm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(col)), " ", "_")
		if colNorm == "" {
			continue
		}
		switch {
		case isDocumentNumberColumn(colNorm):
			aliasSources[colNorm] = "name"
		case amountField != "" && (colNorm == "total_amount" || colNorm == "amount" || colNorm == "value"):
			aliasSources[colNorm] = amountField
		case amountField != "" && containsAnyToken(colNorm, "amount", "revenue", "value", "total"):
			aliasSources[colNorm] = amountField
		}
	}
	if len(aliasSources) > 0 {
		aliasNames := make([]string, 0, len(aliasSources))
		for alias := range aliasSources {
			aliasNames = append(aliasNames, alias)
		}
		sort.Strings(aliasNames)
		for _, row := range rows {
			for _, alias := range aliasNames {
				if _, exists := row[alias]; exists {
					continue
				}
				row[alias] = row[aliasSources[alias]]
			}
		}
		for _, alias := range aliasNames {
			if !containsString(fields, alias) {
				fields = append(fields, alias)
			}
		}
	}

	columns := make([]payload.Column, 0, len(fields))
	for _, fn := range fields {
		label := titleFromFieldname(fn)
		fieldtype := "Data"
		switch {
		case fn == "name":
			label = doctype + " Number"
		case fn == dateField:
			fieldtype = "Date"
		case fn == amountField:
			fieldtype = "Currency"
		case fn == "total_amount" || fn == "amount" || fn == "value":
			fieldtype = "Currency"
		case fn == "docstatus":
			fieldtype = "Int"
		}
		columns = append(columns, payload.Column{Fieldname: fn, Label: label, Fieldtype: fieldtype})
	}

	out := payload.Payload{
		Type:                payload.TypeReportTable,
		ReportName:          doctype,
		Text:                "Latest " + doctype,
		DirectLatestRecords: true,
		Table:               &payload.Table{Columns: columns, Rows: rows},
	}
	return &out
}

// directDocumentLookup serves explicit document-id asks straight from
// the record source. Returns nil when no document id is present.
func (p *Pipeline) directDocumentLookup(ctx context.Context, sp spec.BusinessSpec, message string) *payload.Payload {
	if p.cfg.Records == nil {
		return nil
	}
	docID := documentIDFromFilters(sp.Filters)
	if docID == "" {
		docID = strings.TrimSpace(docIDPattern.FindString(strings.ToUpper(message)))
	}
	if docID == "" {
		return nil
	}
	doctype := detectDocDoctype(sp, docID)
	if doctype == "" {
		return nil
	}

	doc, err := p.cfg.Records.Document(ctx, doctype, docID)
	if err != nil || doc == nil {
		out := payload.TextPayload(fmt.Sprintf("No records found for document %s.", docID))
		return &out
	}

	partyField := "supplier"
	if doctype == "Sales Invoice" {
		partyField = "customer"
	}
	partyValue := strings.TrimSpace(fmt.Sprint(valueOr(doc.Fields, partyField, "")))
	postingDate := strings.TrimSpace(fmt.Sprint(valueOr(doc.Fields, "posting_date", "")))
	grandTotal := floatOr(doc.Fields, "grand_total")
	outstanding := floatOr(doc.Fields, "outstanding_amount")

	var rows []payload.Row
	for _, it := range doc.Items {
		rows = append(rows, payload.Row{
			"invoice":            docID,
			"invoice_number":     docID,
			partyField:           partyValue,
			"posting_date":       postingDate,
			"grand_total":        grandTotal,
			"item_code":          strings.TrimSpace(fmt.Sprint(valueOr(it, "item_code", ""))),
			"qty":                floatOr(it, "qty"),
			"amount":             floatOr(it, "amount"),
			"outstanding_amount": outstanding,
		})
	}
	if len(rows) == 0 {
		rows = append(rows, payload.Row{
			"invoice":            docID,
			"invoice_number":     docID,
			partyField:           partyValue,
			"posting_date":       postingDate,
			"grand_total":        grandTotal,
			"item_code":          "",
			"qty":                0.0,
			"amount":             0.0,
			"outstanding_amount": outstanding,
		})
	}

	out := payload.Payload{
		Type:                 payload.TypeReportTable,
		ReportName:           doctype,
		Text:                 doctype + " Details",
		DirectDocumentLookup: true,
		Table: &payload.Table{
			Columns: []payload.Column{
				{Fieldname: "invoice", Label: "Invoice"},
				{Fieldname: "invoice_number", Label: "Invoice Number"},
				{Fieldname: partyField, Label: titleFromFieldname(partyField)},
				{Fieldname: "posting_date", Label: "Posting Date"},
				{Fieldname: "grand_total", Label: "Grand Total", Fieldtype: "Currency"},
				{Fieldname: "item_code", Label: "Item Code"},
				{Fieldname: "qty", Label: "Qty", Fieldtype: "Float"},
				{Fieldname: "amount", Label: "Amount", Fieldtype: "Currency"},
				{Fieldname: "outstanding_amount", Label: "Outstanding Amount", Fieldtype: "Currency"},
			},
			Rows: rows,
		},
	}
	return &out
}

// applyRequiredTimeDefaults materializes required temporal and company
// filters that natural prompts rarely spell out (start_year, fiscal
// year, default company) before a report runs.
func (p *Pipeline) applyRequiredTimeDefaults(ctx context.Context, filters map[string]any, row capability.Row, message string) map[string]any {
	required := row.Constraints.RequiredFilterNames
	if len(required) == 0 {
		return filters
	}
	out := cloneFilters(filters)
	if out == nil {
		out = map[string]any{}
	}
	defs := row.Constraints.FiltersDefinition

	now := p.clock()
	asOf, rng := dates.ExtractTimeframe(message, now)
	baseYear := now.Year()
	startYear, endYear := 0, 0
	switch {
	case rng != nil:
		startYear, endYear = rng.Start.Year(), rng.End.Year()
	case asOf != nil:
		startYear, endYear = asOf.Year(), asOf.Year()
	default:
		startYear, endYear = yearSpanFromText(message)
	}
	if startYear == 0 {
		for _, k := range []string{"from_date", "start_date", "posting_date", "report_date", "to_date", "date"} {
			if y := yearFromISODate(out[k]); y != 0 {
				startYear = y
				break
			}
		}
	}
	if endYear == 0 {
		for _, k := range []string{"to_date", "report_date", "posting_date", "from_date", "date"} {
			if y := yearFromISODate(out[k]); y != 0 {
				endYear = y
				break
			}
		}
	}
	if startYear == 0 && endYear != 0 {
		startYear = endYear
	}
	if endYear == 0 && startYear != 0 {
		endYear = startYear
	}
	if startYear == 0 {
		startYear = baseYear
	}
	if endYear == 0 {
		endYear = baseYear
	}

	startYearKey := pickRequiredFieldname(defs, required, []string{"start_year", "from_year"})
	endYearKey := pickRequiredFieldname(defs, required, []string{"end_year", "to_year"})
	yearKey := pickRequiredFieldname(defs, required, []string{"year"})
	if startYearKey != "" && emptyFilterValue(out[startYearKey]) {
		out[startYearKey] = startYear
	}
	if endYearKey != "" && emptyFilterValue(out[endYearKey]) {
		out[endYearKey] = endYear
	}
	if yearKey != "" && emptyFilterValue(out[yearKey]) {
		out[yearKey] = endYear
	}

	if p.cfg.Records != nil {
		fyKey := pickRequiredFieldname(defs, required, []string{"fiscal_year"})
		fromFYKey := pickRequiredFieldname(defs, required, []string{"from_fiscal_year", "fiscal_year_from"})
		toFYKey := pickRequiredFieldname(defs, required, []string{"to_fiscal_year", "fiscal_year_to"})
		if fyKey != "" || fromFYKey != "" || toFYKey != "" {
			if fy := strings.TrimSpace(p.cfg.Records.FiscalYearName(ctx, now)); fy != "" {
				for _, key := range []string{fyKey, fromFYKey, toFYKey} {
					if key != "" && emptyFilterValue(out[key]) {
						out[key] = fy
					}
				}
			}
		}

		companyKey := pickRequiredFieldname(defs, required, []string{"company", "company_name"})
		if companyKey != "" && emptyFilterValue(out[companyKey]) {
			if company := strings.TrimSpace(p.cfg.Records.DefaultCompany(ctx)); company != "" {
				out[companyKey] = company
			}
		}
	}

	return out
}

// pickRequiredFieldname maps an alias list to the fieldname a report
// actually declares, preferring the filter definition over the bare
// required-name list.
func pickRequiredFieldname(defs []capability.FilterDef, required []string, aliases []string) string {
	byName := map[string]string{}
	for _, fd := range defs {
		fn := strings.TrimSpace(fd.Fieldname)
		if fn != "" {
			byName[strings.ToLower(fn)] = fn
		}
	}
	reqSet := map[string]struct{}{}
	for _, r := range required {
		if s := strings.ToLower(strings.TrimSpace(r)); s != "" {
			reqSet[s] = struct{}{}
		}
	}
	for _, a := range aliases {
		al := strings.ToLower(strings.TrimSpace(a))
		if al == "" {
			continue
		}
		if fn, ok := byName[al]; ok {
			return fn
		}
		if _, ok := reqSet[al]; ok {
			return strings.TrimSpace(a)
		}
	}
	for _, rn := range required {
		rnl := strings.ToLower(strings.TrimSpace(rn))
		if rnl == "" {
			continue
		}
		for _, a := range aliases {
			if strings.Contains(rnl, strings.ToLower(a)) {
				return strings.TrimSpace(rn)
			}
		}
	}
	return ""
}

func documentIDFromFilters(filters map[string]any) string {
	for _, k := range sortedFilterKeys(filters) {
		s := strings.TrimSpace(fmt.Sprint(filters[k]))
		if s == "" {
			continue
		}
		if m := docIDPattern.FindString(strings.ToUpper(s)); m != "" {
			return m
		}
	}
	return ""
}

func detectDocDoctype(sp spec.BusinessSpec, docID string) string {
	did := strings.ToUpper(strings.TrimSpace(docID))
	keys := map[string]bool{}
	for k := range sp.Filters {
		keys[strings.ToLower(strings.TrimSpace(k))] = true
	}
	if keys["sales_invoice"] || keys["invoice"] || strings.Contains(did, "SINV") {
		return "Sales Invoice"
	}
	if keys["purchase_invoice"] || keys["bill"] || strings.Contains(did, "PINV") {
		return "Purchase Invoice"
	}
	return ""
}

var bareYearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// yearSpanFromText picks explicit calendar years out of free text.
// One year anchors both ends; two or more span first to last.
func yearSpanFromText(text string) (int, int) {
	matches := bareYearPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return 0, 0
	}
	first, _ := strconv.Atoi(matches[0])
	last, _ := strconv.Atoi(matches[len(matches)-1])
	if last < first {
		first, last = last, first
	}
	return first, last
}

var isoDateYear = regexp.MustCompile(`^(\d{4})-\d{2}-\d{2}$`)

func yearFromISODate(v any) int {
	s := strings.TrimSpace(fmt.Sprint(v))
	if v == nil || s == "" {
		return 0
	}
	m := isoDateYear.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	year, _ := strconv.Atoi(m[1])
	return year
}

func emptyFilterValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func pickExistingField(fieldNames []string, candidates []string) string {
	lowered := map[string]string{}
	for _, f := range fieldNames {
		s := strings.TrimSpace(f)
		if s != "" {
			lowered[strings.ToLower(s)] = s
		}
	}
	for _, cand := range candidates {
		if fn, ok := lowered[strings.ToLower(strings.TrimSpace(cand))]; ok {
			return fn
		}
	}
	return ""
}

func isDocumentNumberColumn(colNorm string) bool {
	switch colNorm {
	case "invoice_number", "voucher_number", "document_number", "record_number":
		return true
	}
	return strings.Contains(colNorm, "number") || strings.HasSuffix(colNorm, "_id")
}

func containsAnyToken(s string, tokens ...string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func sortedFilterKeys(filters map[string]any) []string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func titleFromFieldname(fn string) string {
	words := strings.Fields(strings.ReplaceAll(strings.TrimSpace(fn), "_", " "))
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func valueOr(m map[string]any, key string, def any) any {
	if m == nil {
		return def
	}
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return def
}

func floatOr(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
