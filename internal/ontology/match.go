package ontology

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

var (
	foldCaser    = cases.Fold()
	wordPattern  = regexp.MustCompile(`[a-z0-9]+`)
	writeIDRules = []*regexp.Regexp{
		regexp.MustCompile(`\b[A-Za-z]{2,}-[A-Za-z0-9-]{3,}\b`),
		regexp.MustCompile(`\b[a-z0-9]{8,20}\b`),
		regexp.MustCompile(`\b[A-Za-z0-9]{6,}\b`),
	}
)

// norm lowercases with Unicode case folding and trims whitespace.
func norm(value string) string {
	return strings.TrimSpace(foldCaser.String(value))
}

// semanticTokens splits text into lowercase word tokens and appends
// singular variants for plural forms (companies -> company, boxes ->
// box, items -> item). Order is preserved; duplicates are dropped.
func semanticTokens(value string) []string {
	txt := norm(value)
	if txt == "" {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	add := func(tok string) {
		if tok == "" {
			return
		}
		if _, dup := seen[tok]; dup {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	for _, token := range wordPattern.FindAllString(txt, -1) {
		add(token)
		if len(token) >= 4 && strings.HasSuffix(token, "ies") {
			add(token[:len(token)-3] + "y")
		}
		if len(token) >= 4 && strings.HasSuffix(token, "es") {
			add(token[:len(token)-2])
		}
		if len(token) >= 4 && strings.HasSuffix(token, "s") {
			add(token[:len(token)-1])
		}
	}
	return out
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '_'
}

// containsPhrase reports whether phrase occurs in text on word
// boundaries (no [a-z0-9_] character adjacent on either side).
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(text[start:], phrase)
		if idx < 0 {
			return false
		}
		at := start + idx
		end := at + len(phrase)
		leftOK := at == 0 || !isWordByte(text[at-1])
		rightOK := end == len(text) || !isWordByte(text[end])
		if leftOK && rightOK {
			return true
		}
		start = at + 1
	}
}

// containsAny reports whether text matches any alias. Single-word
// aliases match against the semantic token set (so plurals match);
// multi-word aliases match as boundary-checked substrings.
func containsAny(text string, aliases []string) bool {
	t := norm(text)
	if t == "" {
		return false
	}
	tokenSet := make(map[string]struct{})
	for _, tok := range semanticTokens(t) {
		tokenSet[tok] = struct{}{}
	}
	for _, alias := range aliases {
		a := norm(alias)
		if a == "" {
			continue
		}
		if !strings.Contains(a, " ") {
			aliasTokens := semanticTokens(a)
			switch {
			case len(aliasTokens) == 1:
				if _, ok := tokenSet[aliasTokens[0]]; ok {
					return true
				}
			case len(aliasTokens) > 1:
				all := true
				for _, tok := range aliasTokens {
					if _, ok := tokenSet[tok]; !ok {
						all = false
						break
					}
				}
				if all {
					return true
				}
			}
		}
		if containsPhrase(t, a) {
			return true
		}
	}
	return false
}

// firstMatch resolves text to the first canonical code (in sorted key
// order) whose aliases match. Empty string when nothing matches.
func firstMatch(m AliasMap, text string) string {
	for _, canonical := range sortedKeys(m) {
		if containsAny(text, m[canonical]) {
			return canonical
		}
	}
	return ""
}

// CanonicalMetric resolves free text to a canonical metric code, or
// to a snake_case echo of the input when unknown.
func (c *Catalog) CanonicalMetric(value string) string {
	txt := norm(value)
	if txt == "" {
		return ""
	}
	if code := firstMatch(c.MetricAliases, txt); code != "" {
		return code
	}
	return strings.ReplaceAll(txt, " ", "_")
}

// CanonicalDomain resolves free text to a canonical domain code, or a
// snake_case echo when unknown.
func (c *Catalog) CanonicalDomain(value string) string {
	txt := norm(value)
	if txt == "" {
		return ""
	}
	if code := firstMatch(c.DomainAliases, txt); code != "" {
		return code
	}
	return strings.ReplaceAll(txt, " ", "_")
}

// CanonicalDimension resolves free text to a canonical dimension code,
// or a snake_case echo when unknown.
func (c *Catalog) CanonicalDimension(value string) string {
	txt := norm(value)
	if txt == "" {
		return ""
	}
	for _, canonical := range sortedKeys(c.DimensionAliases) {
		if txt == canonical || strings.ReplaceAll(txt, " ", "_") == canonical {
			return canonical
		}
		if containsAny(txt, c.DimensionAliases[canonical]) {
			return canonical
		}
	}
	return strings.ReplaceAll(txt, " ", "_")
}

// KnownMetric returns the canonical metric code only when the input
// resolves to a metric the catalog knows; otherwise empty.
func (c *Catalog) KnownMetric(value string) string {
	code := c.CanonicalMetric(value)
	if _, ok := c.MetricAliases[code]; ok {
		return code
	}
	return ""
}

// KnownDimension returns the canonical dimension code only when the
// input resolves to a dimension the catalog knows; otherwise empty.
func (c *Catalog) KnownDimension(value string) string {
	code := c.CanonicalDimension(value)
	if _, ok := c.DimensionAliases[code]; ok {
		return code
	}
	return ""
}

// MetricDomain returns the owning domain for a metric, or empty.
func (c *Catalog) MetricDomain(metric string) string {
	return c.MetricDomainMap[c.CanonicalMetric(metric)]
}

// MetricColumnAliasesFor returns the column-name phrases a metric may
// surface as in report output, space-separated and deduped. Column
// aliases come first, then the metric's own aliases.
func (c *Catalog) MetricColumnAliasesFor(metric string) []string {
	code := c.CanonicalMetric(metric)
	var out []string
	seen := make(map[string]struct{})
	for _, source := range [][]string{c.MetricColumnAliases[code], c.MetricAliases[code]} {
		for _, v := range source {
			normalized := strings.ReplaceAll(norm(v), "_", " ")
			if normalized == "" {
				continue
			}
			if _, dup := seen[normalized]; dup {
				continue
			}
			seen[normalized] = struct{}{}
			out = append(out, normalized)
		}
	}
	return out
}

// SemanticAliases expands a term into all surface phrases it may
// appear as, including its own underscore-flattened form and any
// metric or dimension aliases it resolves to. Sorted for determinism.
func (c *Catalog) SemanticAliases(value string, excludeGenericMetricTerms bool) []string {
	txt := norm(value)
	if txt == "" {
		return nil
	}
	set := map[string]struct{}{strings.ReplaceAll(txt, "_", " "): {}}
	if metric := c.KnownMetric(txt); metric != "" {
		set[strings.ReplaceAll(metric, "_", " ")] = struct{}{}
		for _, a := range c.MetricAliases[metric] {
			if n := strings.ReplaceAll(norm(a), "_", " "); n != "" {
				set[n] = struct{}{}
			}
		}
	}
	if dim := c.KnownDimension(txt); dim != "" {
		set[strings.ReplaceAll(dim, "_", " ")] = struct{}{}
		for _, a := range c.DimensionAliases[dim] {
			if n := strings.ReplaceAll(norm(a), "_", " "); n != "" {
				set[n] = struct{}{}
			}
		}
	}
	if excludeGenericMetricTerms {
		for _, blocked := range c.GenericMetricTerms {
			delete(set, blocked)
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// InferFilterKinds returns the canonical filter kinds mentioned by a
// filter key or phrase. The generic "year" kind is dropped when a more
// specific year kind is also present.
func (c *Catalog) InferFilterKinds(text string) []string {
	source := norm(text)
	if source == "" {
		return nil
	}
	set := make(map[string]struct{})
	for _, kind := range sortedKeys(c.FilterKindAliases) {
		if containsAny(source, c.FilterKindAliases[kind]) {
			set[kind] = struct{}{}
		}
	}
	if _, hasYear := set["year"]; hasYear {
		for _, specific := range []string{"start_year", "end_year", "fiscal_year"} {
			if _, ok := set[specific]; ok {
				delete(set, "year")
				break
			}
		}
	}
	out := make([]string, 0, len(set))
	for kind := range set {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// InferPrimaryDimension guesses a report's primary grouping dimension
// from its name. Empty when no primary-dimension alias matches.
func (c *Catalog) InferPrimaryDimension(reportName string) string {
	return firstMatch(c.PrimaryDimensionAliases, reportName)
}

// InferTransformAmbiguities extracts transform hint tags (sort order,
// scale, projection, aggregation) from a user message. Sorted.
func (c *Catalog) InferTransformAmbiguities(message string) []string {
	txt := norm(message)
	if txt == "" {
		return nil
	}
	var out []string
	for _, code := range sortedKeys(c.TransformAmbiguityAliases) {
		if containsAny(txt, c.TransformAmbiguityAliases[code]) {
			out = append(out, code)
		}
	}
	return out
}

// InferReferenceValue resolves anaphoric phrases like "the same one"
// to a reference code ("same"), or empty.
func (c *Catalog) InferReferenceValue(value string) string {
	return firstMatch(c.ReferenceValueAliases, value)
}

// OutputFlags are presentation hints extracted from a message.
type OutputFlags struct {
	IncludeDownload bool `json:"include_download"`
}

// InferOutputFlags extracts presentation hints from a message.
func (c *Catalog) InferOutputFlags(message string) OutputFlags {
	txt := norm(message)
	if txt == "" {
		return OutputFlags{}
	}
	return OutputFlags{IncludeDownload: containsAny(txt, c.ExportAliases["include_download"])}
}

// StopToken reports whether tok is a record-query stop token.
func (c *Catalog) StopToken(tok string) bool {
	tok = norm(tok)
	for _, s := range c.RecordQueryStopTokens {
		if s == tok {
			return true
		}
	}
	return false
}

// GenericMetricTerm reports whether a phrase is a generic metric word
// ("amount", "value", "total") that carries no metric identity alone.
func (c *Catalog) GenericMetricTerm(term string) bool {
	term = norm(term)
	for _, t := range c.GenericMetricTerms {
		if t == term {
			return true
		}
	}
	return false
}

// WriteRequest is a deterministic write-intent reading of a message.
type WriteRequest struct {
	Intent     string  `json:"intent"`
	Operation  string  `json:"operation"`
	Doctype    string  `json:"doctype"`
	DocumentID string  `json:"document_id"`
	Confidence float64 `json:"confidence"`
}

// InferWriteRequest detects write verbs and targets in a message. A
// bare short "confirm"/"cancel" maps to WRITE_CONFIRM; a verb plus a
// known doctype maps to WRITE_DRAFT. Everything else is empty.
func (c *Catalog) InferWriteRequest(message string) WriteRequest {
	txt := norm(message)
	if txt == "" {
		return WriteRequest{}
	}

	var op string
	for _, operation := range sortedKeys(c.WriteOperationAliases) {
		if containsAny(txt, c.WriteOperationAliases[operation]) {
			op = operation
			break
		}
	}

	doctype := ""
	for _, dt := range sortedKeysStable(c.WriteDoctypeAliases) {
		if containsAny(txt, c.WriteDoctypeAliases[dt]) {
			doctype = dt
			break
		}
	}

	docID := ""
	if op == "delete" || op == "update" {
		skip := map[string]struct{}{"delete": {}, "update": {}, "remove": {}, "todo": {}}
		for _, rx := range writeIDRules {
			if m := rx.FindString(message); m != "" {
				if _, blocked := skip[strings.ToLower(m)]; !blocked {
					docID = m
					break
				}
			}
		}
	}

	wordCount := len(wordPattern.FindAllString(txt, -1))
	if (op == "confirm" || op == "cancel") && wordCount <= 3 {
		return WriteRequest{Intent: "WRITE_CONFIRM", Operation: op, Doctype: doctype, DocumentID: docID, Confidence: 0.9}
	}
	if (op == "create" || op == "update" || op == "delete") && doctype != "" {
		return WriteRequest{Intent: "WRITE_DRAFT", Operation: op, Doctype: doctype, DocumentID: docID, Confidence: 0.8}
	}
	return WriteRequest{}
}

// sortedKeysStable is sortedKeys for maps whose keys are not lowercase
// codes (doctype names keep their case).
func sortedKeysStable(m AliasMap) []string {
	return sortedKeys(m)
}

// InferMetricHints lists the metrics a report likely serves, from its
// name, family, and supported filter surface.
func (c *Catalog) InferMetricHints(reportName, reportFamily string, filterNames, filterKinds []string) []string {
	parts := []string{norm(reportName), norm(reportFamily)}
	for _, x := range filterNames {
		if n := norm(x); n != "" {
			parts = append(parts, n)
		}
	}
	for _, x := range filterKinds {
		if n := norm(x); n != "" {
			parts = append(parts, n)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return nil
	}

	set := make(map[string]struct{})
	for _, canonical := range sortedKeys(c.MetricAliases) {
		if containsAny(text, c.MetricAliases[canonical]) {
			set[canonical] = struct{}{}
		}
	}

	family := norm(reportFamily)
	report := norm(reportName)
	if (strings.Contains(family, "selling") || strings.Contains(family, "sales")) &&
		(strings.Contains(text, "item") || strings.Contains(text, "customer")) {
		set["revenue"] = struct{}{}
		set["sold_quantity"] = struct{}{}
	}
	if strings.Contains(report, "sales register") {
		set["revenue"] = struct{}{}
		set["sold_quantity"] = struct{}{}
	}
	if (strings.Contains(family, "buying") || strings.Contains(family, "purchase")) &&
		(strings.Contains(text, "item") || strings.Contains(text, "supplier")) {
		set["received_quantity"] = struct{}{}
	}
	if strings.Contains(text, "projected qty") || strings.Contains(text, "projected quantity") || strings.Contains(text, "projected_qty") {
		set["projected_quantity"] = struct{}{}
	}
	if (strings.Contains(family, "stock") || strings.Contains(family, "inventory")) && strings.Contains(text, "balance") {
		set["stock_balance"] = struct{}{}
	}
	if (strings.Contains(family, "accounts") || strings.Contains(family, "finance")) &&
		(strings.Contains(text, "outstanding") || strings.Contains(text, "ledger")) {
		set["outstanding_amount"] = struct{}{}
	}
	if strings.Contains(text, "material request") || strings.Contains(text, "production") {
		set["open_requests"] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// InferDomainHints lists likely domains for a report from its name,
// family, and canonical filter kinds. Never empty: falls back to
// filter-kind heuristics and finally cross_functional.
func (c *Catalog) InferDomainHints(reportName, reportFamily string, filterKinds []string) []string {
	source := strings.TrimSpace(norm(reportName) + " " + norm(reportFamily))
	kinds := make(map[string]struct{}, len(filterKinds))
	for _, k := range filterKinds {
		kinds[norm(k)] = struct{}{}
	}

	set := make(map[string]struct{})
	for _, domain := range sortedKeys(c.DomainAliases) {
		if containsAny(source, c.DomainAliases[domain]) {
			set[domain] = struct{}{}
		}
	}
	if len(set) == 0 {
		if _, ok := kinds["warehouse"]; ok {
			set["inventory"] = struct{}{}
		}
		if _, ok := kinds["supplier"]; ok {
			set["purchasing"] = struct{}{}
		}
		if _, ok := kinds["customer"]; ok {
			set["sales"] = struct{}{}
		}
		if _, ok := kinds["company"]; ok && len(set) == 0 {
			set["finance"] = struct{}{}
		}
	}
	if len(set) == 0 {
		set["cross_functional"] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// InferRecordDoctypeCandidates scores candidate record types for a
// latest-records listing against the query terms. Exact name mentions
// win outright; otherwise token-overlap scoring with a small domain
// nudge, returning every candidate within threshold of the top score.
func (c *Catalog) InferRecordDoctypeCandidates(queryParts, candidateDoctypes []string, domain string) []string {
	var doctypes []string
	for _, d := range candidateDoctypes {
		if d = strings.TrimSpace(d); d != "" {
			doctypes = append(doctypes, d)
		}
	}
	if len(doctypes) == 0 {
		return nil
	}
	var parts []string
	for _, q := range queryParts {
		if n := norm(q); n != "" {
			parts = append(parts, n)
		}
	}
	queryText := strings.TrimSpace(strings.Join(parts, " "))
	if queryText == "" {
		return nil
	}

	var exact []string
	for _, dt := range doctypes {
		if n := norm(dt); n != "" && strings.Contains(queryText, n) {
			exact = append(exact, dt)
		}
	}
	if len(exact) > 0 {
		return dedupeSorted(exact)
	}

	var qTokens []string
	for _, tok := range semanticTokens(queryText) {
		if c.StopToken(tok) || isAllDigits(tok) {
			continue
		}
		qTokens = append(qTokens, tok)
	}
	if len(qTokens) == 0 {
		return nil
	}

	genericSet := make(map[string]struct{}, len(c.GenericRecordEntityTokens))
	for _, t := range c.GenericRecordEntityTokens {
		genericSet[t] = struct{}{}
	}
	uniq := make(map[string]struct{}, len(qTokens))
	for _, t := range qTokens {
		uniq[t] = struct{}{}
	}
	_, firstGeneric := genericSet[qTokens[0]]
	singleGenericEntity := len(uniq) == 1 && firstGeneric
	domainCode := norm(c.CanonicalDomain(domain))

	type scored struct {
		doctype string
		score   float64
	}
	var ranked []scored
	for _, dt := range doctypes {
		dtTokens := make(map[string]struct{})
		for _, t := range semanticTokens(dt) {
			dtTokens[t] = struct{}{}
		}
		if len(dtTokens) == 0 {
			continue
		}
		overlap := make(map[string]struct{})
		for _, t := range qTokens {
			if _, ok := dtTokens[t]; ok {
				overlap[t] = struct{}{}
			}
		}
		if len(overlap) == 0 {
			continue
		}
		score := float64(len(overlap)) * 3.0
		if !singleGenericEntity && domainCode != "" && domainCode != "unknown" && domainCode != "cross_functional" {
			has := func(tok string) bool { _, ok := dtTokens[tok]; return ok }
			if domainCode == "sales" && (has("sale") || has("sales")) {
				score += 2.0
			}
			if domainCode == "purchasing" && (has("purchase") || has("supplier")) {
				score += 2.0
			}
			if domainCode == "inventory" && (has("stock") || has("inventory")) {
				score += 2.0
			}
		}
		ranked = append(ranked, scored{doctype: dt, score: score})
	}
	if len(ranked) == 0 {
		return nil
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].doctype > ranked[j].doctype
	})
	slack := 0.5
	if singleGenericEntity {
		slack = 3.0
	}
	threshold := ranked[0].score - slack
	if threshold < 1.0 {
		threshold = 1.0
	}
	var winners []string
	for _, r := range ranked {
		if r.score >= threshold {
			winners = append(winners, r.doctype)
		}
	}
	return dedupeSorted(winners)
}

func dedupeSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
