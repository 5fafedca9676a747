package spec

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/roach88/tally/internal/contract"
	"github.com/roach88/tally/internal/ontology"
)

// Schema error tags appended by Normalize. Tags, not errors: a turn
// with schema errors still produces a usable default-backed spec.
const (
	ErrSpecNotObject         = "spec_not_object"
	ErrIntentInvalid         = "intent_invalid"
	ErrTaskTypeInvalid       = "task_type_invalid"
	ErrTaskClassInvalid      = "task_class_invalid"
	ErrAggregationInvalid    = "aggregation_invalid"
	ErrDomainInvalid         = "domain_invalid"
	ErrTimeScopeNotObject    = "time_scope_not_object"
	ErrTimeScopeModeInvalid  = "time_scope_mode_invalid"
	ErrFiltersNotObject      = "filters_not_object"
	ErrTopNNotInt            = "top_n_not_int"
	ErrOutputContractInvalid = "output_contract_not_object"
	ErrOutputModeInvalid     = "output_mode_invalid"
	ErrConfidenceNotNumber   = "confidence_not_number"
)

const defaultClarificationQuestion = "Could you clarify the missing business detail (for example company, warehouse, date, or target field)?"

var intentAliases = map[string]string{
	"TRANSFORM": IntentTransformLast,
	"WRITE":     IntentWriteDraft,
}

// Normalizer validates raw request objects against the active
// contracts and ontology.
type Normalizer struct {
	contracts *contract.Registry
	ontology  *ontology.Catalog
}

// NewNormalizer builds a normalizer over the given contracts and
// vocabulary.
func NewNormalizer(reg *contract.Registry, cat *ontology.Catalog) *Normalizer {
	return &Normalizer{contracts: reg, ontology: cat}
}

// Normalize converts a raw planner object into a BusinessSpec plus
// named schema errors. It never fails; every invalid field falls back
// to its default.
func (n *Normalizer) Normalize(raw any) (BusinessSpec, []string) {
	out := Defaults()
	var errs []string

	obj, ok := toObject(raw)
	if !ok {
		return out, []string{ErrSpecNotObject}
	}

	intent := strings.ToUpper(strings.TrimSpace(asString(obj["intent"])))
	if canonical, aliased := intentAliases[intent]; aliased {
		intent = canonical
	}
	if _, allowed := n.contracts.AllowedSpecValues("intents")[strings.ToLower(intent)]; allowed {
		out.Intent = intent
	} else {
		errs = append(errs, ErrIntentInvalid)
	}

	taskType := strings.ToLower(strings.TrimSpace(asString(obj["task_type"])))
	if _, allowed := n.contracts.AllowedSpecValues("task_types")[taskType]; allowed {
		out.TaskType = taskType
	} else if taskType != "" {
		errs = append(errs, ErrTaskTypeInvalid)
	}

	rawTaskClass := strings.ToLower(strings.TrimSpace(asString(obj["task_class"])))
	if _, allowed := n.contracts.AllowedSpecValues("task_classes")[rawTaskClass]; allowed {
		out.TaskClass = rawTaskClass
	} else if rawTaskClass != "" {
		errs = append(errs, ErrTaskClassInvalid)
	}

	aggregation := strings.ToLower(strings.TrimSpace(asString(obj["aggregation"])))
	if _, allowed := n.contracts.AllowedSpecValues("aggregations")[aggregation]; allowed {
		out.Aggregation = aggregation
	} else if aggregation != "" {
		errs = append(errs, ErrAggregationInvalid)
	}

	out.Subject = strings.TrimSpace(asString(obj["subject"]))
	out.Metric = strings.TrimSpace(asString(obj["metric"]))
	out.GroupBy = cleanStringList(obj["group_by"], 10)
	out.Ambiguities = cleanStringList(obj["ambiguities"], 10)

	canonicalDims := n.contracts.CanonicalDimensionSet()
	var dims []string
	seenDims := make(map[string]struct{})
	for _, d := range cleanStringList(obj["dimensions"], 12) {
		cd := canonicalDimension(d, canonicalDims)
		if cd == "" {
			continue
		}
		if _, dup := seenDims[cd]; dup {
			continue
		}
		seenDims[cd] = struct{}{}
		dims = append(dims, cd)
	}
	out.Dimensions = dims

	domain := strings.ToLower(strings.TrimSpace(asString(obj["domain"])))
	if _, allowed := n.contracts.AllowedSpecValues("domains")[domain]; allowed {
		out.Domain = domain
	} else if domain != "" {
		errs = append(errs, ErrDomainInvalid)
	}

	if tsRaw, present := obj["time_scope"]; present && tsRaw != nil {
		ts, isObj := toObject(tsRaw)
		if !isObj {
			errs = append(errs, ErrTimeScopeNotObject)
		} else {
			mode := strings.ToLower(strings.TrimSpace(asString(ts["mode"])))
			value := strings.TrimSpace(asString(ts["value"]))
			if _, allowed := n.contracts.AllowedSpecValues("time_modes")[mode]; allowed {
				out.TimeScope = TimeScope{Mode: mode, Value: value}
			} else if mode != "" {
				errs = append(errs, ErrTimeScopeModeInvalid)
			}
		}
	}

	if fRaw, present := obj["filters"]; present && fRaw != nil {
		if filters, isObj := toObject(fRaw); isObj {
			out.Filters = make(map[string]any, len(filters))
			for k, v := range filters {
				out.Filters[k] = v
			}
		} else if s, isStr := fRaw.(string); !isStr || strings.TrimSpace(s) != "" {
			errs = append(errs, ErrFiltersNotObject)
		}
	}

	topN, topNErr := asInt(obj["top_n"])
	if topNErr {
		errs = append(errs, ErrTopNNotInt)
	}
	out.TopN = clampInt(topN, 0, 200)

	if ocRaw, present := obj["output_contract"]; present && ocRaw != nil {
		oc, isObj := toObject(ocRaw)
		if !isObj {
			errs = append(errs, ErrOutputContractInvalid)
		} else {
			mode := strings.ToLower(strings.TrimSpace(asString(oc["mode"])))
			if _, allowed := n.contracts.AllowedSpecValues("output_modes")[mode]; allowed {
				out.Output.Mode = mode
			} else if mode != "" {
				errs = append(errs, ErrOutputModeInvalid)
			}
			out.Output.MinimalColumns = cleanStringList(oc["minimal_columns"], 12)
			out.Output.IncludeDownload = asBool(oc["include_download"])
		}
	}

	out.NeedsClarification = asBool(obj["needs_clarification"])
	out.ClarificationQuestion = truncate(strings.TrimSpace(asString(obj["clarification_question"])), 280)

	confidence, confErr := asFloat(obj["confidence"])
	if confErr {
		errs = append(errs, ErrConfidenceNotNumber)
	}
	out.Confidence = clampFloat(confidence, 0, 1)

	if out.NeedsClarification && out.ClarificationQuestion == "" {
		out.ClarificationQuestion = defaultClarificationQuestion
	}

	n.applyConsistencyRules(&out)
	n.inferTaskClass(&out)

	if out.Confidence <= 0 {
		if len(errs) == 0 {
			out.Confidence = 0.7
		} else {
			out.Confidence = 0.4
		}
	}
	return out, errs
}

// applyConsistencyRules repairs cross-field shape, in a fixed order.
func (n *Normalizer) applyConsistencyRules(out *BusinessSpec) {
	if out.Output.Mode == "top_n" && out.TopN <= 0 {
		out.TopN = 5
	}
	if out.TopN > 0 && out.Output.Mode == "detail" {
		out.Output.Mode = "top_n"
	}
	if out.Output.Mode == "kpi" && out.Aggregation == "none" {
		out.Aggregation = "sum"
	}

	if len(out.Dimensions) == 0 {
		canonicalDims := n.contracts.CanonicalDimensionSet()
		seen := make(map[string]struct{})
		var inferred []string
		for _, rawDim := range append(append([]string{}, out.GroupBy...), out.Output.MinimalColumns...) {
			cd := canonicalDimension(rawDim, canonicalDims)
			if cd == "" {
				continue
			}
			if _, dup := seen[cd]; dup {
				continue
			}
			seen[cd] = struct{}{}
			inferred = append(inferred, cd)
		}
		if len(inferred) > 12 {
			inferred = inferred[:12]
		}
		out.Dimensions = inferred
	}

	if out.Domain == "unknown" {
		for _, dim := range []string{"customer", "supplier", "warehouse", "company"} {
			if containsFold(out.Dimensions, dim) {
				if d := n.contracts.DomainFromDimension(dim); d != "" {
					out.Domain = d
				}
				break
			}
		}
	}
}

// inferTaskClass classifies the request shape, but only when the
// explicit task class is still the system default.
func (n *Normalizer) inferTaskClass(out *BusinessSpec) {
	if out.TaskClass != ClassAnalyticalRead {
		return
	}
	switch {
	case out.Intent == IntentTransformLast:
		out.TaskClass = ClassTransformFollowup
	case out.TopN > 0 && out.Aggregation == "none" &&
		n.ontology.KnownMetric(out.Metric) == "" && n.ontology.KnownMetric(out.Subject) == "":
		out.TaskClass = ClassListLatestRecords
	case out.TopN > 0 && out.Output.Mode == "top_n" && len(out.GroupBy) == 0:
		out.TaskClass = ClassListLatestRecords
	case out.TaskType == "detail" && out.Output.Mode == "detail" &&
		(len(out.GroupBy) > 0 || len(out.Dimensions) > 0 || len(out.Output.MinimalColumns) > 0):
		out.TaskClass = ClassDetailProjection
	}
}

func canonicalDimension(raw string, allowed map[string]struct{}) string {
	s := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), " ", "_")
	if _, ok := allowed[s]; ok {
		return s
	}
	return ""
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}

func toObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case BusinessSpec:
		// Callers re-normalizing an already-typed spec round-trip it
		// through JSON to reuse the same path.
		data, err := json.Marshal(m)
		if err != nil {
			return nil, false
		}
		var obj map[string]any
		if json.Unmarshal(data, &obj) != nil {
			return nil, false
		}
		return obj, true
	default:
		return nil, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// asInt converts a raw value to int. The second return is true when a
// present, non-zero value could not be converted.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case int:
		return n, false
	case int64:
		return int(n), false
	case float64:
		return int(n), false
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, true
		}
		return int(i), false
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return 0, true
		}
		return i, false
	default:
		return 0, true
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		return n, false
	case int:
		return float64(n), false
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, true
		}
		return f, false
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, true
		}
		return f, false
	default:
		return 0, true
	}
}

func cleanStringList(v any, limit int) []string {
	raw, ok := v.([]any)
	if !ok {
		if typed, isTyped := v.([]string); isTyped {
			raw = make([]any, len(typed))
			for i, s := range typed {
				raw[i] = s
			}
		} else {
			return []string{}
		}
	}
	if len(raw) > limit {
		raw = raw[:limit]
	}
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{})
	for _, item := range raw {
		s := strings.TrimSpace(asString(item))
		if s == "" {
			continue
		}
		lower := strings.ToLower(s)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, s)
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
