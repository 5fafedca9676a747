// Package entity verifies entity-like filter values (warehouse,
// customer, supplier, item, company, territory) against master data
// before execution, normalizing matches to canonical names and raising
// a single blocking clarification for the first ambiguous or unmatched
// value.
package entity

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/tally/internal/payload"
)

// Match statuses.
const (
	StatusSkip       = "skip"
	StatusUnverified = "unverified"
	StatusMatched    = "matched"
	StatusAmbiguous  = "ambiguous"
	StatusNoMatch    = "no_match"
)

// maxOptions caps how many candidate names an ambiguity question
// offers.
const maxOptions = 8

// Candidate is one master-data row: canonical name plus the alias
// strings a user may have typed.
type Candidate struct {
	Name    string
	Aliases []string
}

// Provider supplies the master-data candidate list for an entity kind.
// Implementations may hit a database; the resolver treats an empty
// list as "no deterministic master list available" and passes values
// through unverified.
type Provider interface {
	Candidates(ctx context.Context, kind string) ([]Candidate, error)
}

// KindConfig describes one verifiable entity kind.
type KindConfig struct {
	Label        string
	Doctype      string
	SearchFields []string
}

// DefaultKinds returns the built-in verifiable kinds.
func DefaultKinds() map[string]KindConfig {
	return map[string]KindConfig{
		"warehouse": {Label: "warehouse", Doctype: "Warehouse", SearchFields: []string{"name", "warehouse_name"}},
		"customer":  {Label: "customer", Doctype: "Customer", SearchFields: []string{"name", "customer_name"}},
		"supplier":  {Label: "supplier", Doctype: "Supplier", SearchFields: []string{"name", "supplier_name"}},
		"item":      {Label: "item", Doctype: "Item", SearchFields: []string{"name", "item_name"}},
		"company":   {Label: "company", Doctype: "Company", SearchFields: []string{"name"}},
		"territory": {Label: "territory", Doctype: "Territory", SearchFields: []string{"name", "territory_name"}},
	}
}

// Clarification is the blocking question raised for the first
// unresolvable filter value.
type Clarification struct {
	Reason    string   `json:"reason"`
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	FilterKey string   `json:"filter_key"`
	RawValue  string   `json:"raw_value"`
}

// Resolution is the outcome of resolving a filter map.
type Resolution struct {
	// Filters are the (possibly partially) normalized filters. On a
	// blocking clarification, keys processed before the blocker are
	// normalized and later keys are absent.
	Filters map[string]any `json:"filters"`

	// Clarification is nil when every value resolved.
	Clarification *Clarification `json:"clarification,omitempty"`
}

// Resolver verifies filters against a Provider.
type Resolver struct {
	provider Provider
	kinds    map[string]KindConfig
}

// NewResolver builds a resolver over the given provider and the
// default kind set.
func NewResolver(p Provider) *Resolver {
	return &Resolver{provider: p, kinds: DefaultKinds()}
}

var filterKeyTokens = regexp.MustCompile(`[a-z0-9_]+`)

// inferKind maps a filter key to a verifiable entity kind, or empty.
func (r *Resolver) inferKind(filterKey string) string {
	k := strings.ToLower(strings.TrimSpace(filterKey))
	if k == "" {
		return ""
	}
	tokens := make(map[string]struct{})
	for _, t := range filterKeyTokens.FindAllString(k, -1) {
		tokens[t] = struct{}{}
	}
	var kinds []string
	for kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		if _, ok := tokens[kind]; ok {
			return kind
		}
		if strings.Contains(k, kind) {
			return kind
		}
	}
	return ""
}

type match struct {
	status  string
	value   string
	options []string
}

// matchValue classifies one raw value against the kind's master list.
// Document-id shaped values skip verification entirely.
func (r *Resolver) matchValue(ctx context.Context, kind, raw string) (match, error) {
	raw = strings.TrimSpace(raw)
	if kind == "" || raw == "" || payload.DocIDPattern.MatchString(raw) {
		return match{status: StatusSkip, value: raw}, nil
	}

	candidates, err := r.provider.Candidates(ctx, kind)
	if err != nil {
		return match{}, fmt.Errorf("list %s candidates: %w", kind, err)
	}
	if len(candidates) == 0 {
		return match{status: StatusUnverified, value: raw}, nil
	}

	rawLower := strings.ToLower(raw)
	var exact, partial []Candidate
	for _, cand := range candidates {
		aliases := candidateAliases(cand)
		hitExact := false
		for _, a := range aliases {
			if strings.ToLower(a) == rawLower {
				hitExact = true
				break
			}
		}
		if hitExact {
			exact = append(exact, cand)
			continue
		}
		for _, a := range aliases {
			if strings.Contains(strings.ToLower(a), rawLower) {
				partial = append(partial, cand)
				break
			}
		}
	}

	switch {
	case len(exact) == 1:
		return match{status: StatusMatched, value: strings.TrimSpace(exact[0].Name)}, nil
	case len(exact) > 1:
		return match{status: StatusAmbiguous, value: raw, options: optionNames(exact)}, nil
	case len(partial) == 1:
		return match{status: StatusMatched, value: strings.TrimSpace(partial[0].Name)}, nil
	case len(partial) > 1:
		return match{status: StatusAmbiguous, value: raw, options: optionNames(partial)}, nil
	default:
		return match{status: StatusNoMatch, value: raw}, nil
	}
}

// Resolve verifies every entity-like filter. Keys are visited in
// sorted order; resolution stops at the first blocking value and
// returns the partially-normalized filters with the clarification.
func (r *Resolver) Resolve(ctx context.Context, filters map[string]any) (Resolution, error) {
	out := Resolution{Filters: make(map[string]any, len(filters))}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := filters[key]
		kind := r.inferKind(key)
		if kind == "" {
			out.Filters[key] = value
			continue
		}
		label := r.kinds[kind].Label
		if label == "" {
			label = kind
		}

		if list, isList := asList(value); isList {
			var vals []any
			for _, rawItem := range list {
				raw := strings.TrimSpace(payload.CellString(rawItem))
				if raw == "" {
					continue
				}
				m, err := r.matchValue(ctx, kind, raw)
				if err != nil {
					return Resolution{}, err
				}
				switch m.status {
				case StatusMatched:
					vals = append(vals, m.value)
				case StatusAmbiguous:
					out.Clarification = buildClarification("entity_ambiguous", label, key, raw, m.options)
					return out, nil
				case StatusNoMatch:
					out.Clarification = buildClarification("entity_no_match", label, key, raw, nil)
					return out, nil
				default:
					vals = append(vals, raw)
				}
			}
			out.Filters[key] = vals
			continue
		}

		raw := strings.TrimSpace(payload.CellString(value))
		if raw == "" {
			out.Filters[key] = value
			continue
		}
		m, err := r.matchValue(ctx, kind, raw)
		if err != nil {
			return Resolution{}, err
		}
		switch m.status {
		case StatusMatched:
			out.Filters[key] = m.value
		case StatusAmbiguous:
			out.Clarification = buildClarification("entity_ambiguous", label, key, raw, m.options)
			return out, nil
		case StatusNoMatch:
			out.Clarification = buildClarification("entity_no_match", label, key, raw, nil)
			return out, nil
		default:
			out.Filters[key] = value
		}
	}
	return out, nil
}

func buildClarification(reason, label, filterKey, rawValue string, options []string) *Clarification {
	var question string
	if reason == "entity_ambiguous" {
		question = fmt.Sprintf("I found multiple matches for %s matching %q: %s. Which one should I use?",
			label, rawValue, strings.Join(options, ", "))
	} else {
		question = fmt.Sprintf("I couldn't find a matching %s for %q. Which exact value should I use?", label, rawValue)
	}
	return &Clarification{
		Reason:    reason,
		Question:  question,
		Options:   options,
		FilterKey: strings.TrimSpace(filterKey),
		RawValue:  strings.TrimSpace(rawValue),
	}
}

func candidateAliases(c Candidate) []string {
	out := make([]string, 0, len(c.Aliases)+1)
	seen := make(map[string]struct{})
	for _, a := range append([]string{c.Name}, c.Aliases...) {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		lower := strings.ToLower(a)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, a)
	}
	return out
}

func optionNames(cands []Candidate) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, c := range cands {
		n := strings.TrimSpace(c.Name)
		if n == "" {
			continue
		}
		lower := strings.ToLower(n)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		names = append(names, n)
		if len(names) == maxOptions {
			break
		}
	}
	return names
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
