package pipeline

import (
	"fmt"
	"strings"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/spec"
)

// applyEntityRowFilters re-applies verified entity filters row-wise on
// an executed table. Reports sometimes ignore a filter the resolver
// accepted; scoping the rows afterwards keeps the answer honest. A
// filter is applied only when it strictly narrows the table, so a
// non-matching value never blanks a result.
func (p *Pipeline) applyEntityRowFilters(out payload.Payload, sp spec.BusinessSpec) payload.Payload {
	if out.Type != payload.TypeReportTable || out.Table == nil || len(out.Table.Rows) == 0 {
		return out
	}
	dims := p.contracts.CanonicalDimensionSet()
	var keys []string
	for _, k := range sortedFilterKeys(sp.Filters) {
		value := strings.TrimSpace(fmt.Sprint(sp.Filters[k]))
		if value == "" || value == "<nil>" {
			continue
		}
		entityKind := false
		for _, kind := range p.ont.InferFilterKinds(k + " " + value) {
			if _, ok := dims[strings.ToLower(strings.TrimSpace(kind))]; ok {
				entityKind = true
				break
			}
		}
		if entityKind {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return out
	}

	rows := out.Table.Rows
	var applied []string
	for _, k := range keys {
		want := normalizeEntityValue(fmt.Sprint(sp.Filters[k]))
		if want == "" {
			continue
		}
		var matched []payload.Row
		for _, row := range rows {
			if rowMatchesEntity(row, want) {
				matched = append(matched, row)
			}
		}
		if len(matched) == 0 || len(matched) == len(rows) {
			continue
		}
		rows = matched
		applied = append(applied, k)
	}
	if len(applied) == 0 {
		return out
	}

	cp := out.Clone()
	cp.Table.Rows = rows
	cp.EntityRowFilterApplied = true
	cp.EntityRowFilterKeys = applied
	return cp
}

// rowMatchesEntity reports whether any cell contains the wanted value
// or vice versa, after normalization.
func rowMatchesEntity(row payload.Row, want string) bool {
	for _, v := range row {
		cell := normalizeEntityValue(fmt.Sprint(v))
		if cell == "" {
			continue
		}
		if strings.Contains(cell, want) || strings.Contains(want, cell) {
			return true
		}
	}
	return false
}

func normalizeEntityValue(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "<nil>" {
		return ""
	}
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "-", " ")), " ")
}
