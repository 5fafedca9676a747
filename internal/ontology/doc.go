// Package ontology provides the business vocabulary layer for Tally.
//
// All lexical knowledge lives here: metric aliases, dimension aliases,
// filter-kind aliases, transform hint phrases, write-verb phrases, and
// the generic-token lists other stages consult. Runtime stages never
// embed phrase lists of their own; they ask the Catalog.
//
// A Catalog is an immutable value built by layering overlays over the
// built-in defaults (base file, generated file, overrides file). Callers
// hold a *Catalog and pass it down; there is no package-level singleton.
package ontology
