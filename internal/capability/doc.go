// Package capability describes what each registered report can answer.
// A capability row is derived from a report's metadata plus its filter
// requirements: which filter names and kinds it supports, which time
// scopes it handles, and the domain/dimension/metric hints the
// ontology reads out of its name and filters. The index aggregates all
// rows for a snapshot and is the sole input the semantic resolver
// ranks candidates from.
package capability
