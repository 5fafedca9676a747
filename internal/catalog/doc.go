// Package catalog retrieves advisory schema context from a database
// semantic catalog artifact. Given a normalized business spec and its
// constraint set, it scores catalog tables against the request's tokens
// and returns the best-matching tables, the join edges between them,
// and the catalog's capability projection. The result is advisory
// context for downstream planning, never authoritative for execution.
package catalog
