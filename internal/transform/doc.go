// Package transform post-processes an already-executed report table
// for a follow-up turn: re-sorting, limiting, projecting to the asked
// dimension and metric, collapsing to a KPI total, and scaling
// numeric measures to millions. Transforms are idempotent: an
// already-scaled payload is rebuilt from its preserved full-precision
// source table and scaled exactly once, so re-applying a scale hint
// never changes the visible values. Rank order always follows the
// true pre-scale magnitudes.
package transform
