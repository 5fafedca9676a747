// Package spec normalizes raw business-request objects into the
// canonical BusinessSpec the rest of the pipeline consumes.
//
// Normalization never fails: invalid values fall back to schema
// defaults and append a named error tag. Downstream stages treat a
// returned spec as immutable; stages that need a changed spec copy it
// first.
package spec
