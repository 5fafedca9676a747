// Package resolver ranks capability rows against a normalized business
// request and selects the report to execute. Scoring is deterministic:
// each candidate starts from its capability confidence and gains or
// loses fixed amounts for filter-kind support, dimension and domain
// fit, metric fit, subject-token overlap, and time-scope support. Hard
// blockers (an unsupported hard filter kind, an incompatible time
// scope) exclude a candidate from primary selection. The outcome feeds
// the plan compiler, which turns it into a strict run-or-clarify
// execution intent.
package resolver
