// Package engine implements the bounded read execution loop.
//
// The loop is the heart of every read turn: it takes a resolved
// business request, executes the selected report, scores the result
// through the quality gate, and decides what happens next. All
// progress decisions are deterministic.
//
// Step Processing Flow:
//  1. Compute the step signature and stop on a repeat (loop guard)
//  2. Execute one action (report run, transform replay, direct lookup)
//  3. Reshape the raw result through transform and shaping stages
//  4. Score the shaped payload through the quality gate
//  5. On a repairable failure: switch candidate, retry once, or stop
//
// The loop never exceeds its step budget and never switches candidate
// reports more than MaxCandidateSwitchAttempts times per turn. Every
// decision is appended to a step trace so a turn can be audited after
// the fact.
//
// The loop is designed for correctness and determinism, not
// throughput. Report execution may do I/O, but the decision loop
// itself is strictly single-threaded.
package engine
