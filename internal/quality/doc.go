// Package quality evaluates an executed report payload against the
// business request that produced it. The gate is deterministic: a
// fixed sequence of named checks, each PASS/fail with a severity, and
// a single verdict. Hard failures (a resolver blocker slipped through,
// or the repeated-call guard fired) terminate the current candidate;
// repairable failures let the execution loop switch candidates or
// retry within its step budget.
package quality
