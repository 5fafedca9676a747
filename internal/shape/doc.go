// Package shape turns raw executed report output into the answer the
// business question actually asked for: projecting requested columns,
// ranking and limiting, collapsing KPIs, and filtering document rows.
// It also owns the small policy predicates the execution loop uses to
// classify failures and messages (system-error detection, low-signal
// specs, switchable quality failures).
package shape
