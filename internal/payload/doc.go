// Package payload provides the shared answer-payload types for Tally.
//
// This package contains type definitions and small shaping helpers only.
// All other internal packages import payload; payload imports nothing
// internal. This keeps the payload layer foundational with no circular
// dependencies.
//
// Key design constraints:
//   - All JSON tags use snake_case
//   - Transform markers keep their leading-underscore wire names
//     (_scaled_unit, _output_mode, _transform_last_applied) so that
//     downstream consumers and persisted session state stay compatible
//   - Payloads are value-copied between pipeline stages; mutation of a
//     shared payload is never allowed
package payload
