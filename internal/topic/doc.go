// Package topic tracks conversational state across turns: the active
// topic (what the user is analyzing), the active result (what they
// last saw), and the anchoring rules that let an underspecified
// follow-up inherit context from the previous turn.
//
// Persistence is behind the Store interface; the sqlite store is the
// durable implementation, the memory store backs tests and the
// harness.
package topic
