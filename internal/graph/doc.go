// Package graph resolves a pipeline model into a validated dependency
// graph. Dependencies are never declared explicitly; they emerge from
// channel references: an edge runs from the producer of a channel to each
// of its consumers. The build is two-phase (declare everything, then
// resolve), so the result is independent of declaration order.
//
// All configuration errors the engine can detect statically are reported
// here, before any task runs: unresolved channel references, multiple
// producers on one channel, a queue channel with more than one consumer,
// flavor mismatches, tuple arity mismatches, and dependency cycles.
package graph
