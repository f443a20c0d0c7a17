// Package scheduler drives a resolved pipeline graph to completion. For
// every stage it instantiates one task per input combination (queue items
// zipped or crossed, replicated against all broadcast values), executes
// tasks through a sandbox.Runner under a bounded concurrency limit, and
// feeds successful outputs into downstream channels. Combinator nodes run
// as lightweight goroutines over the same channels.
//
// Task state machine: Pending -> Staged -> Running -> Succeeded | Failed.
// Under the default abort policy the first failed task stops scheduling of
// new tasks; running tasks finish naturally and are force-terminated only
// after the configured grace period.
package scheduler
