// Package conductor provides a Go library for durable workflow
// orchestration. It executes declarative process definitions — sequences of
// named task steps that delegate work to external agents, interleaved with
// human-approval breakpoints and bounded iterative refinement loops —
// reliably, resumably, and auditably across process restarts, task failures,
// and multi-hour approval waits.
//
// The core types are:
//
//   - [AgentInvoker] is the boundary to the external agents that perform task work.
//   - [Artifact] is a named, formatted piece of output carried forward for delivery.
//   - [AgentError] and [StepFailedError] form the error taxonomy surfaced by runs.
//
// Process definitions are modeled in the
// [github.com/deepnoodle-ai/conductor/workflow] package and loaded from YAML
// or JSON by the [github.com/deepnoodle-ai/conductor/config] package. Every
// task invocation is durably recorded as an effect by the
// [github.com/deepnoodle-ai/conductor/ledger] package, which is what makes
// replay and crash recovery possible. The
// [github.com/deepnoodle-ai/conductor/engine] package interprets definitions
// against the ledger.
package conductor
