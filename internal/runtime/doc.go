// Package runtime steps workflow runs.
//
// An Engine takes a validated graph.Definition and drives each run as a
// sequential state machine: invoke the current node, merge its update,
// route through the edge or edge group, repeat. Runs stop on a terminal
// node, at an approval checkpoint, when the step budget runs out, or once
// error recovery gives up. Many runs step in parallel; a single run is only
// ever stepped by one goroutine, enforced by the registry.
package runtime
