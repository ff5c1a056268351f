/*
Package domain contains the core models of the espalier workflow engine.

It defines the state record threaded through a run, the handler contract,
edges and conditional edge groups, runs, approvals and the error taxonomy.
The package is pure: it performs no I/O and has no dependencies beyond the
standard library.

# Key Entities

  - State: application fields plus the engine-owned step, retry, phase, error and history fields.
  - Update: the partial state a handler returns, merged with field-level overwrite.
  - Handler: the unit of work executed at a node.
  - EdgeGroup: ordered predicates with a default target.
  - ExecutionRecord: the run as seen by the registry and persisted by stores.
  - ApprovalRequest: a human-in-the-loop checkpoint, resolved exactly once.
*/
package domain
