/*
Package ports defines the driven and driving ports (interfaces) of the espalier engine.

These interfaces decouple the core logic from external implementations, allowing
the engine to work with various storage backends, lock services and metric sinks.

# Key Interfaces

  - RunStore: persists and loads run snapshots (memory, file, Redis).
  - DistributedLocker: keeps a run exclusive across replicas.
  - Recorder: receives fire-and-forget execution metrics.
  - Engine: the API consumed by the HTTP and MCP adapters.
*/
package ports
