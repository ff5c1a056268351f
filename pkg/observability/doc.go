/*
Package observability records what the espalier engine does.

  - Recorder: fire-and-forget per-run and per-node metrics, published on a
    watermill channel and folded into an in-memory store queried by Analytics.
  - Metrics: Prometheus collectors fed by lifecycle hooks.
  - Tracing helpers: OpenTelemetry span attributes and an OTLP provider.
*/
package observability
