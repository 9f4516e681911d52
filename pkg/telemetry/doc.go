// Package telemetry wires OpenTelemetry tracing and metrics for polis-render.
//
// It owns trace provider setup and the process-wide instruments that describe
// transform executions, and offers span helpers used by the filter so that a
// transformed response can be correlated with the request that produced it.
package telemetry
