// Package telemetry wires OpenTelemetry tracing, OpenTelemetry meters and the
// Prometheus registry for the relay.
//
// It centralises trace provider setup and offers helpers that attach site,
// request class and outcome metadata to spans and metrics so operators can
// correlate client-facing failures with upstream behaviour.
package telemetry
