// Package instrumentation provides OpenTelemetry metrics and tracing for
// the coordination core. When disabled it wires no-op providers, so
// instrumented code pays nothing and never needs nil checks.
package instrumentation
