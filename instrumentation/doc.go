// Package instrumentation provides OpenTelemetry metrics and tracing for
// the login engine.
//
// The package wraps meter and tracer providers behind a single
// Instrumentation value that the engine and the storage backends share.
// When disabled it swaps in no-op providers, so call sites never need to
// branch on whether observability is configured.
//
// Scopes follow the package layout: "engine", "storage", "provider",
// "security". Metric names are stable identifiers; renaming one is a
// breaking change for dashboards.
package instrumentation
