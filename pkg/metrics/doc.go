/*
Package metrics defines the Prometheus instrumentation for the
submission engine and providers: submission and retry counters, poll
cadence, localization and container timings.

Metrics register on the default registry at init. Exposition is the
caller's concern; Handler returns the standard promhttp handler for
processes that serve one.
*/
package metrics
