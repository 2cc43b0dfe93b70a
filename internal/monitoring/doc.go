// Package monitoring exposes the counters of the submission stack as
// Prometheus metrics.
//
// Every device owns a Metrics on a private registry. Components receive the
// *Metrics of their device and record through it; a nil *Metrics is valid
// and records nothing, so tests and tools can run without one.
//
//	metrics := monitoring.NewMetrics("nvstream")
//	exporter := monitoring.NewExporter(logger, metrics, ":9090")
//	exporter.Start()
//	defer exporter.Stop(ctx)
package monitoring
