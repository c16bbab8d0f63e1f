// Package observability carries the service's logging, metrics, tracing,
// health and shutdown plumbing.
//
// Logging is structured JSON over log/slog:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("client_id", id).Info("client registered")
//
// Session lifecycle outcomes are counted by anything implementing
// AuthRecorder. *Metrics exports them to Prometheus, *OTelMetrics through
// the OpenTelemetry meter provider, and Recorders fans out to both:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordResolution("authenticated_sso", time.Since(start))
//
// Readiness is built from named dependency checks:
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("storage", true, observability.PingCheck(backend))
//	observability.RegisterHealthRoutes(router, checker)
package observability
