// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the request gateway.
//
// It gives every gateway decision a metric and a span:
// - Metrics: counters, histograms and gauges for allowed and rejected requests
// - Traces: one span per request carrying the matched route and decision
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:        true,
//		ServiceName:    "tour-api",
//		ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Prometheus Metrics
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//
//	// Expose /metrics endpoint
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// HTTP Layer:
//   - gate.requests.total{route, outcome, status} - Requests evaluated by the gateway
//   - gate.request.duration{route} - Time spent in gateway checks
//
// Security:
//   - gate.rate_limit.exceeded{limiter_type, route} - Rate and usage limit denials
//   - gate.login.failures - Failed login attempts recorded
//   - gate.lockouts.triggered - Brute-force lockouts started
//   - gate.signature.rejected{reason} - Signature verification failures
//   - gate.csrf.rejected - CSRF verification failures
//   - gate.antibot.rejected{reason} - Anti-bot challenge failures
//   - gate.paths.blocked - Requests to known exploit paths
//   - gate.audit.events.total{event_type, severity} - Security audit events
//
// Storage:
//   - gate.store.operation.total{store, operation, result} - Store operations
//   - gate.store.operation.duration{store, operation} - Store latency
//   - gate.store.entries{store} - Current entries per store
//
// # Privacy
//
// Client IPs are only added to spans when Config.LogClientIPs is set.
// Nonces, CSRF tokens, signatures and session identifiers are never recorded.
package instrumentation
