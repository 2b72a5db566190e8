// Package instrumentation provides OpenTelemetry metrics and tracing for the
// gateway auth plane.
//
// Instrumentation is opt-in. With Enabled false every meter and tracer is a
// no-op, and a nil *Instrumentation or *Metrics is safe to use everywhere.
//
// # Prometheus
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// HTTP: gateway.http.requests.total, gateway.http.request.duration.
//
// Authorization server: gateway.oauth.client.registered,
// gateway.oauth.login.attempts, gateway.oauth.code.exchanged,
// gateway.oauth.token.refreshed, gateway.oauth.token.revoked,
// gateway.apikey.authentications.
//
// Validation and keys: gateway.token.validations, gateway.keys.cache.lookups,
// gateway.keys.fetches, gateway.keys.fetch.duration.
//
// Federation: gateway.idp.health_checks.
//
// Authorization: gateway.permission.decisions.
//
// Sessions: gateway.sessions.created, gateway.sessions.rejected,
// gateway.sessions.expired, gateway.sessions.active.
//
// Storage: gateway.storage.operations.total, gateway.storage.operation.duration
// and the gateway.storage.*.count gauges.
//
// # Security
//
// Attribute values are metadata only. Never record tokens, authorization
// codes, client secrets, API keys or passwords.
package instrumentation
