// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// Instrumentation is optional. When disabled, no-op providers are used and the
// overhead is negligible. When enabled without explicit providers, an SDK
// tracer provider carrying the service resource is created and shut down by
// Shutdown.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:        true,
//		ServiceName:    "oauth-authz",
//		ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Flows:
//   - oauth.authorization.started{client_id}
//   - oauth.consent.decisions{client_id, approved}
//   - oauth.code.issued{client_id}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id}
//   - oauth.token.revoked{reason}
//   - oauth.client.registered{client_type}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.csrf.validation_failed
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, backend, result}
//   - storage.operation.duration{operation, backend}
//   - storage.clients.count, storage.consents.count, storage.ephemeral.count
//
// Never attach codes, tokens, secrets or CSRF nonces to spans or metrics.
package instrumentation
