// Package observability provides OpenTelemetry tracing and metrics for
// the trust core. It is ambient instrumentation: operations wrapped with
// TrackOperation (in this module, agent registration and authorization in
// pkg/mesh) record into a shared RED (rate, errors, duration) instrument
// set, and callers that don't configure telemetry get no-op providers.
//
// Initialize at process startup:
//
//	obs, err := observability.New(ctx, &observability.Config{
//		ServiceName: "agentmesh-core",
//		Enabled:     true,
//		Writer:      os.Stdout,
//	})
//	defer obs.Shutdown(ctx)
//
// Wrap an operation:
//
//	ctx, done := obs.TrackOperation(ctx, "policy.evaluate",
//		attribute.String("agent.did", did))
//	defer func() { done(err) }()
package observability
