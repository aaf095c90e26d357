// Package observability provides OpenTelemetry tracing and metrics for the
// processor node, exported over OTLP gRPC.
//
// # Tracing
//
// Create a provider at application startup:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "koi-processor-node",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// Create spans manually:
//
//	ctx, span := p.StartSpan(ctx, "operation_name")
//	defer span.End()
//
// # Metrics
//
// TrackOperation starts a span and records the request count, error count,
// duration and active-operation metrics for one operation:
//
//	ctx, done := p.TrackOperation(ctx, "ingest")
//	err := work(ctx)
//	done(err)
//
// RecordRequest, RecordError and RecordDuration record the same metrics
// individually. No HTTP middleware or Prometheus /metrics handler is
// provided by this package.
package observability
