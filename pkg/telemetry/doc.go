// Package telemetry provides observability for the audit service.
//
// # Overview
//
// Three pillars are wired together by the Telemetry type:
//
//   - Logger: structured logging on zerolog with audit fields (run, fiche, batch, step)
//   - Tracer: OpenTelemetry spans exported to stdout or an OTLP gRPC collector
//   - Metrics: Prometheus counters and histograms on a private registry
//
// # Setup
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Metrics are served by the admin HTTP server through Metrics.Handler.
//
// # Metrics
//
//   - audit_runs_started_total{source}
//   - audit_runs_finished_total{status,tier}
//   - audit_run_duration_seconds{status}
//   - audit_run_score_percentage
//   - audit_finalizations_total{outcome}
//   - audit_steps_executed_total{outcome}
//   - audit_evaluator_duration_seconds{status}
//   - audit_context_cache_lookups_total{result}
//   - audit_batch_outcomes_total{result}
//   - audit_webhook_attempts_total{event,result}
//   - audit_webhook_deliveries_total{event,status}
//
// A nil *Metrics or *Tracer is safe to use and records nothing.
package telemetry
