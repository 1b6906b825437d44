// Package telemetry provides observability for feature execution.
//
// It bundles structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Libraries and tests that do not care about observability use
// telemetry.Noop().
//
// # Spans
//
// The orchestrator opens one "feature.execute" span per Execute call, a
// "workstream.execute" child per dispatched workstream and an "attempt" child
// per build attempt.
//
// # Metrics
//
// Metrics are registered on a private registry and served by
// Metrics.StartMetricsServer when a listen address is configured:
//
//   - sdp_features_started_total
//   - sdp_features_finished_total{status}
//   - sdp_feature_duration_seconds{status}
//   - sdp_workstreams_completed_total{tier}
//   - sdp_build_attempts_total{tier,backend,result}
//   - sdp_build_attempt_duration_seconds{tier,backend}
//   - sdp_escalations_total{tier}
//   - sdp_router_selections_total{tier,backend}
//   - sdp_checkpoint_saves_total{result}
//   - sdp_errors_by_class_total{class}
//   - sdp_active_features, sdp_in_flight_builds
//
// # Events
//
// Subscribers receive events one at a time, in publish order:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
