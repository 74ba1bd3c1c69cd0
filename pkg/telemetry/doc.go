// Package telemetry provides logging, metrics, and tracing for hostmove.
//
// Every run writes a JSON log next to its checkpoint database while the
// operator sees a console rendering of the same events. Metrics are kept in
// a private Prometheus registry and written once, as a textfile, when the
// process exits; a migration run is too short-lived to be scraped. Spans
// are exported to a JSON file per run when tracing is enabled.
//
//	tel, err := telemetry.New(telemetry.FromConfig(cfg, runID, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx, span := tel.Tracer.StartPhaseSpan(ctx, runID, "backup")
//	defer span.End()
package telemetry
