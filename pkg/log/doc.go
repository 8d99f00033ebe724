/*
Package log provides structured logging for Destiny using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Structured logging:

	log.Logger.Info().
		Str("reference_id", refID).
		Str("determination", "DUPLICATE").
		Msg("decision promoted")

Component loggers:

	dedupLog := log.WithComponent("dedup")
	dedupLog.Debug().Str("reference_id", refID).Msg("running identifier shortcut")

Context logger helpers attach the IDs that recur across the pipeline:
WithReferenceID, WithRequestID, WithBatchID, WithRobotID.

# Integration Points

This package integrates with:

  - pkg/ingest: logs per-entry import outcomes
  - pkg/dedup: logs phase transitions and promotions
  - pkg/taskbus: logs delivery, retry and dead-letter events
  - pkg/enhance: logs request and batch lifecycle transitions
  - pkg/api: logs request handling and robot authentication failures
*/
package log
