/*
Package log provides structured logging for toka using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support
filtering by severity level for production debugging.

# Usage

Initializing the logger:

	import "github.com/cuemby/toka/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("node starting")

Component loggers:

	walLog := log.WithComponent("wal")
	walLog.Info().Str("sequence", "42").Msg("transaction committed")

	clusterLog := log.WithComponent("cluster")
	clusterLog.Error().Err(err).Msg("raft apply failed")

# Integration Points

This package integrates with:

  - pkg/wal: logs a recovery summary at debug level
  - pkg/cluster: logs cluster bootstrap and join
  - pkg/agent: logs executor panics, failed runs and stop problems
  - pkg/orchestration: logs agent start and stop failures

pkg/ledger does not log.

# Security

Never log secrets or capability tokens. Use structured fields (.Str, .Int)
rather than string interpolation so log aggregation can filter and alert
without parsing free text.
*/
package log
