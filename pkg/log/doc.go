/*
Package log provides structured logging for dropboxd using zerolog.

A single package-level zerolog.Logger is configured once through Init and
shared by every component. Component loggers add a "component" field and
tag every line with category=operation.

# Log Categories

dropboxd writes two kinds of log lines:

	operation     routine progress: staging, commits, transient remote
	              failures, recovery passes that will be retried
	notification  outcomes that need a human: a recovery marker that
	              could not be decoded, or a registration that exhausted
	              its recovery attempts and was quarantined

Notification lines are always emitted at error level with
category=notification so log shippers can route them to an alerting
channel:

	log.Notify().
		Str("incoming", path).
		Msg("registration has failed to register and will not be retried")

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	logger := log.WithIncoming("registrator", "/data/incoming/run-17")
	logger.Info().Msg("staging incoming unit")

	logger = log.WithRegistrationID(logger, 42)
	logger.Warn().Err(err).Msg("metadata registration failed, will retry")
*/
package log
