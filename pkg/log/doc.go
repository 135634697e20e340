/*
Package log provides structured logging for Berth built on zerolog.

A single global logger is initialized once at startup via Init and
shared by all components. Child loggers carry identifying fields:

	logger := log.WithComponent("deployer")
	logger.Info().Str("project", name).Msg("deployment queued")

Console output (human-readable) is the default; JSON output is enabled
with Config.JSONOutput for machine ingestion.
*/
package log
