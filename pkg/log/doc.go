/*
Package log provides structured logging for the backplane using zerolog.

A single global Logger is configured once through Init; packages derive
child loggers carrying the fields they care about:

	logger := log.WithComponent("manager")
	slog := log.WithServer("acme", "site-1")
	slog.Info().Str("step", "fetch").Int("instances", 4).Msg("Fetched manifests")

Before Init runs the global logger discards output, so library code and
tests can log freely without configuring anything.

# Levels

	debug  per-step synchronization detail
	info   lifecycle (attach, detach, sync complete)
	warn   soft failures that degrade one datum
	error  aborted operations

Use JSONOutput in production; the console writer is meant for terminals.
*/
package log
