/*
Package log provides structured logging for the submission engine and
providers, built on zerolog.

Call Init once at process start, then derive component- or task-scoped
child loggers:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithTask(jobID, taskID)
	logger.Info().Str("status", "RUNNING").Msg("Task started")

Console output is the default; JSON output is available for machine
consumption via Config.JSONOutput.
*/
package log
