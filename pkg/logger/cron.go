package logger

import "github.com/robfig/cron/v3"

type cronLogger struct {
	log Logger
}

// CronLogger lets robfig/cron report through our logger. Cron's Info
// messages are chatty (one per job run) so they go to debug.
func CronLogger(log Logger) cron.Logger {
	return &cronLogger{log: log}
}

func (c *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, keysAndValues...)
}

func (c *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append(keysAndValues, "error", err)...)
}
