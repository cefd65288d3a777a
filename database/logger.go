package database

import (
	"github.com/sirupsen/logrus"
)

// QueryLogger emits one structured line per statement execution. A nil-level
// logger stays quiet; the CLI raises it to debug for --verbose runs.
type QueryLogger struct {
	log   *logrus.Logger
	level logrus.Level
}

// NewQueryLogger logs queries at debug level on the standard logger.
func NewQueryLogger() *QueryLogger {
	return &QueryLogger{log: logrus.StandardLogger(), level: logrus.DebugLevel}
}

// NewQueryLoggerWith logs queries on a specific logger and level.
func NewQueryLoggerWith(log *logrus.Logger, level logrus.Level) *QueryLogger {
	return &QueryLogger{log: log, level: level}
}

func (l *QueryLogger) logQuery(conn string, query string, args []any) {
	if l == nil || l.log == nil {
		return
	}
	entry := l.log.WithFields(logrus.Fields{
		"connection": conn,
		"query":      query,
	})
	if len(args) > 0 {
		entry = entry.WithField("params", args)
	}
	entry.Log(l.level, "execute")
}
