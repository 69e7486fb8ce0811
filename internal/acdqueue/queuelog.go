package acdqueue

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// QueueLogEvent enumerates the structured queue-log line kinds written for
// compatibility with external log consumers (pipe-separated fields).
type QueueLogEvent string

const (
	LogEnterQueue       QueueLogEvent = "ENTERQUEUE"
	LogAbandon          QueueLogEvent = "ABANDON"
	LogExitEmpty        QueueLogEvent = "EXITEMPTY"
	LogExitWithTimeout  QueueLogEvent = "EXITWITHTIMEOUT"
	LogExitWithKey      QueueLogEvent = "EXITWITHKEY"
	LogRingNoAnswer     QueueLogEvent = "RINGNOANSWER"
	LogConnect          QueueLogEvent = "CONNECT"
	LogCompleteCaller   QueueLogEvent = "COMPLETECALLER"
	LogCompleteAgent    QueueLogEvent = "COMPLETEAGENT"
	LogTransfer         QueueLogEvent = "TRANSFER"
	LogAddMember        QueueLogEvent = "ADDMEMBER"
	LogRemoveMember     QueueLogEvent = "REMOVEMEMBER"
	LogPause            QueueLogEvent = "PAUSE"
	LogUnpause          QueueLogEvent = "UNPAUSE"
	LogSysCompat        QueueLogEvent = "SYSCOMPAT"
)

// QueueLogger writes structured, pipe-separated queue-log lines via the
// service's zerolog sink, following this
// component-tagged-logger convention (`log.With().Str("component", ...)`).
type QueueLogger struct {
	log zerolog.Logger
}

// NewQueueLogger wraps a zerolog.Logger for queue-log output.
func NewQueueLogger(log zerolog.Logger) *QueueLogger {
	return &QueueLogger{log: log.With().Str("component", "queue_log").Logger()}
}

// Log writes one queue-log line: queue|uniqueid|agent|event|params...
func (l *QueueLogger) Log(queue, uniqueID, agent string, event QueueLogEvent, params ...string) {
	line := strings.Join(append([]string{queue, uniqueID, agent, string(event)}, params...), "|")
	l.log.Info().
		Str("queue", queue).
		Str("uniqueid", uniqueID).
		Str("agent", agent).
		Str("event", string(event)).
		Time("at", time.Now()).
		Msg(line)
}
