package events

import (
	"github.com/sirupsen/logrus"
)

// LogSink renders events as structured logrus entries.
type LogSink struct {
	Logger *logrus.Logger
}

// NewLogSink returns a sink writing to l.
func NewLogSink(l *logrus.Logger) *LogSink {
	return &LogSink{Logger: l}
}

// Emit logs ev at a level chosen by its kind.
func (s *LogSink) Emit(ev Event) {
	if s == nil || s.Logger == nil {
		return
	}
	level := levelFor(ev)
	if !s.Logger.IsLevelEnabled(level) {
		return
	}

	fields := logrus.Fields{"event": string(ev.Kind)}
	if ev.SessionID != "" {
		fields["session"] = ev.SessionID
	}
	if ev.Direction != "" {
		fields["direction"] = ev.Direction
	}
	if ev.Local != "" {
		fields["local"] = ev.Local
	}
	if ev.Remote != "" {
		fields["remote"] = ev.Remote
	}
	if ev.Bytes != 0 || ev.Kind == BytesForwarded || ev.Kind == SessionClosed {
		fields["bytes"] = ev.Bytes
	}
	if ev.Duration > 0 {
		fields["duration"] = ev.Duration.String()
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	if ev.Err != nil {
		fields[logrus.ErrorKey] = ev.Err.Error()
	}

	entry := s.Logger.WithFields(fields)
	if !ev.Time.IsZero() {
		entry = entry.WithTime(ev.Time)
	}
	entry.Log(level, message(ev.Kind))
}

func levelFor(ev Event) logrus.Level {
	switch ev.Kind {
	case ConnectFailure, AcceptFailure, SessionRejected:
		return logrus.WarnLevel
	case BytesForwarded:
		return logrus.TraceLevel
	case DirectionClosed:
		if ev.Err != nil {
			return logrus.InfoLevel
		}
		return logrus.DebugLevel
	case ListenStopped:
		if ev.Err != nil {
			return logrus.ErrorLevel
		}
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}

func message(k Kind) string {
	switch k {
	case ListenStarted:
		return "listening"
	case ListenStopped:
		return "listener stopped"
	case Accept:
		return "connection accepted"
	case AcceptFailure:
		return "accept failed"
	case SessionRejected:
		return "session rejected"
	case ConnectSuccess:
		return "connected to remote"
	case ConnectFailure:
		return "remote connect failed"
	case BytesForwarded:
		return "bytes forwarded"
	case DirectionClosed:
		return "direction closed"
	case SessionClosed:
		return "session closed"
	}
	return string(k)
}
