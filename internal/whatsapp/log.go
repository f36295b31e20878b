package whatsapp

import (
	"fmt"

	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// zeroLogger adapts zerolog to whatsmeow's printf-style logger. whatsmeow
// is chatty at info, so its info lines are demoted to debug.
type zeroLogger struct {
	logger zerolog.Logger
}

func newWALogger(logger zerolog.Logger) waLog.Logger {
	return zeroLogger{logger: logger}
}

func (l zeroLogger) Errorf(msg string, args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(msg, args...))
}

func (l zeroLogger) Warnf(msg string, args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(msg, args...))
}

func (l zeroLogger) Infof(msg string, args ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(msg, args...))
}

func (l zeroLogger) Debugf(msg string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(msg, args...))
}

func (l zeroLogger) Sub(module string) waLog.Logger {
	return zeroLogger{logger: l.logger.With().Str("module", module).Logger()}
}
