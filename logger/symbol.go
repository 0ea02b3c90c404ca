package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/raidpulse/sym"
)

// WithSymbol tags every entry of l with a subsystem glyph from package sym.
// The glyph lives in the "symbol" field, never in the message, so
// `jq 'select(.symbol=="꩜")'` finds all processor output. A nil l tags the
// global logger.
func WithSymbol(l *zap.SugaredLogger, glyph string) *zap.SugaredLogger {
	if l == nil {
		l = Logger
	}
	return l.With(FieldSymbol, glyph)
}

func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.Pulse) }
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.DB) }
func AddIXSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.IX) }
func AddRankSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.Rank) }
func AddScheduleSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return WithSymbol(l, sym.Schedule) }

// Lifecycle logs a daemon start (✿) or stop (❀) at info level.
func Lifecycle(l *zap.SugaredLogger, starting bool, msg string, keysAndValues ...interface{}) {
	glyph := sym.PulseClose
	if starting {
		glyph = sym.PulseOpen
	}
	WithSymbol(l, glyph).Infow(msg, keysAndValues...)
}
