package device

import (
	"go.uber.org/zap"
)

// A Logger provides logging for an Ovpn instance. The function fields may
// be set to nil to disable a level.
type Logger struct {
	Verbosef func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

// DiscardLogger logs nothing.
func DiscardLogger() *Logger {
	return &Logger{
		Verbosef: func(string, ...any) {},
		Errorf:   func(string, ...any) {},
	}
}

// NewLogger builds a Logger on top of zap. prepend is stuck in front of
// every line, conventionally the instance name.
func NewLogger(verbose bool, prepend string) *Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}
	cfg.DisableStacktrace = true
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return DiscardLogger()
	}
	sugar := z.Sugar().Named(prepend)
	return &Logger{
		Verbosef: sugar.Infof,
		Errorf:   sugar.Errorf,
	}
}

func (l *Logger) verbosef(format string, args ...any) {
	if l != nil && l.Verbosef != nil {
		l.Verbosef(format, args...)
	}
}

func (l *Logger) errorf(format string, args ...any) {
	if l != nil && l.Errorf != nil {
		l.Errorf(format, args...)
	}
}
