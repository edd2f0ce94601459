package logging

import (
	"fmt"
	"strings"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Output goes to stderr so stdout stays free
// for media.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg.Build()
}

// PionFactory routes pion's internal logging into zap. pion debug/trace
// output only shows at zap debug level.
type PionFactory struct {
	Logger *zap.Logger
}

func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{s: f.Logger.Named("pion." + scope).Sugar()}
}

type pionLogger struct {
	s *zap.SugaredLogger
}

func (l pionLogger) Trace(msg string)                          { l.s.Debug(msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l pionLogger) Debug(msg string)                          { l.s.Debug(msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l pionLogger) Info(msg string)                           { l.s.Info(msg) }
func (l pionLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l pionLogger) Warn(msg string)                           { l.s.Warn(msg) }
func (l pionLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l pionLogger) Error(msg string)                          { l.s.Error(msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
