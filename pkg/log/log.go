package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface used across vmgate.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(err error, msg string, keysAndValues ...any)

	// WithName returns a new logger with the given name appended.
	WithName(name string) Logger

	// WithValues returns a new logger carrying additional key-value pairs.
	WithValues(keysAndValues ...any) Logger
}

var _ Logger = (*zapLogger)(nil)

type zapLogger struct {
	core *zap.SugaredLogger
}

// NewLogger builds a Logger from the given options.
func NewLogger(opts *Options) Logger {
	if opts == nil {
		opts = NewOptions()
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(opts.Level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	cfg := &zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         opts.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}

	core, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("building zap logger: %v", err))
	}
	if opts.Name != "" {
		core = core.Named(opts.Name)
	}

	return &zapLogger{core: core.Sugar()}
}

func (z *zapLogger) Debug(msg string, keysAndValues ...any) {
	z.core.Debugw(msg, keysAndValues...)
}

func (z *zapLogger) Info(msg string, keysAndValues ...any) {
	z.core.Infow(msg, keysAndValues...)
}

func (z *zapLogger) Warn(msg string, keysAndValues ...any) {
	z.core.Warnw(msg, keysAndValues...)
}

func (z *zapLogger) Error(err error, msg string, keysAndValues ...any) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err.Error())
	}
	z.core.Errorw(msg, keysAndValues...)
}

func (z *zapLogger) WithName(name string) Logger {
	return &zapLogger{core: z.core.Named(name)}
}

func (z *zapLogger) WithValues(keysAndValues ...any) Logger {
	return &zapLogger{core: z.core.With(keysAndValues...)}
}

var (
	std  Logger = NewLogger(nil)
	stdM sync.Mutex
)

// Init replaces the package-level default logger.
func Init(opts *Options) {
	stdM.Lock()
	defer stdM.Unlock()
	std = NewLogger(opts)
}

// Default returns the package-level logger.
func Default() Logger {
	stdM.Lock()
	defer stdM.Unlock()
	return std
}

// Sync flushes any buffered log entries.
func Sync() {
	if z, ok := Default().(*zapLogger); ok {
		_ = z.core.Sync()
	}
}

func Debug(msg string, keysAndValues ...any)            { Default().Debug(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...any)             { Default().Info(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)             { Default().Warn(msg, keysAndValues...) }
func Error(err error, msg string, keysAndValues ...any) { Default().Error(err, msg, keysAndValues...) }
