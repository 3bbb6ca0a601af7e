package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig defines the zap backend used by the node binaries
type ZapConfig struct {
	Level      string `yaml:"level" toml:"level"`   // "debug", "info", "warn", "error"
	Format     string `yaml:"format" toml:"format"` // "json", "console"
	Output     string `yaml:"output" toml:"output"` // "stdout", "stderr"
	Caller     bool   `yaml:"caller" toml:"caller"`
	Stacktrace bool   `yaml:"stacktrace" toml:"stacktrace"`
}

// DefaultZapConfig returns a console logger at info level
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}

// NewZapLogger builds the zap logger described by config
func NewZapLogger(config ZapConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stdout":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	default:
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	}

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(3))
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(zapcore.NewCore(encoder, writeSyncer, level), opts...)
}

// NewZapLogFuncs adapts a sugared zap logger to LogFuncs
func NewZapLogFuncs(zapLogger *zap.Logger) LogFuncs {
	sugar := zapLogger.Sugar()
	return LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}
}
