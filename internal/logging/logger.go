package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Factory provides centralized logger creation. Every package of the stack
// logs through a named child of the root logger.
type Factory struct {
	config     Config
	rootLogger *zap.Logger
	loggers    map[string]*zap.Logger
	loggersMu  sync.RWMutex
}

// Config contains logging configuration
type Config struct {
	// Level is one of debug, info, warn, error.
	Level        string            `yaml:"level"`
	ModuleLevels map[string]string `yaml:"module_levels"`

	// Format is json or console.
	Format string `yaml:"format"`
	// OutputPath is stdout, stderr or a file path. Files are rotated.
	OutputPath  string `yaml:"output_path"`
	Development bool   `yaml:"development"`

	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig controls rotation of file output
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// DefaultConfig returns default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:        "info",
		ModuleLevels: make(map[string]string),
		Format:       "console",
		OutputPath:   "stderr",
		Rotation: RotationConfig{
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// NewFactory creates a new logger factory
func NewFactory(config Config) (*Factory, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	if isFile(config.OutputPath) {
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	root := zap.New(buildCore(config, level), buildOptions(config)...)

	return &Factory{
		config:     config,
		rootLogger: root,
		loggers:    make(map[string]*zap.Logger),
	}, nil
}

// Root returns the unnamed root logger.
func (f *Factory) Root() *zap.Logger {
	return f.rootLogger
}

// Logger returns a logger for the specified module
func (f *Factory) Logger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[module]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	if logger, exists := f.loggers[module]; exists {
		return logger
	}

	logger := f.rootLogger.Named(module)
	if levelStr, ok := f.config.ModuleLevels[module]; ok {
		if level, err := zapcore.ParseLevel(levelStr); err == nil {
			core := buildCore(f.config, level)
			logger = logger.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
				return core
			}))
		}
	}

	f.loggers[module] = logger
	return logger
}

// Sync flushes all loggers
func (f *Factory) Sync() error {
	var firstErr error
	if err := f.rootLogger.Sync(); err != nil && !isConsoleSyncError(err) {
		firstErr = err
	}

	f.loggersMu.RLock()
	defer f.loggersMu.RUnlock()
	for _, logger := range f.loggers {
		if err := logger.Sync(); err != nil && firstErr == nil && !isConsoleSyncError(err) {
			firstErr = err
		}
	}
	return firstErr
}

func buildEncoderConfig(config Config) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeCaller = zapcore.FullCallerEncoder
	}
	return encoderConfig
}

func buildCore(config Config, level zapcore.Level) zapcore.Core {
	encoderConfig := buildEncoderConfig(config)

	var encoder zapcore.Encoder
	if config.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var writer zapcore.WriteSyncer
	switch config.OutputPath {
	case "", "stderr":
		writer = zapcore.Lock(os.Stderr)
	case "stdout":
		writer = zapcore.Lock(os.Stdout)
	default:
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.Rotation.MaxSizeMB,
			MaxBackups: config.Rotation.MaxBackups,
			MaxAge:     config.Rotation.MaxAgeDays,
			Compress:   config.Rotation.Compress,
		})
	}

	return zapcore.NewCore(encoder, writer, level)
}

func buildOptions(config Config) []zap.Option {
	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if config.Development {
		options = append(options, zap.Development())
	}
	if hostname, err := os.Hostname(); err == nil {
		options = append(options, zap.Fields(zap.String("host", hostname)))
	}
	return options
}

func isFile(path string) bool {
	return path != "" && path != "stdout" && path != "stderr"
}

// Syncing a terminal returns EINVAL or ENOTTY on Linux.
func isConsoleSyncError(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && (pathErr.Path == "/dev/stdout" || pathErr.Path == "/dev/stderr")
}

// WithComponent adds component context
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithStream tags a logger with the id of a command stream.
func WithStream(logger *zap.Logger, id string) *zap.Logger {
	return logger.With(zap.String("stream", id))
}
