package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerInstance *zap.Logger
	once           sync.Once
)

type Config struct {
	Level            string             `json:"level"`
	OutputPaths      []string           `json:"outputPaths"`
	ErrorOutputPaths []string           `json:"errorOutputPaths"`
	Development      bool               `json:"development"`
	Async            AsyncConfig        `json:"async"`
	EncodingConfig   EncodingConfig     `json:"encodingConfig"`
	LogRotation      LogRotationConfig  `json:"logRotation"`
	Sanitization     SanitizationConfig `json:"sanitization"`
}

type AsyncConfig struct {
	Enabled    bool `json:"enabled"`
	BufferSize int  `json:"bufferSize"`
}

type EncodingConfig struct {
	TimeKey         string `json:"timeKey"`
	LevelKey        string `json:"levelKey"`
	NameKey         string `json:"nameKey"`
	CallerKey       string `json:"callerKey"`
	MessageKey      string `json:"messageKey"`
	StacktraceKey   string `json:"stacktraceKey"`
	LineEnding      string `json:"lineEnding"`
	LevelEncoder    string `json:"levelEncoder"`
	TimeEncoder     string `json:"timeEncoder"`
	DurationEncoder string `json:"durationEncoder"`
	CallerEncoder   string `json:"callerEncoder"`
}

type LogRotationConfig struct {
	Enabled    bool `json:"enabled"`
	MaxSizeMB  int  `json:"maxSizeMB"`
	MaxBackups int  `json:"maxBackups"`
	MaxAgeDays int  `json:"maxAgeDays"`
	Compress   bool `json:"compress"`
}

type SanitizationConfig struct {
	SensitiveFields []string `json:"sensitiveFields"`
	Mask            string   `json:"mask"`
}

// LoadConfig reads a JSON log config. A missing file yields DefaultConfig.
func LoadConfig(configPath string) (Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig, nil
		}
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse log config %s: %w", configPath, err)
	}
	assignDefaultValues(&cfg)
	return cfg, nil
}

// Init builds the process-wide logger from configPath. Only the first call
// has any effect.
func Init(configPath string) error {
	var initErr error
	once.Do(func() {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			initErr = err
			return
		}
		loggerInstance, initErr = New(cfg)
	})
	return initErr
}

// New builds a *zap.Logger from cfg: a colored console core for stdout or
// stderr, a JSON core for every other path, optionally rotated.
func New(cfg Config) (*zap.Logger, error) {
	assignDefaultValues(&cfg)

	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	levelEnc, timeEnc, durationEnc, callerEnc := encoders(cfg.EncodingConfig)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        cfg.EncodingConfig.TimeKey,
		LevelKey:       cfg.EncodingConfig.LevelKey,
		NameKey:        cfg.EncodingConfig.NameKey,
		CallerKey:      cfg.EncodingConfig.CallerKey,
		MessageKey:     cfg.EncodingConfig.MessageKey,
		StacktraceKey:  cfg.EncodingConfig.StacktraceKey,
		LineEnding:     cfg.EncodingConfig.LineEnding,
		EncodeLevel:    levelEnc,
		EncodeTime:     timeEnc,
		EncodeDuration: durationEnc,
		EncodeCaller:   callerEnc,
	}

	encodeConsole := encoderConfig
	encodeConsole.EncodeLevel = zapcore.LowercaseColorLevelEncoder

	level := zap.NewAtomicLevelAt(lvl)

	var cores []zapcore.Core
	for _, path := range cfg.OutputPaths {
		switch path {
		case "stdout":
			cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encodeConsole), zapcore.Lock(os.Stdout), level))
		case "stderr":
			cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encodeConsole), zapcore.Lock(os.Stderr), level))
		default:
			var writer zapcore.WriteSyncer
			if cfg.LogRotation.Enabled {
				writer = zapcore.AddSync(ljLogger(path, cfg.LogRotation))
			} else {
				file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if err != nil {
					return nil, fmt.Errorf("open log output %s: %w", path, err)
				}
				writer = zapcore.Lock(file)
			}
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), writer, level))
		}
	}

	core := zapcore.NewTee(cores...)

	if len(cfg.Sanitization.SensitiveFields) > 0 {
		core = NewSanitizerCore(core, cfg.Sanitization.SensitiveFields, cfg.Sanitization.Mask)
	}

	if cfg.Async.Enabled {
		core = NewAsyncCore(core, cfg.Async.BufferSize)
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	errSink, _, err := zap.Open(cfg.ErrorOutputPaths...)
	if err != nil {
		return nil, fmt.Errorf("open error outputs: %w", err)
	}
	opts = append(opts, zap.ErrorOutput(errSink))

	return zap.New(core, opts...), nil
}

// returns the global *zap.Logger.
// It panics if Init was not called successfully.
func Logger() *zap.Logger {
	if loggerInstance == nil {
		panic("Logger not initialized. Call logger.Init() before using the logger.")
	}
	return loggerInstance
}

// flushes any buffered log entries.
func Sync() error {
	if loggerInstance != nil {
		return loggerInstance.Sync()
	}
	return nil
}

// encoders decodes the encoder names in c using zapcore's own text forms
// ("capital", "iso8601", "ms", "full", ...).
func encoders(c EncodingConfig) (zapcore.LevelEncoder, zapcore.TimeEncoder, zapcore.DurationEncoder, zapcore.CallerEncoder) {
	var (
		level    zapcore.LevelEncoder
		ts       zapcore.TimeEncoder
		duration zapcore.DurationEncoder
		caller   zapcore.CallerEncoder
	)
	// zapcore's UnmarshalText never fails; unknown names select its default.
	_ = level.UnmarshalText([]byte(c.LevelEncoder))
	_ = ts.UnmarshalText([]byte(c.TimeEncoder))
	_ = duration.UnmarshalText([]byte(c.DurationEncoder))
	_ = caller.UnmarshalText([]byte(c.CallerEncoder))
	return level, ts, duration, caller
}

func ljLogger(path string, l LogRotationConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   l.Compress,
	}
}
