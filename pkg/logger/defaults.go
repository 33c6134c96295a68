package logger

// Provides fallback logging settings when no log config file is present.
var DefaultConfig = Config{
	Level:       "info",
	OutputPaths: []string{"stdout"},
	ErrorOutputPaths: []string{
		"stderr",
	},
	Development: false,
	Async: AsyncConfig{
		Enabled:    false,
		BufferSize: 1000,
	},
	EncodingConfig: EncodingConfig{
		TimeKey:         "time",
		LevelKey:        "level",
		NameKey:         "logger",
		CallerKey:       "caller",
		MessageKey:      "msg",
		StacktraceKey:   "stacktrace",
		LineEnding:      "\n",
		LevelEncoder:    "lowercase",
		TimeEncoder:     "iso8601",
		DurationEncoder: "string",
		CallerEncoder:   "short",
	},
	LogRotation: LogRotationConfig{
		Enabled:    true,
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	},
	Sanitization: SanitizationConfig{
		SensitiveFields: []string{
			"authorization",
			"api_key",
			"x-api-key",
			"password",
			"token",
			"access_token",
			"refresh_token",
		},
		Mask: "****",
	},
}

func assignDefaultValues(cfg *Config) {
	if cfg.Level == "" {
		cfg.Level = DefaultConfig.Level
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = DefaultConfig.OutputPaths
	}
	if len(cfg.ErrorOutputPaths) == 0 {
		cfg.ErrorOutputPaths = DefaultConfig.ErrorOutputPaths
	}
	if cfg.Async.BufferSize == 0 {
		cfg.Async.BufferSize = DefaultConfig.Async.BufferSize
	}

	enc := &cfg.EncodingConfig
	def := DefaultConfig.EncodingConfig
	if enc.TimeKey == "" {
		enc.TimeKey = def.TimeKey
	}
	if enc.LevelKey == "" {
		enc.LevelKey = def.LevelKey
	}
	if enc.NameKey == "" {
		enc.NameKey = def.NameKey
	}
	if enc.CallerKey == "" {
		enc.CallerKey = def.CallerKey
	}
	if enc.MessageKey == "" {
		enc.MessageKey = def.MessageKey
	}
	if enc.StacktraceKey == "" {
		enc.StacktraceKey = def.StacktraceKey
	}
	if enc.LineEnding == "" {
		enc.LineEnding = def.LineEnding
	}
	if enc.LevelEncoder == "" {
		enc.LevelEncoder = def.LevelEncoder
	}
	if enc.TimeEncoder == "" {
		enc.TimeEncoder = def.TimeEncoder
	}
	if enc.DurationEncoder == "" {
		enc.DurationEncoder = def.DurationEncoder
	}
	if enc.CallerEncoder == "" {
		enc.CallerEncoder = def.CallerEncoder
	}

	if cfg.LogRotation.MaxSizeMB == 0 {
		cfg.LogRotation.MaxSizeMB = DefaultConfig.LogRotation.MaxSizeMB
	}
	if cfg.LogRotation.MaxBackups == 0 {
		cfg.LogRotation.MaxBackups = DefaultConfig.LogRotation.MaxBackups
	}
	if cfg.LogRotation.MaxAgeDays == 0 {
		cfg.LogRotation.MaxAgeDays = DefaultConfig.LogRotation.MaxAgeDays
	}
	if cfg.Sanitization.Mask == "" {
		cfg.Sanitization.Mask = DefaultConfig.Sanitization.Mask
	}
}
