package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SanitizerCore wraps a zapcore.Core and masks the values of sensitive
// fields, such as credentials for the outbound providers.
type SanitizerCore struct {
	zapcore.Core
	sensitive map[string]struct{}
	mask      string
}

// NewSanitizerCore creates a new SanitizerCore. Field names match
// case-insensitively, and "-" and "_" are treated alike.
func NewSanitizerCore(core zapcore.Core, sensitiveFields []string, mask string) *SanitizerCore {
	sensitive := make(map[string]struct{}, len(sensitiveFields))
	for _, f := range sensitiveFields {
		sensitive[normalizeKey(f)] = struct{}{}
	}
	return &SanitizerCore{
		Core:      core,
		sensitive: sensitive,
		mask:      mask,
	}
}

// With adds structured context to the core. Context fields are masked
// before they are bound.
func (s *SanitizerCore) With(fields []zapcore.Field) zapcore.Core {
	return &SanitizerCore{
		Core:      s.Core.With(s.sanitize(fields)),
		sensitive: s.sensitive,
		mask:      s.mask,
	}
}

// Check determines whether the supplied Entry should be logged.
func (s *SanitizerCore) Check(entry zapcore.Entry, checkedEntry *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checkedEntry.AddCore(entry, s)
	}
	return checkedEntry
}

// Write serializes the Entry and any Fields and writes them to the destination.
func (s *SanitizerCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return s.Core.Write(entry, s.sanitize(fields))
}

// sanitize returns fields with sensitive values replaced by the mask. The
// input slice is never modified.
func (s *SanitizerCore) sanitize(fields []zapcore.Field) []zapcore.Field {
	var masked []zapcore.Field
	for i, field := range fields {
		if _, ok := s.sensitive[normalizeKey(field.Key)]; !ok {
			continue
		}
		if masked == nil {
			masked = make([]zapcore.Field, len(fields))
			copy(masked, fields)
		}
		masked[i] = zap.String(field.Key, s.mask)
	}
	if masked == nil {
		return fields
	}
	return masked
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "-", "_")
}
