package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper carries the standard "package" and "function" fields through a
// chain of field additions. Each With* call returns a new helper so a base
// logger can be shared between branches of a function.
type LoggerHelper struct {
	entry *logrus.Entry
}

// NewLogger returns a helper for a function in the crypto package.
func NewLogger(function string) *LoggerHelper {
	return NewPackageLogger("crypto", function)
}

// NewPackageLogger returns a helper tagged with an arbitrary package name.
func NewPackageLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{
		entry: logrus.WithFields(logrus.Fields{
			"package":  pkg,
			"function": function,
		}),
	}
}

// WithField adds a custom field.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithField(key, value)}
}

// WithFields adds multiple custom fields.
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithFields(fields)}
}

// WithError adds error information. errorType distinguishes failure classes
// such as "crypto" and "trust" so policy failures can be filtered apart.
func (l *LoggerHelper) WithError(err error, errorType, operation string) *LoggerHelper {
	return l.WithFields(logrus.Fields{
		"error":      err.Error(),
		"error_type": errorType,
		"operation":  operation,
	})
}

// Debug logs a debug message.
func (l *LoggerHelper) Debug(message string) { l.entry.Debug(message) }

// Info logs an info message.
func (l *LoggerHelper) Info(message string) { l.entry.Info(message) }

// Warn logs a warning message.
func (l *LoggerHelper) Warn(message string) { l.entry.Warn(message) }

// Error logs an error message.
func (l *LoggerHelper) Error(message string) { l.entry.Error(message) }

// SecureFieldHash creates a short preview of sensitive data for logging.
// Only the first 8 bytes are shown.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		previewLen := 8
		if len(data) < previewLen {
			previewLen = len(data)
		}
		preview = fmt.Sprintf("%x", data[:previewLen])
		if len(data) > previewLen {
			preview += "..."
		}
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
