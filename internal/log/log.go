// Package log provides the structured logger shared across brokerlink,
// defaulting to a package-level logrus.Logger a caller can reconfigure
// in place (e.g. to redirect output or change formatters), mirroring
// the teacher's Debug-bool-gated verbosity but carried through
// structured fields instead of Printf interpolation.
package log

import "github.com/sirupsen/logrus"

var std = logrus.New()

// Default returns the shared logger. Callers needing a different
// destination or format should mutate it in place (std.SetOutput,
// std.SetFormatter) rather than replace the variable, so packages that
// captured a *logrus.Entry earlier keep writing to the same sink.
func Default() *logrus.Logger {
	return std
}

// SetLevel adjusts verbosity of the shared logger.
func SetLevel(level logrus.Level) {
	std.SetLevel(level)
}

// WithFields returns an Entry pre-populated with fields, for call sites
// that log more than once with the same context (e.g. a connection's
// endpoint URL).
func WithFields(fields logrus.Fields) *logrus.Entry {
	return std.WithFields(fields)
}
