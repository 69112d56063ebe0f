package llm

import (
	"errors"
	"log/slog"
	"strings"
)

const redacted = "***REDACTED***"

// Secret holds a credential. It never renders its value through fmt or slog.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// Reveal returns the raw credential for use on the wire.
func (s Secret) Reveal() string {
	return string(s)
}

// Redact replaces every occurrence of the given secrets in msg.
func Redact(msg string, secrets ...Secret) string {
	for _, s := range secrets {
		if len(s) < 4 {
			continue
		}
		msg = strings.ReplaceAll(msg, string(s), redacted)
	}
	return msg
}

// RedactedError wraps an error so its message never contains the given secrets.
// errors.Is / errors.As still see the original chain.
type RedactedError struct {
	err     error
	secrets []Secret
}

// RedactError wraps err; nil stays nil.
func RedactError(err error, secrets ...Secret) error {
	if err == nil {
		return nil
	}
	var already *RedactedError
	if errors.As(err, &already) && len(secrets) == 0 {
		return err
	}
	return &RedactedError{err: err, secrets: secrets}
}

func (e *RedactedError) Error() string {
	return Redact(e.err.Error(), e.secrets...)
}

func (e *RedactedError) Unwrap() error {
	return e.err
}
