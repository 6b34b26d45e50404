package fetchkit

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Logger is the minimal leveled logger fetchkit writes debug output to.
// Adapters for the host application's logging stack implement these
// four methods; arguments are alternating key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// SimpleLogger writes key-value pairs through the standard log package.
// Intended for examples and tests, not production observability.
type SimpleLogger struct {
	l *log.Logger
}

// NewSimpleLogger creates a logger writing to stderr.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{l: log.New(os.Stderr, "fetchkit ", log.LstdFlags|log.Lmicroseconds)}
}

func (s *SimpleLogger) Debug(msg string, keysAndValues ...any) { s.logf("DEBUG", msg, keysAndValues) }
func (s *SimpleLogger) Info(msg string, keysAndValues ...any)  { s.logf("INFO", msg, keysAndValues) }
func (s *SimpleLogger) Warn(msg string, keysAndValues ...any)  { s.logf("WARN", msg, keysAndValues) }
func (s *SimpleLogger) Error(msg string, keysAndValues ...any) { s.logf("ERROR", msg, keysAndValues) }

func (s *SimpleLogger) logf(level, msg string, keysAndValues []any) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	s.l.Println(b.String())
}

// DebugConfig toggles per-concern debug logging. All flags default to
// on when debug is enabled; disable individual ones to cut noise.
type DebugConfig struct {
	Enabled bool

	LogRequests  bool
	LogRetries   bool
	LogDedup     bool
	LogRateLimit bool
	LogCircuit   bool
	LogNotify    bool

	// RequestIDGen produces the correlation ID attached to a request's
	// log lines and errors.
	RequestIDGen func() string
}

// DefaultDebugConfig returns a config with every concern enabled and
// UUID request IDs.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		LogRequests:  true,
		LogRetries:   true,
		LogDedup:     true,
		LogRateLimit: true,
		LogCircuit:   true,
		LogNotify:    true,
		RequestIDGen: uuid.NewString,
	}
}
