// Package logging provides structured logging with component scoping
// and trace IDs.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging interface used throughout the engine.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)

	// Context-aware variants pick up the trace ID stored in ctx.
	InfoContext(ctx context.Context, msg string, fields ...any)
	ErrorContext(ctx context.Context, msg string, fields ...any)

	WithComponent(component string) Logger
}

// LogLevel represents logging levels.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// ParseLogLevel parses a level name, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type contextKey string

// TraceIDKey is the context key carrying the request trace ID.
const TraceIDKey contextKey = "trace_id"

// GenerateTraceID returns a fresh trace ID.
func GenerateTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores a trace ID in ctx, generating one if empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID extracts the trace ID from ctx, if any.
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

type entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// StructuredLogger writes leveled JSON (or plain text) log lines.
type StructuredLogger struct {
	level     LogLevel
	component string
	useJSON   bool
}

// NewLogger creates a structured logger. Output format follows the
// LOG_JSON environment variable (default JSON).
func NewLogger(level LogLevel) Logger {
	useJSON := true
	if v := os.Getenv("LOG_JSON"); v != "" {
		useJSON = v == "true" || v == "1"
	}
	return &StructuredLogger{level: level, useJSON: useJSON}
}

// WithComponent returns a logger scoped to a component name.
func (l *StructuredLogger) WithComponent(component string) Logger {
	return &StructuredLogger{level: l.level, component: component, useJSON: l.useJSON}
}

func (l *StructuredLogger) Debug(msg string, fields ...any) { l.log(DEBUG, "DEBUG", msg, "", fields) }
func (l *StructuredLogger) Info(msg string, fields ...any)  { l.log(INFO, "INFO", msg, "", fields) }
func (l *StructuredLogger) Warn(msg string, fields ...any)  { l.log(WARN, "WARN", msg, "", fields) }
func (l *StructuredLogger) Error(msg string, fields ...any) { l.log(ERROR, "ERROR", msg, "", fields) }

func (l *StructuredLogger) InfoContext(ctx context.Context, msg string, fields ...any) {
	l.log(INFO, "INFO", msg, GetTraceID(ctx), fields)
}

func (l *StructuredLogger) ErrorContext(ctx context.Context, msg string, fields ...any) {
	l.log(ERROR, "ERROR", msg, GetTraceID(ctx), fields)
}

func (l *StructuredLogger) log(level LogLevel, name, msg, traceID string, fields []any) {
	if l.level > level {
		return
	}

	fieldMap := make(map[string]any, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		fieldMap[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     name,
		Message:   msg,
		Component: l.component,
		TraceID:   traceID,
		Fields:    fieldMap,
	}

	if l.useJSON {
		data, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}

	parts := []string{e.Timestamp, "[" + e.Level + "]"}
	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}
	if e.TraceID != "" && len(e.TraceID) >= 8 {
		parts = append(parts, "trace:"+e.TraceID[:8])
	}
	parts = append(parts, e.Message)
	for k, v := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	fmt.Println(strings.Join(parts, " "))
}

// NewNoop returns a logger that discards everything; used in tests.
func NewNoop() Logger {
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any)                         {}
func (noopLogger) Info(string, ...any)                          {}
func (noopLogger) Warn(string, ...any)                          {}
func (noopLogger) Error(string, ...any)                         {}
func (noopLogger) InfoContext(context.Context, string, ...any)  {}
func (noopLogger) ErrorContext(context.Context, string, ...any) {}
func (noopLogger) WithComponent(string) Logger                  { return noopLogger{} }
