package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// Options configures the zerolog adapter.
type Options struct {
	Writer        io.Writer
	Level         string
	HumanReadable bool
	Component     string
	Fields        map[string]interface{}
}

// Logger implements ports.Logger on top of zerolog.
type Logger struct {
	logger zerolog.Logger
	fields []interface{}
}

// New creates a Logger adapter with the supplied options.
func New(opts Options) (*Logger, error) {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}

	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	if opts.HumanReadable {
		console := zerolog.NewConsoleWriter()
		console.Out = writer
		console.TimeFormat = time.RFC3339
		writer = console
	}

	base := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return FromZerolog(base, opts.Component, opts.Fields), nil
}

// FromZerolog adapts an existing zerolog logger.
func FromZerolog(base zerolog.Logger, component string, fields map[string]interface{}) *Logger {
	persistent := mapToFields(fields)
	if component != "" {
		persistent = append([]interface{}{"component", component}, persistent...)
	}
	return &Logger{logger: base, fields: persistent}
}

// Debug emits a debug log entry.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, zerolog.DebugLevel, msg, fields...)
}

// Info emits an info log entry.
func (l *Logger) Info(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, zerolog.InfoLevel, msg, fields...)
}

// Warn emits a warning log entry.
func (l *Logger) Warn(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, zerolog.WarnLevel, msg, fields...)
}

// Error emits an error log entry.
func (l *Logger) Error(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, zerolog.ErrorLevel, msg, fields...)
}

// With derives a new logger with persistent fields.
func (l *Logger) With(fields ...interface{}) ports.Logger {
	if l == nil {
		return &NoOpLogger{}
	}
	next := make([]interface{}, len(l.fields), len(l.fields)+len(fields))
	copy(next, l.fields)
	next = append(next, fields...)
	return &Logger{
		logger: l.logger,
		fields: next,
	}
}

func (l *Logger) log(ctx context.Context, level zerolog.Level, msg string, fields ...interface{}) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(level)
	if event == nil {
		return
	}

	extras := map[string]interface{}{}
	if id := ports.GetCorrelationID(ctx); id != "" {
		extras["correlation_id"] = id
	}
	payload := mergeFields(l.fields, fields, extras)
	for i := 0; i+1 < len(payload); i += 2 {
		key := payload[i].(string)
		switch value := payload[i+1].(type) {
		case error:
			event = event.AnErr(key, value)
		case time.Duration:
			event = event.Dur(key, value)
		case fmt.Stringer:
			event = event.Stringer(key, value)
		default:
			event = event.Interface(key, value)
		}
	}
	event.Msg(msg)
}

func mapToFields(input map[string]interface{}) []interface{} {
	if len(input) == 0 {
		return nil
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := make([]interface{}, 0, len(input)*2)
	for _, k := range keys {
		res = append(res, k, input[k])
	}
	return res
}

func mergeFields(base []interface{}, additions []interface{}, extras map[string]interface{}) []interface{} {
	store := make(map[string]interface{})
	order := make([]string, 0)

	addPair := func(key string, value interface{}) {
		if key == "" {
			return
		}
		if _, exists := store[key]; !exists {
			order = append(order, key)
		}
		store[key] = value
	}

	process := func(values []interface{}) {
		for i := 0; i+1 < len(values); i += 2 {
			key, ok := values[i].(string)
			if !ok {
				continue
			}
			addPair(key, values[i+1])
		}
	}

	process(base)
	process(additions)
	if len(extras) > 0 {
		extraKeys := make([]string, 0, len(extras))
		for key, value := range extras {
			if s, ok := value.(string); ok && s == "" {
				continue
			}
			extraKeys = append(extraKeys, key)
		}
		sort.Strings(extraKeys)
		for _, key := range extraKeys {
			addPair(key, extras[key])
		}
	}

	result := make([]interface{}, 0, len(order)*2)
	for _, key := range order {
		result = append(result, key, store[key])
	}
	return result
}

var _ ports.Logger = (*Logger)(nil)
