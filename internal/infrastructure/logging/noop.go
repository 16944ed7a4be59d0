package logging

import (
	"context"

	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// NoOpLogger drops every entry. Engine components fall back to it when no
// logger is wired.
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(context.Context, string, ...interface{}) {}
func (n *NoOpLogger) Info(context.Context, string, ...interface{})  {}
func (n *NoOpLogger) Warn(context.Context, string, ...interface{})  {}
func (n *NoOpLogger) Error(context.Context, string, ...interface{}) {}

// With keeps dropping entries whatever the fields.
func (n *NoOpLogger) With(...interface{}) ports.Logger { return n }

// NewNoOpLogger returns a logger that drops every entry.
func NewNoOpLogger() ports.Logger {
	return &NoOpLogger{}
}

// OrNoOp returns logger, or a NoOpLogger when logger is nil.
func OrNoOp(logger ports.Logger) ports.Logger {
	if logger == nil {
		return NewNoOpLogger()
	}
	return logger
}
