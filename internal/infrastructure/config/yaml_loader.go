package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"

	cfgpkg "github.com/alexisbeaulieu97/pipewright/internal/config"
	domain "github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
	apperrors "github.com/alexisbeaulieu97/pipewright/pkg/errors"
)

// YAMLLoader implements the PlanLoader port by reading YAML or JSON plan
// documents from disk.
type YAMLLoader struct {
	logger ports.Logger
}

func NewYAMLLoader(logger ports.Logger) *YAMLLoader {
	return &YAMLLoader{logger: logger}
}

func (l *YAMLLoader) Load(ctx context.Context, path string) (*domain.Plan, error) {
	if err := contextCheck(ctx); err != nil {
		return nil, err
	}

	l.logDebug(ctx, "loading plan document", map[string]interface{}{"path": path})

	plan, err := cfgpkg.ParsePlan(path)
	if err != nil {
		l.logError(ctx, "plan document rejected", err, map[string]interface{}{"path": path})
		return nil, convertError(err, path)
	}

	if err := contextCheck(ctx); err != nil {
		return nil, err
	}

	l.logInfo(ctx, "plan document loaded", map[string]interface{}{"path": path, "nodes": len(plan.Nodes)})
	return &plan, nil
}

func (l *YAMLLoader) Validate(ctx context.Context, path string) error {
	if err := contextCheck(ctx); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		l.logError(ctx, "plan path stat failed", err, map[string]interface{}{"path": path})
		return convertError(err, path)
	}
	if info.IsDir() {
		return domainError(domain.ErrCodeValidation, "plan path is a directory", nil, map[string]interface{}{"path": path})
	}

	ext := filepath.Ext(path)
	switch ext {
	case ".yaml", ".yml", ".json":
		l.logDebug(ctx, "validating plan document", map[string]interface{}{"path": path})
		_, err = l.Load(ctx, path)
	default:
		err = domainError(domain.ErrCodeValidation, "unsupported plan file extension", nil, map[string]interface{}{"path": path, "extension": ext})
	}

	return err
}

var _ ports.PlanLoader = (*YAMLLoader)(nil)

// convertError maps file-level failures onto domain codes. Plan validation
// failures keep the code of the rule they broke.
func convertError(err error, path string) error {
	if err == nil {
		return nil
	}
	var parseErr *apperrors.ParseError
	if errors.As(err, &parseErr) {
		if errors.Is(parseErr.Err, os.ErrNotExist) {
			return domainError(domain.ErrCodeNotFound, "plan document not found", parseErr.Err, map[string]interface{}{"path": path})
		}
		return domainError(domain.ErrCodeValidation, "invalid plan document syntax", err, map[string]interface{}{"path": parseErr.Path, "line": parseErr.Line})
	}
	var valErr *apperrors.ValidationError
	if errors.As(err, &valErr) {
		context := map[string]interface{}{"path": path}
		if valErr.Field != "" {
			context["field"] = valErr.Field
		}
		code := domain.ErrCodeValidation
		if inner, ok := domain.CodeOf(valErr.Err); ok {
			code = inner
		}
		return domainError(code, valErr.Message, valErr, context)
	}
	if os.IsNotExist(err) {
		return domainError(domain.ErrCodeNotFound, "plan document not found", err, map[string]interface{}{"path": path})
	}
	return domainError(domain.ErrCodeInternal, "plan document load failed", err, map[string]interface{}{"path": path})
}

func contextCheck(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return domainError(domain.ErrCodeCancelled, "operation cancelled", err, nil)
	}
	return nil
}

func domainError(code domain.ErrorCode, message string, cause error, ctx map[string]interface{}) *domain.DomainError {
	return domain.NewError(code, message, cause, ctx)
}

func (l *YAMLLoader) logDebug(ctx context.Context, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Debug(ctx, msg, flattenFields(fields)...)
}

func (l *YAMLLoader) logInfo(ctx context.Context, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Info(ctx, msg, flattenFields(fields)...)
}

func (l *YAMLLoader) logError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	payload := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["error"] = err
	l.logger.Error(ctx, msg, flattenFields(payload)...)
}

func flattenFields(fields map[string]interface{}) []interface{} {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}
