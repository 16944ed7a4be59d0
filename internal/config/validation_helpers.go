package config

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	pwerrors "github.com/alexisbeaulieu97/pipewright/pkg/errors"
)

// convertValidationError normalizes validator errors into pipewright validation errors.
func convertValidationError(err error) error {
	if err == nil {
		return nil
	}

	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		ve := ves[0]
		field := yamlishFieldName(ve)
		msg := fmt.Sprintf("%s failed validation for tag '%s'", field, ve.Tag())
		if ve.Param() != "" {
			msg = fmt.Sprintf("%s failed validation for tag '%s=%s'", field, ve.Tag(), ve.Param())
		}
		return pwerrors.NewValidationError(field, msg, err)
	}

	return pwerrors.NewValidationError("config", err.Error(), err)
}

// yamlishFieldName drops the root struct name from the namespace, along
// with Go-named segments of records that have no YAML key of their own.
func yamlishFieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.Namespace(), ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	kept := parts[:0]
	for _, part := range parts {
		if part != "" && unicode.IsUpper(rune(part[0])) {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, ".")
}

func fieldForNode(index int, field string) string {
	return fmt.Sprintf("nodes[%d].%s", index, field)
}

// convertPlanError wraps a plan validation failure so callers can match
// either the file-level ValidationError or the underlying domain code.
func convertPlanError(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *pipeline.DomainError
	if !errors.As(err, &domainErr) {
		return pwerrors.NewValidationError("plan", err.Error(), err)
	}

	field := "plan"
	if nodeID, ok := domainErr.Context["node_id"].(string); ok && nodeID != "" {
		field = "nodes." + nodeID
	}
	msg := domainErr.Message
	if id, ok := domainErr.Context["id"].(string); ok && id != "" {
		msg = fmt.Sprintf("%s: %s", msg, id)
	}
	if path, ok := domainErr.Context["path"].([]string); ok && len(path) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(path, " -> "))
	}
	return pwerrors.NewValidationError(field, msg, err)
}
