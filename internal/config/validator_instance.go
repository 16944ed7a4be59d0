package config

import (
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	topicPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	durationType  = reflect.TypeOf(time.Duration(0))
)

// validatorInstance configures and returns the shared validator instance used across the config package.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		// Report fields by their YAML key so errors point at the document.
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return field.Name
			}
			return name
		})

		_ = v.RegisterValidation("node_id", func(fl validator.FieldLevel) bool {
			return nodeIDPattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("topic", func(fl validator.FieldLevel) bool {
			return topicPattern.MatchString(fl.Field().String())
		})

		// duration accepts strictly positive time.Duration values, or strings
		// that parse as one.
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			field := fl.Field()
			if field.Type() == durationType {
				return field.Int() > 0
			}
			if field.Kind() == reflect.String {
				d, err := time.ParseDuration(field.String())
				return err == nil && d > 0
			}
			return false
		})

		validateInst = v
	})

	return validateInst
}

// GetValidator returns a configured validator instance for use outside the config package.
func GetValidator() *validator.Validate {
	return validatorInstance()
}
