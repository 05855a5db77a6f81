package behavior

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

// apiNamePattern matches "service:Method" names such as "s3:ListBuckets".
var apiNamePattern = regexp.MustCompile(`^[a-z0-9-]+:[A-Z][A-Za-z0-9]*$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator with the lab's custom tags
// registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterValidation("api_name", func(fl validator.FieldLevel) bool {
			return apiNamePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Validate runs struct validation on any behavior value.
func Validate(v any) error {
	if err := Validator().Struct(v); err != nil {
		return fmt.Errorf("behavior: validation failed: %w", err)
	}
	return nil
}

// IsAPIName reports whether s looks like "service:Method".
func IsAPIName(s string) bool {
	return apiNamePattern.MatchString(s)
}
