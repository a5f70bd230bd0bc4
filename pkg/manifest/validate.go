package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/golade/internal/assets/schemas"
)

// SchemaID is the schema identifier for project files.
const SchemaID = "golade/v1.0.0/project"

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("project schema not found")

	// ErrValidationFailed indicates the project file failed schema validation.
	ErrValidationFailed = errors.New("project file validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single schema violation.
type ValidationError struct {
	// Path is the JSON pointer of the offending field, e.g. "/run/timeout".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every violation found in one document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "project file validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks a decoded manifest. Unknown fields are already gone at this
// point; use ValidateRaw on the original document to reject them.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize project file for validation: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks a JSON document against the embedded project schema.
// It returns ValidationErrors listing every error-severity diagnostic.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// getValidator compiles the embedded schema once.
func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.ProjectSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded project schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.ProjectSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile project schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
