package jobs

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/packmirror/packmirror/internal/assets/schemas"
)

// SchemaID is the schema identifier for job specs.
const SchemaID = "packmirror/v1.0.0/job-spec"

// ErrSchemaNotFound indicates the embedded schema could not be loaded.
var ErrSchemaNotFound = errors.New("job spec schema not found")

// ErrValidationFailed indicates the payload failed schema validation.
var ErrValidationFailed = errors.New("job spec validation failed")

var (
	specValidatorOnce sync.Once
	specValidator     *schema.Validator
	specValidatorErr  error
)

// ValidationError is a single schema violation.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/mode").
	Path string

	// Message describes the validation failure.
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("job spec validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateSpecJSON checks a raw create-job payload against the job-spec
// schema. Unlike decoding into Spec, this rejects unknown fields and
// reports every violation with its JSON pointer.
//
// The schema is embedded at compile time, so validation works correctly
// in installed binaries without schema files on disk.
func ValidateSpecJSON(jsonData []byte) error {
	v, err := getSpecValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{
				Path:    d.Pointer,
				Message: d.Message,
			})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// getSpecValidator returns a cached validator compiled from the embedded
// schema. Compiled once on first use, thread-safe via sync.Once.
func getSpecValidator() (*schema.Validator, error) {
	specValidatorOnce.Do(func() {
		if len(schemasassets.JobSpecSchema) == 0 {
			specValidatorErr = fmt.Errorf("%w: embedded job-spec schema is empty", ErrSchemaNotFound)
			return
		}
		specValidator, specValidatorErr = schema.NewValidator(schemasassets.JobSpecSchema)
		if specValidatorErr != nil {
			specValidatorErr = fmt.Errorf("failed to compile job-spec schema: %w", specValidatorErr)
		}
	})
	return specValidator, specValidatorErr
}
