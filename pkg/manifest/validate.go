package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/ljc0311/clipforge/internal/assets/schemas"
)

// SchemaID is the schema identifier for job manifests.
const SchemaID = "clipforge/v1.0.0/job-manifest"

var (
	// ErrSchemaNotFound indicates the embedded schema could not be loaded.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g.,
	// "/scenes/0/prompt").
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
	fmt.Fprintf(&b, "manifest validation failed with %d errors:\n", len(e))
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

// Validate checks a parsed manifest: schema conformance plus the cross-field
// rules the schema cannot express.
func (m *Manifest) Validate() error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return m.validateSemantics()
}

// validateSemantics enforces rules beyond the schema's reach.
func (m *Manifest) validateSemantics() error {
	var errs ValidationErrors

	seenEngine := make(map[string]bool)
	for i, e := range m.Engines {
		p := fmt.Sprintf("/engines/%d", i)
		if seenEngine[e.ID] {
			errs = append(errs, ValidationError{Path: p + "/id", Message: fmt.Sprintf("duplicate engine id %q", e.ID)})
		}
		seenEngine[e.ID] = true
		if e.MaxClipDuration <= 0 {
			errs = append(errs, ValidationError{Path: p + "/max_clip_duration", Message: "must be positive"})
		}
		for _, d := range e.SupportedDurations {
			if d <= 0 || d > e.MaxClipDuration {
				errs = append(errs, ValidationError{Path: p + "/supported_durations",
					Message: fmt.Sprintf("duration %.1f outside (0, %.1f]", d, e.MaxClipDuration)})
			}
		}
	}

	seenScene := make(map[string]bool)
	for i, s := range m.Scenes {
		p := fmt.Sprintf("/scenes/%d", i)
		if seenScene[s.ID] {
			errs = append(errs, ValidationError{Path: p + "/id", Message: fmt.Sprintf("duplicate scene id %q", s.ID)})
		}
		seenScene[s.ID] = true
		if s.NarrationDuration <= 0 && s.NarrationAudio == "" {
			errs = append(errs, ValidationError{Path: p,
				Message: "either narration_duration or narration_audio is required"})
		}
		if s.PreferredEngine != "" && !seenEngine[s.PreferredEngine] {
			errs = append(errs, ValidationError{Path: p + "/preferred_engine",
				Message: fmt.Sprintf("unknown engine %q", s.PreferredEngine)})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateRaw checks raw JSON data against the embedded manifest schema.
// Using the raw document keeps unknown fields visible so they are rejected
// (additionalProperties: false) instead of silently ignored.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
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
		if len(schemasassets.JobManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded job-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
