package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pixelforge/pixelforge/internal/catalog"
)

// Kind labels the first failed check. Exactly one kind is reported per call.
type Kind string

const (
	KindMissingField  Kind = "missing_field"
	KindInvalidUserID Kind = "invalid_user_id"
	KindInvalidModel  Kind = "invalid_model"
	KindInvalidStyle  Kind = "invalid_style"
	KindInvalidColor  Kind = "invalid_color"
	KindInvalidSize   Kind = "invalid_size"
	KindInvalidPrompt Kind = "invalid_prompt"
)

// ValidationError reports the first check that failed. No state is mutated
// by validation; callers map this straight to a bad-request response.
type ValidationError struct {
	Kind    Kind
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Request is the unvalidated input to a generation request.
type Request struct {
	UserID string `json:"userId"`
	Model  string `json:"model"`
	Style  string `json:"style"`
	Color  string `json:"color"`
	Size   string `json:"size"`
	Prompt string `json:"prompt"`
}

const maxPromptLength = 1000

var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// Validator checks generation requests against the option catalog.
type Validator struct {
	catalog *catalog.Catalog
}

// New builds a validator over the given catalog handle.
func New(c *catalog.Catalog) *Validator {
	return &Validator{catalog: c}
}

// Validate runs the checks in a fixed order and stops at the first failure:
// required fields, user id format, model, style, color, size, prompt length.
// On success it returns the credit cost for the requested size and the
// request with surrounding whitespace trimmed from free-text fields.
func (v *Validator) Validate(req Request) (int64, Request, error) {
	normalized := Request{
		UserID: strings.TrimSpace(req.UserID),
		Model:  req.Model,
		Style:  req.Style,
		Color:  req.Color,
		Size:   req.Size,
		Prompt: strings.TrimSpace(req.Prompt),
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"userId", normalized.UserID},
		{"model", normalized.Model},
		{"style", normalized.Style},
		{"color", normalized.Color},
		{"size", normalized.Size},
		{"prompt", normalized.Prompt},
	} {
		if field.value == "" {
			return 0, Request{}, &ValidationError{
				Kind:    KindMissingField,
				Field:   field.name,
				Message: fmt.Sprintf("missing required field: %s", field.name),
			}
		}
	}

	if !userIDPattern.MatchString(normalized.UserID) {
		return 0, Request{}, &ValidationError{
			Kind:    KindInvalidUserID,
			Field:   "userId",
			Message: "userId must be 1-128 characters of letters, digits, dash, or underscore",
		}
	}
	if !v.catalog.HasModel(normalized.Model) {
		return 0, Request{}, &ValidationError{
			Kind:    KindInvalidModel,
			Field:   "model",
			Message: fmt.Sprintf("invalid model, must be one of: %s", strings.Join(v.catalog.Models(), ", ")),
		}
	}
	if !v.catalog.HasStyle(normalized.Style) {
		return 0, Request{}, &ValidationError{
			Kind:    KindInvalidStyle,
			Field:   "style",
			Message: fmt.Sprintf("invalid style, must be one of: %s", strings.Join(v.catalog.Styles(), ", ")),
		}
	}
	if !v.catalog.HasColor(normalized.Color) {
		return 0, Request{}, &ValidationError{
			Kind:    KindInvalidColor,
			Field:   "color",
			Message: fmt.Sprintf("invalid color, must be one of: %s", strings.Join(v.catalog.Colors(), ", ")),
		}
	}
	cost, ok := v.catalog.Cost(normalized.Size)
	if !ok {
		return 0, Request{}, &ValidationError{
			Kind:    KindInvalidSize,
			Field:   "size",
			Message: fmt.Sprintf("invalid size, must be one of: %s", strings.Join(v.catalog.Sizes(), ", ")),
		}
	}
	if len(normalized.Prompt) > maxPromptLength {
		return 0, Request{}, &ValidationError{
			Kind:    KindInvalidPrompt,
			Field:   "prompt",
			Message: fmt.Sprintf("prompt must be at most %d characters", maxPromptLength),
		}
	}

	return cost, normalized, nil
}
