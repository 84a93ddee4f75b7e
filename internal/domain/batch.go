package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	BatchStateReceived   = "received"
	BatchStateValidated  = "validated"
	BatchStateProcessing = "processing"
	BatchStateCompleted  = "completed"
)

// ValidationError rejects a whole batch before any file is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

type Dimensions struct {
	Width  int `form:"width" validate:"gt=0"`
	Height int `form:"height" validate:"gt=0"`
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

type UploadedFile struct {
	OriginalName string
	TempPath     string
	Extension    string
}

// NewUploadedFile derives the lowercased extension, leading dot included,
// from the original file name.
func NewUploadedFile(originalName, tempPath string) UploadedFile {
	return UploadedFile{
		OriginalName: originalName,
		TempPath:     tempPath,
		Extension:    strings.ToLower(filepath.Ext(originalName)),
	}
}

type UploadBatch struct {
	ID         string
	Dimensions Dimensions
	Files      []UploadedFile
}

type FileFailure struct {
	Name  string `json:"name"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

type ResizeResult struct {
	BatchID  string        `json:"batch_id"`
	State    string        `json:"state"`
	Outputs  []string      `json:"outputs"`
	Skipped  []string      `json:"skipped,omitempty"`
	Failures []FileFailure `json:"failures,omitempty"`
}

func (r ResizeResult) Count() int {
	return len(r.Outputs)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
	return v
}

// ParseDimensions parses raw form values into positive dimensions.
func ParseDimensions(width, height string) (Dimensions, error) {
	w, err := parseDimension("width", width)
	if err != nil {
		return Dimensions{}, err
	}
	h, err := parseDimension("height", height)
	if err != nil {
		return Dimensions{}, err
	}

	dims := Dimensions{Width: w, Height: h}
	if err := dims.Validate(0); err != nil {
		return Dimensions{}, err
	}
	return dims, nil
}

func parseDimension(field, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &ValidationError{Field: field, Reason: "is required"}
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{Field: field, Reason: "must be an integer"}
	}
	return v, nil
}

// Validate checks both sides are positive and, when maxDimension > 0,
// no larger than maxDimension.
func (d Dimensions) Validate(maxDimension int) error {
	if err := validate.Struct(d); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return &ValidationError{Field: fieldErrs[0].Field(), Reason: "must be a positive integer"}
		}
		return fmt.Errorf("validate dimensions: %w", err)
	}
	if maxDimension > 0 {
		if d.Width > maxDimension {
			return &ValidationError{Field: "width", Reason: fmt.Sprintf("must not exceed %d", maxDimension)}
		}
		if d.Height > maxDimension {
			return &ValidationError{Field: "height", Reason: fmt.Sprintf("must not exceed %d", maxDimension)}
		}
	}
	return nil
}

func (b UploadBatch) Validate(maxDimension int) error {
	if err := b.Dimensions.Validate(maxDimension); err != nil {
		return err
	}
	if len(b.Files) == 0 {
		return &ValidationError{Field: "images", Reason: "must contain at least one file"}
	}
	for i, f := range b.Files {
		if strings.TrimSpace(f.OriginalName) == "" {
			return &ValidationError{Field: fmt.Sprintf("images[%d]", i), Reason: "is missing a file name"}
		}
	}
	return nil
}

// IsValidationError reports whether err rejects the batch up front.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
