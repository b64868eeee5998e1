package validator

import (
	"fmt"
	"math"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/pauljones0/carscout/internal/models"
)

// Validator is a wrapper around the validator library.
type Validator struct {
	validate *validator.Validate
}

// New creates a new Validator instance.
func New() *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateStruct validates a struct based on its tags.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateListing checks the struct tags of an extracted record, that its
// price is finite and that its source URL is an absolute http(s) link.
func (v *Validator) ValidateListing(r models.ListingRecord) error {
	if err := v.ValidateStruct(r); err != nil {
		return err
	}
	// gte=0 lets +Inf through, and JSON cannot encode it.
	if math.IsInf(r.Price, 0) || math.IsNaN(r.Price) {
		return fmt.Errorf("validation failed: price %v is not a finite number", r.Price)
	}
	u, err := url.Parse(r.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("validation failed: source URL %q is not an absolute http(s) link", r.SourceURL)
	}
	return nil
}
