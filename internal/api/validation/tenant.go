package validation

import (
	"errors"
	"regexp"
	"strings"

	"github.com/daap14/tenantdb/internal/naming"
)

var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// FieldError represents a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ProvisionRequest mirrors the optional overrides of a provision request.
type ProvisionRequest struct {
	DisplayName string
	Slug        string
}

// ValidateProvisionRequest validates the fields of a provision request.
// Both fields are optional; empty values fall back to the tenant record.
// Returns a slice of field errors; empty slice means valid.
func ValidateProvisionRequest(req ProvisionRequest) []FieldError {
	var errs []FieldError

	if req.DisplayName != "" {
		err := naming.ValidateIdentifier(naming.DeriveDatabaseIdentifier(req.DisplayName))
		switch {
		case errors.Is(err, naming.ErrEmptyIdentifier):
			errs = append(errs, FieldError{Field: "displayName", Message: "displayName must contain at least one letter, digit or underscore"})
		case errors.Is(err, naming.ErrIdentifierTooLong):
			errs = append(errs, FieldError{Field: "displayName", Message: "displayName yields a database name longer than 63 bytes"})
		}
	}

	if req.Slug != "" {
		if !slugRegex.MatchString(req.Slug) {
			errs = append(errs, FieldError{Field: "slug", Message: "slug must be lowercase alphanumeric with hyphens, 1-63 characters"})
		} else if strings.Contains(req.Slug, "--") {
			errs = append(errs, FieldError{Field: "slug", Message: "slug must not contain consecutive hyphens"})
		}
	}

	return errs
}

// ValidateDropRequest validates the confirmation of a drop request.
func ValidateDropRequest(confirmation string) []FieldError {
	if confirmation == "" {
		return []FieldError{{Field: "confirmation", Message: "confirmation is required and must equal the tenant database name"}}
	}
	return nil
}
