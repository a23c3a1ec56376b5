// Package validator checks OHLCV records before they reach a store. The
// rules live as validate tags on models.Record.
package validator

import (
	"fmt"
	"reflect"
	"strings"

	govalidator "github.com/go-playground/validator/v10"

	"market_sync_backend/models"
)

var validate = newValidate()

func newValidate() *govalidator.Validate {
	v := govalidator.New(govalidator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	// Registration only fails on an empty tag or nil func.
	_ = v.RegisterValidation("notblank", func(fl govalidator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// ValidationError names the offending field. Validation failures are
// permanent and never retried.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Errors is the full set of problems found on one record.
type Errors []ValidationError

func (es Errors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Validate returns the record unchanged when it is well formed, or every
// violation found, at most one per field.
func Validate(r models.Record) (models.Record, Errors) {
	err := validate.Struct(r)
	if err == nil {
		return r, nil
	}
	fieldErrs, ok := err.(govalidator.ValidationErrors)
	if !ok {
		return r, Errors{{Field: "record", Reason: err.Error()}}
	}
	errs := make(Errors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{Field: fe.Field(), Reason: reason(fe)})
	}
	return r, errs
}

func reason(fe govalidator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "required"
	case "gt":
		return "must be positive"
	case "lt":
		return "out of range"
	case "max":
		return "too long"
	case "min":
		return "must not be negative"
	case "gtefield":
		return "must be >= " + strings.ToLower(fe.Param())
	case "ltefield":
		return "must be <= " + strings.ToLower(fe.Param())
	}
	return "failed " + fe.Tag()
}

// Filter splits records into valid ones, preserving order, and the count of
// rejected ones.
func Filter(records []models.Record) ([]models.Record, int) {
	valid := make([]models.Record, 0, len(records))
	for _, r := range records {
		if _, errs := Validate(r); errs == nil {
			valid = append(valid, r)
		}
	}
	return valid, len(records) - len(valid)
}
