package validators

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

// MaxBodyBytes caps JSON request bodies.
const MaxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("billing_interval", func(fl validator.FieldLevel) bool {
		return enums.BillingInterval(fl.Field().String()).IsValid()
	})
	return v
}

// DecodeJSONBody decodes one JSON object into dest, rejecting unknown fields
// and trailing data, then runs struct validation. Field failures are returned
// as a json-name to message map in the error details.
func DecodeJSONBody(r *http.Request, dest any) error {
	body := http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
	}()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return pkgerrors.New(pkgerrors.CodeValidation, "request body must contain a single JSON object")
	}
	if err := validate.Struct(dest); err != nil {
		return fieldErrors(err)
	}
	return nil
}

func decodeError(err error) error {
	var tooLarge *http.MaxBytesError
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	msg := "invalid request body"
	switch {
	case errors.As(err, &tooLarge):
		msg = fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
	case errors.Is(err, io.EOF):
		msg = "request body is empty"
	case errors.As(err, &syntax):
		msg = fmt.Sprintf("malformed JSON at offset %d", syntax.Offset)
	case errors.As(err, &typeErr):
		msg = fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, msg).WithDetails(map[string]any{"error": err.Error()})
}

func fieldErrors(err error) *pkgerrors.Error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
	}
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		details[fieldPath(fe)] = describe(fe)
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
}

// fieldPath drops the root struct name so nested fields read usage[0].feature_id.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	p := fe.Param()
	switch fe.Tag() {
	case "required", "required_with":
		return "is required"
	case "required_without":
		return fmt.Sprintf("is required when %s is absent", p)
	case "min", "gte":
		switch fe.Kind() {
		case reflect.String:
			return fmt.Sprintf("must be at least %s characters", p)
		case reflect.Slice:
			return fmt.Sprintf("must have at least %s items", p)
		}
		return fmt.Sprintf("must be greater than or equal to %s", p)
	case "max", "lte":
		switch fe.Kind() {
		case reflect.String:
			return fmt.Sprintf("must be at most %s characters", p)
		case reflect.Slice:
			return fmt.Sprintf("must have at most %s items", p)
		}
		return fmt.Sprintf("must be less than or equal to %s", p)
	case "len":
		return fmt.Sprintf("must be exactly %s characters", p)
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(p, " ", ", ")
	case "uuid", "uuid4":
		return "must be a valid uuid"
	case "billing_interval":
		return "must be one of: monthly, quarterly, annual, custom"
	}
	return "is invalid"
}
