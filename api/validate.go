/*
validate.go - Request body decoding and validation

PURPOSE:
  Decodes JSON bodies into request DTOs and runs validator/v10 struct tags
  over them. Failures come back as core.ValidationErrors so handlers treat
  them like any other domain validation error.

CUSTOM RULES:
  - decimal.Decimal fields validate as numbers (gt=0, gte=0 and so on).
  - ugphone: Ugandan number, +256 or 0 followed by nine digits, and a
    valid UG number per libphonenumber.

FIELD NAMES:
  Errors use the JSON name, with the path for nested fields
  (items[1].quantity).
*/
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"

	"github.com/kgl/produce-engine/core"
)

const maxBodyBytes = 1 << 20

func newValidator() *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("ugphone", func(fl validator.FieldLevel) bool {
		return IsValidPhone(fl.Field().String())
	})
	return v
}

// IsValidPhone accepts +256XXXXXXXXX or 0XXXXXXXXX numbers that
// libphonenumber recognises as Ugandan.
func IsValidPhone(phone string) bool {
	if !core.ValidPhone(phone) {
		return false
	}
	p, err := libphonenumber.Parse(phone, "UG")
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(p)
}

// decode reads r's JSON body into dst and validates it.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return core.Invalid("body", "Invalid request body")
	}
	return h.check(dst)
}

func (h *Handler) check(dst any) error {
	err := h.validate.Struct(dst)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return core.Invalid("body", err.Error())
	}
	out := make(core.ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, &core.ValidationError{Field: fieldPath(fe), Message: message(fe)})
	}
	return out
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	name := fe.Field()
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", name, fe.Param())
	case "gte":
		if fe.Param() == "0" {
			return name + " cannot be negative"
		}
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", name, fe.Param())
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s needs at least %s entries", name, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s characters long", name, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "email":
		return "Invalid email address"
	case "ugphone":
		return "Invalid phone number format"
	}
	return fmt.Sprintf("%s failed %s validation", name, fe.Tag())
}
