package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"invoicehub/backend/internal/domain"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every rule a request broke.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field string, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) errOrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	return v
}

func (s *Service) validateRequest(req domain.InvoiceRequest) error {
	verr := &ValidationError{}
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			verr.add(fieldPath(fe.Namespace()), ruleMessage(fe))
		}
	}

	nonNegative(verr, "invoice.subtotal", req.Invoice.Subtotal)
	nonNegative(verr, "invoice.freight", req.Invoice.Freight)
	nonNegative(verr, "invoice.discount", req.Invoice.Discount)
	nonNegative(verr, "invoice.total", req.Invoice.Total)
	for i, item := range req.LineItems {
		prefix := fmt.Sprintf("lineItems[%d]", i)
		nonNegative(verr, prefix+".unitPrice", item.UnitPrice)
		nonNegative(verr, prefix+".lineTotal", item.LineTotal)
		if item.IsFreeFromScheme && strings.TrimSpace(item.ProductID) == "" {
			verr.add(prefix+".productId", "is required for a scheme item")
		}
	}
	return verr.errOrNil()
}

func (s *Service) validateStatus(status string) error {
	if err := s.validate.Var(status, "required,oneof=draft sent paid overdue"); err != nil {
		verr := &ValidationError{}
		verr.add("status", "must be one of: draft sent paid overdue")
		return verr
	}
	return nil
}

func (s *Service) validateFilter(filter domain.InvoiceFilter) error {
	verr := &ValidationError{}
	if err := s.validate.Var(filter.InvoiceType, "omitempty,oneof=receivable payable"); err != nil {
		verr.add("invoiceType", "must be one of: receivable payable")
	}
	if err := s.validate.Var(filter.Status, "omitempty,oneof=draft sent paid overdue"); err != nil {
		verr.add("status", "must be one of: draft sent paid overdue")
	}
	return verr.errOrNil()
}

func nonNegative(verr *ValidationError, field string, value decimal.Decimal) {
	if value.IsNegative() {
		verr.add(field, "must not be negative")
	}
}

// fieldPath drops the root type name, leaving e.g. "lineItems[0].quantity".
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gtefield":
		return "must not be before " + lowerFirst(fe.Param())
	default:
		return "is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
