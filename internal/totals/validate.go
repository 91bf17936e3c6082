package totals

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrInvalidInput is matched by every *InputError.
var ErrInvalidInput = errors.New("totals: invalid input")

// FieldError describes one rejected input field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// InputError lists every field that violates the line or configuration
// preconditions.
type InputError struct {
	Fields []FieldError
}

func (e *InputError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Param != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", f.Field, f.Rule, f.Param))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", f.Field, f.Rule))
	}
	return "totals: invalid input: " + strings.Join(parts, "; ")
}

// Is reports ErrInvalidInput.
func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

type document struct {
	Lines  []Line `json:"lines" validate:"dive"`
	Config Config `json:"config"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate = v
	})
	return validate
}

// Validate checks the caller-side preconditions Compute relies on: quantities
// and prices are non-negative and every percentage lies in [0, 100].
func Validate(lines []Line, cfg Config) error {
	err := validatorInstance().Struct(document{Lines: lines, Config: cfg})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("totals: validate: %w", err)
	}
	out := &InputError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field: strings.TrimPrefix(fe.Namespace(), "document."),
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}
