package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
)

// RenderFormat is the artifact format requested from the renderer.
type RenderFormat string

const (
	RenderFormatCSV  RenderFormat = "csv"
	RenderFormatXLSX RenderFormat = "xlsx"
	RenderFormatPDF  RenderFormat = "pdf"
)

// Valid reports whether f is a supported format.
func (f RenderFormat) Valid() bool {
	return f == RenderFormatCSV || f == RenderFormatXLSX || f == RenderFormatPDF
}

// FilterOperator enumerates the comparisons a Filter may apply.
type FilterOperator string

const (
	FilterEq       FilterOperator = "eq"
	FilterNeq      FilterOperator = "neq"
	FilterGt       FilterOperator = "gt"
	FilterGte      FilterOperator = "gte"
	FilterLt       FilterOperator = "lt"
	FilterLte      FilterOperator = "lte"
	FilterIn       FilterOperator = "in"
	FilterContains FilterOperator = "contains"
)

// Valid reports whether op is known.
func (op FilterOperator) Valid() bool {
	switch op {
	case FilterEq, FilterNeq, FilterGt, FilterGte, FilterLt, FilterLte, FilterIn, FilterContains:
		return true
	default:
		return false
	}
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Filter is a single typed predicate passed to the renderer.
type Filter struct {
	Field string         `json:"field"`
	Op    FilterOperator `json:"op"`
	Value any            `json:"value"`
}

// NewFilter builds a validated Filter.
func NewFilter(field string, op FilterOperator, value any) (Filter, error) {
	f := Filter{Field: strings.TrimSpace(field), Op: op, Value: value}
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

// Validate checks that the operator and value shape agree.
func (f Filter) Validate() error {
	if !fieldPattern.MatchString(f.Field) {
		return fmt.Errorf("filter field %q is not a valid identifier", f.Field)
	}
	if !f.Op.Valid() {
		return fmt.Errorf("filter %s: unknown operator %q", f.Field, f.Op)
	}
	if f.Value == nil {
		return fmt.Errorf("filter %s: value is required", f.Field)
	}

	kind := reflect.ValueOf(f.Value).Kind()
	switch f.Op {
	case FilterIn:
		if kind != reflect.Slice && kind != reflect.Array {
			return fmt.Errorf("filter %s: operator in requires a list", f.Field)
		}
		if reflect.ValueOf(f.Value).Len() == 0 {
			return fmt.Errorf("filter %s: operator in requires at least one value", f.Field)
		}
	case FilterContains:
		if kind != reflect.String {
			return fmt.Errorf("filter %s: operator contains requires a string", f.Field)
		}
	case FilterGt, FilterGte, FilterLt, FilterLte:
		if !isOrderedKind(kind) {
			return fmt.Errorf("filter %s: operator %s requires a number or string", f.Field, f.Op)
		}
	case FilterEq, FilterNeq:
		if kind == reflect.Slice || kind == reflect.Map || kind == reflect.Array {
			return fmt.Errorf("filter %s: operator %s requires a scalar", f.Field, f.Op)
		}
	}
	return nil
}

func isOrderedKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return true
	default:
		return false
	}
}

// UnmarshalJSON decodes and validates a filter.
func (f *Filter) UnmarshalJSON(data []byte) error {
	type raw Filter
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	if err := Filter(r).Validate(); err != nil {
		return err
	}
	*f = Filter(r)
	return nil
}

// Column selects one output column. Expr optionally projects the value with JMESPath.
type Column struct {
	Name string `json:"name"`
	Expr string `json:"expr,omitempty"`
}

// Validate checks the column name and compiles the projection.
func (c Column) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("column name is required")
	}
	if strings.TrimSpace(c.Expr) == "" {
		return nil
	}
	if _, err := jmespath.Compile(c.Expr); err != nil {
		return fmt.Errorf("column %s: invalid expression: %w", c.Name, err)
	}
	return nil
}

// RenderParams is everything the renderer needs besides the template kind.
type RenderParams struct {
	Filters []Filter     `json:"filters,omitempty"`
	Columns []Column     `json:"columns,omitempty"`
	Format  RenderFormat `json:"format"`
}

// Validate validates all filters and columns.
func (p RenderParams) Validate() error {
	if !p.Format.Valid() {
		return fmt.Errorf("invalid render format %q", p.Format)
	}
	for _, f := range p.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]struct{}, len(p.Columns))
	for _, c := range p.Columns {
		if err := c.Validate(); err != nil {
			return err
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}
