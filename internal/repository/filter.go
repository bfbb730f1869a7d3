package repository

import (
	"fmt"
	"strings"
)

// Op enumerates the closed set of filter operators. Clauses are resolved
// against a static field map, so no field path is ever reflected over.
type Op int

const (
	OpEqual Op = iota
	OpLike
	OpGreaterOrEqual
	OpLessOrEqual
	OpIn
)

// Clause is a single field comparison.
type Clause struct {
	Field  string
	Op     Op
	Value  any
	Values []any // only for OpIn
}

// Filter is a composable predicate tree: either a single clause or an
// AND/OR combination of sub-filters. The zero Filter matches everything.
type Filter struct {
	Clause *Clause
	Junc   string // "AND" or "OR"
	Parts  []Filter
}

// Equal matches rows where field = value. A nil value yields an empty filter.
func Equal(field string, value any) Filter {
	if value == nil {
		return Filter{}
	}
	return Filter{Clause: &Clause{Field: field, Op: OpEqual, Value: value}}
}

// Like matches rows where field contains value, case-insensitively.
// A blank value yields an empty filter.
func Like(field, value string) Filter {
	if strings.TrimSpace(value) == "" {
		return Filter{}
	}
	return Filter{Clause: &Clause{Field: field, Op: OpLike, Value: value}}
}

// GreaterOrEqual matches rows where field >= value.
func GreaterOrEqual(field string, value any) Filter {
	if value == nil {
		return Filter{}
	}
	return Filter{Clause: &Clause{Field: field, Op: OpGreaterOrEqual, Value: value}}
}

// LessOrEqual matches rows where field <= value.
func LessOrEqual(field string, value any) Filter {
	if value == nil {
		return Filter{}
	}
	return Filter{Clause: &Clause{Field: field, Op: OpLessOrEqual, Value: value}}
}

// In matches rows where field is one of values.
func In(field string, values ...any) Filter {
	if len(values) == 0 {
		return Filter{}
	}
	return Filter{Clause: &Clause{Field: field, Op: OpIn, Values: values}}
}

// And combines filters so every one must match. Empty parts are dropped.
func And(filters ...Filter) Filter {
	return combine("AND", filters)
}

// Or combines filters so at least one must match. Empty parts are dropped.
func Or(filters ...Filter) Filter {
	return combine("OR", filters)
}

func combine(junc string, filters []Filter) Filter {
	parts := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if !f.IsZero() {
			parts = append(parts, f)
		}
	}
	if len(parts) == 0 {
		return Filter{}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return Filter{Junc: junc, Parts: parts}
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.Clause == nil && len(f.Parts) == 0
}

// ToSQL renders the filter as a SQL predicate with positional
// placeholders, resolving field names through columns. Unknown fields
// are rejected rather than interpolated.
func (f Filter) ToSQL(columns map[string]string, args *[]any) (string, error) {
	if f.IsZero() {
		return "", nil
	}
	if f.Clause != nil {
		return f.Clause.toSQL(columns, args)
	}
	rendered := make([]string, 0, len(f.Parts))
	for _, part := range f.Parts {
		sql, err := part.ToSQL(columns, args)
		if err != nil {
			return "", err
		}
		if sql != "" {
			rendered = append(rendered, sql)
		}
	}
	if len(rendered) == 0 {
		return "", nil
	}
	if len(rendered) == 1 {
		return rendered[0], nil
	}
	return "(" + strings.Join(rendered, " "+f.Junc+" ") + ")", nil
}

func (c *Clause) toSQL(columns map[string]string, args *[]any) (string, error) {
	column, ok := columns[c.Field]
	if !ok {
		return "", fmt.Errorf("unknown filter field %q", c.Field)
	}

	switch c.Op {
	case OpEqual:
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s = $%d", column, len(*args)), nil
	case OpLike:
		*args = append(*args, "%"+strings.ToLower(fmt.Sprintf("%v", c.Value))+"%")
		return fmt.Sprintf("LOWER(%s) LIKE $%d", column, len(*args)), nil
	case OpGreaterOrEqual:
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s >= $%d", column, len(*args)), nil
	case OpLessOrEqual:
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s <= $%d", column, len(*args)), nil
	case OpIn:
		placeholders := make([]string, 0, len(c.Values))
		for _, v := range c.Values {
			*args = append(*args, v)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(*args)))
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), nil
	default:
		return "", fmt.Errorf("unknown filter operator %d", c.Op)
	}
}

// Sort names a whitelisted field and a direction for paged queries.
type Sort struct {
	Field string
	Desc  bool
}

// PageRequest carries paging and sorting for FindPage.
type PageRequest struct {
	Page int
	Size int
	Sort Sort
}
