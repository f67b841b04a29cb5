// Package query runs CRUD and OData-style list queries against a tenant table
// whose columns are only known at runtime.
package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Comparison operators
const (
	OpEq = "eq"
	OpNe = "ne"
	OpGt = "gt"
	OpGe = "ge"
	OpLt = "lt"
	OpLe = "le"
)

// Logical operators
const (
	OpAnd = "and"
	OpOr  = "or"
)

// String functions
const (
	FuncContains   = "contains"
	FuncStartsWith = "startswith"
	FuncEndsWith   = "endswith"
)

var comparisonOps = map[string]bool{OpEq: true, OpNe: true, OpGt: true, OpGe: true, OpLt: true, OpLe: true}

var stringFuncs = map[string]bool{FuncContains: true, FuncStartsWith: true, FuncEndsWith: true}

// Expr is a node of a parsed filter.
type Expr interface {
	isExpr()
}

// Compare is "column op literal". A nil Value is the null literal.
type Compare struct {
	Column string
	Op     string
	Value  interface{}
}

// Logical joins two expressions with and/or.
type Logical struct {
	Op          string
	Left, Right Expr
}

// Not negates an expression.
type Not struct {
	Expr Expr
}

// Call is a string function such as contains(name,'ad').
type Call struct {
	Func   string
	Column string
	Value  string
}

func (Compare) isExpr() {}
func (Logical) isExpr() {}
func (Not) isExpr()     {}
func (Call) isExpr()    {}

// And joins exprs with and, skipping nil entries.
func And(exprs ...Expr) Expr {
	var out Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if out == nil {
			out = e
			continue
		}
		out = Logical{Op: OpAnd, Left: out, Right: e}
	}
	return out
}

// OrderTerm is one $orderby entry.
type OrderTerm struct {
	Column string
	Desc   bool
}

// Options is a parsed list request.
type Options struct {
	Select  []string
	Filter  Expr
	OrderBy []OrderTerm
	// Top is the page size; zero means the executor default.
	Top   int
	Skip  int
	Count bool
}

// ParseOData parses $filter, $orderby, $top, $skip, $select and $count.
// Every other parameter is an equality filter on the column of that name,
// AND-ed with $filter; repeating a parameter ORs its values.
func ParseOData(values url.Values) (Options, error) {
	var opts Options
	var equality []Expr

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		vals := values[key]
		if len(vals) == 0 {
			continue
		}
		v := vals[len(vals)-1]

		switch key {
		case "$filter":
			expr, err := ParseFilter(v)
			if err != nil {
				return Options{}, err
			}
			opts.Filter = expr
		case "$orderby":
			terms, err := parseOrderBy(v)
			if err != nil {
				return Options{}, err
			}
			opts.OrderBy = terms
		case "$top":
			n, err := parseCount(key, v)
			if err != nil {
				return Options{}, err
			}
			opts.Top = n
		case "$skip":
			n, err := parseCount(key, v)
			if err != nil {
				return Options{}, err
			}
			opts.Skip = n
		case "$select":
			for _, col := range strings.Split(v, ",") {
				if col = strings.TrimSpace(col); col != "" && col != "*" {
					opts.Select = append(opts.Select, col)
				}
			}
		case "$count":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Options{}, &ValidationError{Field: key, Message: "must be true or false"}
			}
			opts.Count = b
		default:
			if strings.HasPrefix(key, "$") {
				return Options{}, &ValidationError{Field: key, Message: "unsupported query option"}
			}
			var alt Expr
			for _, val := range vals {
				e := Compare{Column: key, Op: OpEq, Value: val}
				if alt == nil {
					alt = e
				} else {
					alt = Logical{Op: OpOr, Left: alt, Right: e}
				}
			}
			equality = append(equality, alt)
		}
	}

	opts.Filter = And(append([]Expr{opts.Filter}, equality...)...)
	return opts, nil
}

func parseCount(key, v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, &ValidationError{Field: key, Message: "must be a non-negative integer"}
	}
	return n, nil
}

func parseOrderBy(v string) ([]OrderTerm, error) {
	var terms []OrderTerm
	for _, part := range strings.Split(v, ",") {
		fields := strings.Fields(part)
		switch len(fields) {
		case 0:
			continue
		case 1:
			terms = append(terms, OrderTerm{Column: fields[0]})
		case 2:
			dir := strings.ToLower(fields[1])
			if dir != "asc" && dir != "desc" {
				return nil, &ValidationError{Field: "$orderby", Message: fmt.Sprintf("unknown direction %q", fields[1])}
			}
			terms = append(terms, OrderTerm{Column: fields[0], Desc: dir == "desc"})
		default:
			return nil, &ValidationError{Field: "$orderby", Message: fmt.Sprintf("cannot parse %q", strings.TrimSpace(part))}
		}
	}
	return terms, nil
}
