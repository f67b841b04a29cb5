package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"tabula-backend/internal/db"
	"tabula-backend/internal/ident"
)

var sqlOps = map[string]string{
	OpEq: "=",
	OpNe: "<>",
	OpGt: ">",
	OpGe: ">=",
	OpLt: "<",
	OpLe: "<=",
}

// likeEscape is the LIKE escape character; it needs no quoting in any dialect.
const likeEscape = "!"

var likeEscaper = strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")

// compiler renders expressions over a known column set. args accumulates
// bind values in placeholder order.
type compiler struct {
	d       db.Dialect
	columns map[string]db.ColumnInfo
	args    []interface{}
}

func (c *compiler) bind(v interface{}) string {
	c.args = append(c.args, v)
	return c.d.Placeholder(len(c.args))
}

// column validates a column reference and returns it quoted.
func (c *compiler) column(name string) (string, db.ColumnInfo, error) {
	n, err := ident.ParseKind("column", name)
	if err != nil {
		return "", db.ColumnInfo{}, &ValidationError{Field: name, Message: "invalid column name"}
	}
	info, ok := c.columns[string(n)]
	if !ok {
		return "", db.ColumnInfo{}, &ValidationError{Field: name, Message: "unknown column"}
	}
	return c.d.Quote(n), info, nil
}

func (c *compiler) expr(e Expr) (string, error) {
	switch e := e.(type) {
	case Compare:
		col, info, err := c.column(e.Column)
		if err != nil {
			return "", err
		}
		if e.Value == nil {
			if e.Op == OpNe {
				return col + " IS NOT NULL", nil
			}
			return col + " IS NULL", nil
		}
		op, ok := sqlOps[e.Op]
		if !ok {
			return "", &ValidationError{Field: "$filter", Message: fmt.Sprintf("unknown operator %q", e.Op)}
		}
		return col + " " + op + " " + c.bind(coerce(info, e.Value)), nil
	case Call:
		col, info, err := c.column(e.Column)
		if err != nil {
			return "", err
		}
		if !info.IsText() {
			return "", &ValidationError{Field: e.Column, Message: e.Func + " requires a text column"}
		}
		pattern := likeEscaper.Replace(e.Value)
		switch e.Func {
		case FuncContains:
			pattern = "%" + pattern + "%"
		case FuncStartsWith:
			pattern = pattern + "%"
		case FuncEndsWith:
			pattern = "%" + pattern
		default:
			return "", &ValidationError{Field: "$filter", Message: fmt.Sprintf("unknown function %q", e.Func)}
		}
		return col + " LIKE " + c.bind(pattern) + " ESCAPE '" + likeEscape + "'", nil
	case Logical:
		left, err := c.expr(e.Left)
		if err != nil {
			return "", err
		}
		right, err := c.expr(e.Right)
		if err != nil {
			return "", err
		}
		op := "AND"
		if e.Op == OpOr {
			op = "OR"
		}
		return "(" + left + " " + op + " " + right + ")", nil
	case Not:
		inner, err := c.expr(e.Expr)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	default:
		return "", &ValidationError{Field: "$filter", Message: fmt.Sprintf("unsupported expression %T", e)}
	}
}

// where renders " WHERE ..." or "" for a nil filter.
func (c *compiler) where(e Expr) (string, error) {
	if e == nil {
		return "", nil
	}
	s, err := c.expr(e)
	if err != nil {
		return "", err
	}
	return " WHERE " + s, nil
}

// coerce converts a request value into the form bound for col. Text columns
// always receive strings so comparisons stay lexicographic on every engine.
func coerce(col db.ColumnInfo, v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case json.Number:
		if col.IsText() {
			return x.String()
		}
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}

	if !col.IsText() {
		return v
	}
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
