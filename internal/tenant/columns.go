package tenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tabula-backend/internal/db"
	"tabula-backend/internal/ident"
)

// ColumnSpec is a caller supplied column definition.
type ColumnSpec struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	IsPrimary    bool        `json:"isPrimary"`
	IsNotNull    bool        `json:"isNotNull"`
	IsUnique     bool        `json:"isUnique"`
	DefaultValue interface{} `json:"defaultValue,omitempty"`
}

// column is a validated ColumnSpec.
type column struct {
	name       ident.Name
	typ        db.TypeSpec
	definition string
}

func (c column) text() bool {
	return c.typ.Kind == db.TypeText || c.typ.Kind == db.TypeVarchar
}

// buildColumn validates spec and renders its column definition. A primary
// column becomes UNIQUE NOT NULL since id is always the table key.
func buildColumn(d db.Dialect, spec ColumnSpec) (column, error) {
	name, err := ident.ParseKind("column", spec.Name)
	if err != nil {
		return column{}, err
	}
	if name == PrimaryKeyColumn {
		return column{}, &SchemaError{Column: spec.Name, Message: "name is reserved for the generated primary key"}
	}

	typ, err := db.ParseType(spec.Type)
	if err != nil {
		return column{}, &SchemaError{Column: spec.Name, Message: err.Error(), Err: err}
	}
	unique := spec.IsUnique || spec.IsPrimary
	notNull := spec.IsNotNull || spec.IsPrimary
	typ.Unique = unique

	var b strings.Builder
	b.WriteString(d.Quote(name))
	b.WriteString(" ")
	b.WriteString(d.ColumnType(typ))
	if notNull {
		b.WriteString(" NOT NULL")
	}
	if unique {
		b.WriteString(" UNIQUE")
	}
	if spec.DefaultValue != nil {
		lit, err := defaultLiteral(d, typ, spec.DefaultValue)
		if err != nil {
			return column{}, &SchemaError{Column: spec.Name, Message: err.Error()}
		}
		b.WriteString(" DEFAULT ")
		b.WriteString(lit)
	}
	return column{name: name, typ: typ, definition: b.String()}, nil
}

// textColumn is the permissive column used for header-derived tables.
func textColumn(d db.Dialect, name ident.Name) column {
	typ := db.TypeSpec{Kind: db.TypeText}
	return column{name: name, typ: typ, definition: d.Quote(name) + " " + d.ColumnType(typ)}
}

// defaultLiteral renders v as an escaped SQL literal matching typ.
func defaultLiteral(d db.Dialect, typ db.TypeSpec, v interface{}) (string, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case bool:
		s = strconv.FormatBool(x)
	default:
		return "", fmt.Errorf("unsupported default value %v", v)
	}

	switch typ.Kind {
	case db.TypeInteger, db.TypeBigint:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return "", fmt.Errorf("default %q is not an integer", s)
		}
		return strconv.FormatInt(n, 10), nil
	case db.TypeNumeric, db.TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return "", fmt.Errorf("default %q is not a number", s)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case db.TypeBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return "", fmt.Errorf("default %q is not a boolean", s)
		}
		if d.Type() == db.DatabaseTypeSQLite {
			if b {
				return "1", nil
			}
			return "0", nil
		}
		return strings.ToUpper(strconv.FormatBool(b)), nil
	default:
		return d.QuoteLiteral(s), nil
	}
}

// buildCreateTable renders CREATE TABLE with the synthetic key first.
func buildCreateTable(d db.Dialect, table ident.Name, columns []column) string {
	defs := make([]string, 0, len(columns)+1)
	defs = append(defs, d.SerialPrimaryKey(PrimaryKeyColumn))
	for _, c := range columns {
		defs = append(defs, c.definition)
	}
	return "CREATE TABLE " + d.Quote(table) + " (\n\t" + strings.Join(defs, ",\n\t") + "\n)"
}

// planColumns resolves the table's column set from explicit specs or, when
// none are given, from the upload header as text columns.
func planColumns(d db.Dialect, specs []ColumnSpec, header []string) ([]column, error) {
	if len(specs) == 0 {
		cols := make([]column, 0, len(header))
		for _, h := range header {
			name, err := ident.ParseKind("column", h)
			if err != nil {
				return nil, err
			}
			cols = append(cols, textColumn(d, name))
		}
		return cols, nil
	}

	seen := make(map[ident.Name]bool, len(specs))
	cols := make([]column, 0, len(specs))
	for _, spec := range specs {
		c, err := buildColumn(d, spec)
		if err != nil {
			return nil, err
		}
		if seen[c.name] {
			return nil, &SchemaError{Column: spec.Name, Message: "defined more than once"}
		}
		seen[c.name] = true
		cols = append(cols, c)
	}
	return cols, nil
}

// isSchemaInput reports errors caused by the request rather than the engine.
func isSchemaInput(err error) bool {
	var idErr *ident.InvalidIdentifierError
	var schemaErr *SchemaError
	return errors.As(err, &idErr) || errors.As(err, &schemaErr)
}
