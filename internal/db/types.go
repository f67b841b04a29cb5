package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DatabaseType represents supported database engines
type DatabaseType string

const (
	DatabaseTypePostgreSQL DatabaseType = "postgresql"
	DatabaseTypeMySQL      DatabaseType = "mysql"
	DatabaseTypeSQLite     DatabaseType = "sqlite"
)

// ValueType represents the type of a database value
type ValueType string

const (
	ValueTypeNull      ValueType = "null"
	ValueTypeInteger   ValueType = "integer"
	ValueTypeFloat     ValueType = "float"
	ValueTypeText      ValueType = "text"
	ValueTypeBoolean   ValueType = "boolean"
	ValueTypeBinary    ValueType = "binary"
	ValueTypeTimestamp ValueType = "timestamp"
)

// Value represents a unified database value
type Value struct {
	Type  ValueType
	Data  interface{}
	Valid bool
}

// NewNullValue creates a new null value
func NewNullValue() Value {
	return Value{Type: ValueTypeNull}
}

// NewIntegerValue creates a new integer value
func NewIntegerValue(v int64) Value {
	return Value{Type: ValueTypeInteger, Data: v, Valid: true}
}

// NewFloatValue creates a new float value
func NewFloatValue(v float64) Value {
	return Value{Type: ValueTypeFloat, Data: v, Valid: true}
}

// NewTextValue creates a new text value
func NewTextValue(v string) Value {
	return Value{Type: ValueTypeText, Data: v, Valid: true}
}

// NewBooleanValue creates a new boolean value
func NewBooleanValue(v bool) Value {
	return Value{Type: ValueTypeBoolean, Data: v, Valid: true}
}

// NewBinaryValue creates a new binary value
func NewBinaryValue(v []byte) Value {
	return Value{Type: ValueTypeBinary, Data: v, Valid: true}
}

// NewTimestampValue creates a new timestamp value
func NewTimestampValue(t time.Time) Value {
	return Value{Type: ValueTypeTimestamp, Data: t, Valid: true}
}

// AsInt64 returns value as int64
func (v Value) AsInt64() (int64, bool) {
	if v.Type == ValueTypeInteger && v.Valid {
		return v.Data.(int64), true
	}
	return 0, false
}

// AsFloat64 returns value as float64
func (v Value) AsFloat64() (float64, bool) {
	if v.Type == ValueTypeFloat && v.Valid {
		return v.Data.(float64), true
	}
	return 0, false
}

// AsString returns value as string. Binary values are returned as their
// bytes, since several drivers hand back text columns as []byte.
func (v Value) AsString() (string, bool) {
	if !v.Valid {
		return "", false
	}
	switch v.Type {
	case ValueTypeText:
		return v.Data.(string), true
	case ValueTypeBinary:
		return string(v.Data.([]byte)), true
	}
	return "", false
}

// AsBool returns value as bool
func (v Value) AsBool() (bool, bool) {
	if v.Type == ValueTypeBoolean && v.Valid {
		return v.Data.(bool), true
	}
	return false, false
}

// AsTimestamp returns value as time.Time
func (v Value) AsTimestamp() (time.Time, bool) {
	if v.Type == ValueTypeTimestamp && v.Valid {
		return v.Data.(time.Time), true
	}
	return time.Time{}, false
}

// IsNull returns true if value is null
func (v Value) IsNull() bool {
	return v.Type == ValueTypeNull || !v.Valid
}

// Interface returns the value as a plain Go value suitable for JSON encoding.
func (v Value) Interface() interface{} {
	if v.IsNull() {
		return nil
	}
	if b, ok := v.Data.([]byte); ok {
		return string(b)
	}
	return v.Data
}

// ResultSet represents a query result set
type ResultSet struct {
	Rows     []Row
	Columns  []Column
	RowCount int
}

// Maps returns every row keyed by column name.
func (rs *ResultSet) Maps() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		out = append(out, row.Map(rs.Columns))
	}
	return out
}

// Row represents a database row
type Row struct {
	Values  []Value
	Columns []Column
}

// Map returns the row keyed by column name. When columns is nil the row's own
// column list is used.
func (r Row) Map(columns []Column) map[string]interface{} {
	if columns == nil {
		columns = r.Columns
	}
	m := make(map[string]interface{}, len(r.Values))
	for i, v := range r.Values {
		if i < len(columns) {
			m[columns[i].Name] = v.Interface()
		}
	}
	return m
}

// Column represents a database column
type Column struct {
	Name     string
	Type     ValueType
	Nullable bool
}

func readColumns(rows *sql.Rows) ([]Column, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	columns := make([]Column, len(names))
	for i, name := range names {
		nullable, ok := columnTypes[i].Nullable()
		columns[i] = Column{
			Name:     name,
			Type:     mapSQLTypeToValueType(columnTypes[i].DatabaseTypeName()),
			Nullable: nullable || !ok,
		}
	}
	return columns, nil
}

func scanRow(rows *sql.Rows, columns []Column) (Row, error) {
	values := make([]interface{}, len(columns))
	valuePtrs := make([]interface{}, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := rows.Scan(valuePtrs...); err != nil {
		return Row{}, err
	}

	row := Row{Values: make([]Value, len(columns)), Columns: columns}
	for i, val := range values {
		row.Values[i] = convertSQLValueToValue(val, columns[i].Type)
	}
	return row, nil
}

// ConvertSQLRowToResultSet converts sql.Rows to ResultSet
func ConvertSQLRowToResultSet(rows *sql.Rows) (*ResultSet, error) {
	columns, err := readColumns(rows)
	if err != nil {
		return nil, err
	}

	result := &ResultSet{Columns: columns}
	for rows.Next() {
		row, err := scanRow(rows, columns)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// mapSQLTypeToValueType maps SQL type names to ValueType
func mapSQLTypeToValueType(sqlType string) ValueType {
	t := strings.ToUpper(sqlType)
	switch {
	case strings.Contains(t, "TIMESTAMP"), strings.Contains(t, "DATETIME"), t == "DATE":
		return ValueTypeTimestamp
	case strings.Contains(t, "INT"), strings.Contains(t, "SERIAL"):
		return ValueTypeInteger
	case strings.Contains(t, "FLOAT"), strings.Contains(t, "DOUBLE"), strings.Contains(t, "REAL"):
		return ValueTypeFloat
	case strings.Contains(t, "BOOL"):
		return ValueTypeBoolean
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BYTEA"), strings.Contains(t, "BINARY"):
		return ValueTypeBinary
	default:
		return ValueTypeText
	}
}

// convertSQLValueToValue converts SQL value to Value
func convertSQLValueToValue(val interface{}, expectedType ValueType) Value {
	if val == nil {
		return NewNullValue()
	}

	switch v := val.(type) {
	case int64:
		if expectedType == ValueTypeBoolean {
			return NewBooleanValue(v != 0)
		}
		return NewIntegerValue(v)
	case float64:
		return NewFloatValue(v)
	case string:
		return NewTextValue(v)
	case bool:
		return NewBooleanValue(v)
	case []byte:
		// the MySQL text protocol returns every column as bytes
		switch expectedType {
		case ValueTypeBinary:
			return NewBinaryValue(v)
		case ValueTypeInteger:
			if n, err := strconv.ParseInt(string(v), 10, 64); err == nil {
				return NewIntegerValue(n)
			}
		case ValueTypeFloat:
			if f, err := strconv.ParseFloat(string(v), 64); err == nil {
				return NewFloatValue(f)
			}
		}
		return NewTextValue(string(v))
	case time.Time:
		return NewTimestampValue(v)
	default:
		return NewTextValue(fmt.Sprintf("%v", v))
	}
}
