package memdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type result struct {
	verb     string
	affected int64
	rows     [][]any
}

func (r result) tag() pgconn.CommandTag {
	switch r.verb {
	case "INSERT":
		return pgconn.NewCommandTag(fmt.Sprintf("INSERT 0 %d", r.affected))
	case "SELECT":
		return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.rows)))
	default:
		return pgconn.NewCommandTag(fmt.Sprintf("%s %d", r.verb, r.affected))
	}
}

func (r result) first() pgx.Row {
	if len(r.rows) == 0 {
		return row{err: pgx.ErrNoRows}
	}
	return row{values: r.rows[0]}
}

type row struct {
	values []any
	err    error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

type rows struct {
	data [][]any
	idx  int
	cmd  pgconn.CommandTag
	err  error
}

func (r *rows) Close()                                       {}
func (r *rows) Err() error                                   { return r.err }
func (r *rows) CommandTag() pgconn.CommandTag                { return r.cmd }
func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rows) RawValues() [][]byte                          { return nil }
func (r *rows) Conn() *pgx.Conn                              { return nil }

func (r *rows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *rows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.data) {
		return fmt.Errorf("memdb: scan called without a current row")
	}
	return scanInto(r.data[r.idx-1], dest)
}

func (r *rows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.data) {
		return nil, fmt.Errorf("memdb: values called without a current row")
	}
	return append([]any(nil), r.data[r.idx-1]...), nil
}

func scanInto(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("memdb: %d columns scanned into %d destinations", len(values), len(dest))
	}
	for i := range dest {
		if err := assign(dest[i], values[i]); err != nil {
			return fmt.Errorf("memdb: column %d: %w", i, err)
		}
	}
	return nil
}

// assign copies v into the pointer dest the way pgx would for the column
// types used here: NULL into pointer or zero value, scalars into pointers,
// and convertible named types such as domain enums.
func assign(dest any, v any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination must be a non-nil pointer, got %T", dest)
	}
	target := dv.Elem()
	if v == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = bytes.Clone(b)
	}
	val := reflect.ValueOf(v)

	if target.Kind() == reflect.Pointer {
		elem := target.Type().Elem()
		p := reflect.New(elem)
		if err := setValue(p.Elem(), val); err != nil {
			return err
		}
		target.Set(p)
		return nil
	}
	return setValue(target, val)
}

func setValue(target reflect.Value, val reflect.Value) error {
	if val.Type().AssignableTo(target.Type()) {
		target.Set(val)
		return nil
	}
	if val.Kind() == target.Kind() && val.Type().ConvertibleTo(target.Type()) {
		target.Set(val.Convert(target.Type()))
		return nil
	}
	if isInt(val.Kind()) && isInt(target.Kind()) {
		target.SetInt(val.Int())
		return nil
	}
	return fmt.Errorf("cannot scan %s into %s", val.Type(), target.Type())
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func arg(args []any, i int) any {
	if i >= len(args) {
		return nil
	}
	return args[i]
}

func argString(args []any, i int) string {
	s := argOptString(args, i)
	if s == nil {
		return ""
	}
	return *s
}

func argOptString(args []any, i int) *string {
	v := arg(args, i)
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.String {
		s := fmt.Sprint(rv.Interface())
		return &s
	}
	s := rv.String()
	return &s
}

func argInt(args []any, i int) int64 {
	rv := reflect.ValueOf(arg(args, i))
	switch {
	case !rv.IsValid():
		return 0
	case isInt(rv.Kind()):
		return rv.Int()
	case rv.Kind() == reflect.Float64 || rv.Kind() == reflect.Float32:
		return int64(rv.Float())
	}
	return 0
}

func argFloat(args []any, i int) float64 {
	rv := reflect.ValueOf(arg(args, i))
	switch {
	case !rv.IsValid():
		return 0
	case isInt(rv.Kind()):
		return float64(rv.Int())
	case rv.Kind() == reflect.Float64 || rv.Kind() == reflect.Float32:
		return rv.Float()
	}
	return 0
}

func argBool(args []any, i int) bool {
	b, _ := arg(args, i).(bool)
	return b
}

func argBytes(args []any, i int) json.RawMessage {
	switch v := arg(args, i).(type) {
	case nil:
		return nil
	case []byte:
		return bytes.Clone(v)
	case json.RawMessage:
		return bytes.Clone(v)
	case string:
		return json.RawMessage(v)
	}
	return nil
}

// argTime returns the explicit clock argument, or the database clock for
// NULL.
func (db *DB) argTime(args []any, i int) time.Time {
	switch v := arg(args, i).(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	}
	return db.clock()
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableBytes(b json.RawMessage) any {
	if b == nil {
		return nil
	}
	return []byte(b)
}
