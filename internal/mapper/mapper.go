package mapper

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Field is a struct field mapped to a column.
type Field struct {
	Name   string
	Column string
	Index  []int
	Type   reflect.Type
}

// Nullable reports whether the field can hold a NULL column value.
func (f Field) Nullable() bool {
	switch f.Type.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return true
	}
	return reflect.PointerTo(f.Type).Implements(scannerType)
}

// Struct is the column mapping of a struct type.
type Struct struct {
	Type   reflect.Type
	Fields []Field
	PK     Field
	byCol  map[string]int
}

var (
	cache sync.Map // reflect.Type -> *Struct

	timeType    = reflect.TypeOf(time.Time{})
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	valuerType  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
)

// Of returns the mapping of the struct type behind v (a struct or pointer to struct).
func Of(v any) (*Struct, error) {
	if v == nil {
		return nil, errors.New("nil model")
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return Parse(t)
}

// Parse maps the exported fields of struct type t.
//
// A field is mapped when it carries a db tag, or when its type can be stored in a
// single column. Anonymous struct fields without a tag are flattened. The primary
// key is the field tagged `db:"name,pk"`, or the "id" column.
func Parse(t reflect.Type) (*Struct, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%v is not a struct", t)
	}
	if s, ok := cache.Load(t); ok {
		return s.(*Struct), nil
	}

	s := &Struct{Type: t, byCol: map[string]int{}}
	pk := -1
	if err := s.collect(t, nil, &pk); err != nil {
		return nil, err
	}
	if pk < 0 {
		if i, ok := s.byCol["id"]; ok {
			pk = i
		}
	}
	if pk < 0 {
		return nil, fmt.Errorf("%v has no primary key column", t)
	}
	s.PK = s.Fields[pk]

	actual, _ := cache.LoadOrStore(t, s)
	return actual.(*Struct), nil
}

func (s *Struct) collect(t reflect.Type, prefix []int, pk *int) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() && !(sf.Anonymous && sf.Type.Kind() == reflect.Struct) {
			continue
		}
		tag, tagged := sf.Tag.Lookup("db")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		index := append(append([]int(nil), prefix...), i)

		if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct && !isColumnType(sf.Type) {
			if err := s.collect(sf.Type, index, pk); err != nil {
				return err
			}
			continue
		}
		if !tagged && !isColumnType(sf.Type) {
			continue
		}
		if name == "" {
			name = SnakeCase(sf.Name)
		}
		if _, dup := s.byCol[name]; dup {
			return fmt.Errorf("%v maps column %q twice", s.Type, name)
		}
		s.byCol[name] = len(s.Fields)
		if hasOption(opts, "pk") {
			*pk = len(s.Fields)
		}
		s.Fields = append(s.Fields, Field{Name: sf.Name, Column: name, Index: index, Type: sf.Type})
	}
	return nil
}

func hasOption(opts, want string) bool {
	for _, o := range strings.Split(opts, ",") {
		if strings.TrimSpace(o) == want {
			return true
		}
	}
	return false
}

func isColumnType(t reflect.Type) bool {
	if reflect.PointerTo(t).Implements(scannerType) || t.Implements(valuerType) {
		return true
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Slice:
		return t.Elem().Kind() == reflect.Uint8
	case reflect.Struct:
		return t == timeType
	case reflect.Pointer:
		return isColumnType(t.Elem())
	default:
		return false
	}
}

// Columns returns the mapped column names in field order.
func (s *Struct) Columns() []string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = f.Column
	}
	return cols
}

// Field looks up the field mapped to column.
func (s *Struct) Field(column string) (Field, bool) {
	i, ok := s.byCol[column]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Value returns the addressable struct value behind rec, which must be a non-nil
// pointer to a value of s.Type.
func (s *Struct) Value(rec any) (reflect.Value, error) {
	v := reflect.ValueOf(rec)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return reflect.Value{}, fmt.Errorf("expected non-nil *%v, got %T", s.Type, rec)
	}
	v = v.Elem()
	if v.Type() != s.Type {
		return reflect.Value{}, fmt.Errorf("expected *%v, got %T", s.Type, rec)
	}
	return v, nil
}

// Get returns the normalized value of column on v.
func (s *Struct) Get(v reflect.Value, column string) (any, error) {
	f, ok := s.Field(column)
	if !ok {
		return nil, fmt.Errorf("%v has no column %q", s.Type, column)
	}
	return Normalize(v.FieldByIndex(f.Index).Interface()), nil
}

// Set writes x into the field mapped to column on v.
func (s *Struct) Set(v reflect.Value, column string, x any) error {
	f, ok := s.Field(column)
	if !ok {
		return fmt.Errorf("%v has no column %q", s.Type, column)
	}
	if err := assign(v.FieldByIndex(f.Index), x); err != nil {
		return fmt.Errorf("set %s.%s: %w", s.Type.Name(), f.Name, err)
	}
	return nil
}

// PrimaryKey returns the primary key of v and whether it is set.
func (s *Struct) PrimaryKey(v reflect.Value) (any, bool) {
	fv := v.FieldByIndex(s.PK.Index)
	for fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			return nil, false
		}
		fv = fv.Elem()
	}
	return fv.Interface(), !fv.IsZero()
}

// Pointers returns scan destinations for every mapped field in column order.
func (s *Struct) Pointers(v reflect.Value) []any {
	ptrs := make([]any, len(s.Fields))
	for i, f := range s.Fields {
		ptrs[i] = v.FieldByIndex(f.Index).Addr().Interface()
	}
	return ptrs
}

// Convert converts x to the type stored in column, so that it compares equal to
// values read back from records.
func (s *Struct) Convert(column string, x any) (any, error) {
	f, ok := s.Field(column)
	if !ok {
		return nil, fmt.Errorf("%v has no column %q", s.Type, column)
	}
	if x == nil {
		return nil, nil
	}
	dst := reflect.New(f.Type).Elem()
	if err := assign(dst, x); err != nil {
		return nil, err
	}
	return Normalize(dst.Interface()), nil
}

// Normalize dereferences pointers and resolves driver.Valuer implementations, so
// that a nil *time.Time and an invalid sql.NullTime both become nil.
func Normalize(x any) any {
	if x == nil {
		return nil
	}
	rv := reflect.ValueOf(x)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	x = rv.Interface()
	if vr, ok := x.(driver.Valuer); ok {
		dv, err := vr.Value()
		if err != nil {
			return x
		}
		return dv
	}
	return x
}

// Equal compares two normalized values.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func assign(fv reflect.Value, x any) error {
	if x == nil {
		fv.SetZero()
		return nil
	}
	if fv.CanAddr() {
		if sc, ok := fv.Addr().Interface().(sql.Scanner); ok {
			return sc.Scan(Normalize(x))
		}
	}
	xv := reflect.ValueOf(x)
	for xv.Kind() == reflect.Pointer {
		if xv.IsNil() {
			fv.SetZero()
			return nil
		}
		xv = xv.Elem()
	}
	ft := fv.Type()
	if ft.Kind() == reflect.Pointer {
		p := reflect.New(ft.Elem())
		if err := assign(p.Elem(), xv.Interface()); err != nil {
			return err
		}
		fv.Set(p)
		return nil
	}
	switch {
	case xv.Type().AssignableTo(ft):
		fv.Set(xv)
	case ft.Kind() == reflect.String && xv.Kind() != reflect.String:
		return fmt.Errorf("cannot assign %s to %s", xv.Type(), ft)
	case xv.Type().ConvertibleTo(ft):
		fv.Set(xv.Convert(ft))
	default:
		return fmt.Errorf("cannot assign %s to %s", xv.Type(), ft)
	}
	return nil
}

// SnakeCase converts a Go identifier to snake_case, keeping acronyms together.
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
