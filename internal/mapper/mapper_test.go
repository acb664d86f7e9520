package mapper_test

import (
	"database/sql"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/mickamy/gotrash/internal/mapper"
)

type base struct {
	ID        int64
	CreatedAt time.Time
	DeletedAt *time.Time
}

type post struct {
	base
	Title    string
	Body     string `db:"content"`
	Secret   string `db:"-"`
	Tags     []string
	Author   *author
	internal int
}

type author struct {
	Key     string `db:"key,pk"`
	Removed sql.NullTime
	Hidden  bool
}

func TestParse(t *testing.T) {
	t.Parallel()

	s, err := mapper.Of(&post{})
	if err != nil {
		t.Fatalf("Of() error = %v", err)
	}
	want := []string{"id", "created_at", "deleted_at", "title", "content"}
	if got := s.Columns(); !slices.Equal(got, want) {
		t.Fatalf("Columns() = %v, want %v", got, want)
	}
	if s.PK.Column != "id" {
		t.Fatalf("PK = %q, want id", s.PK.Column)
	}

	a, err := mapper.Of(author{})
	if err != nil {
		t.Fatalf("Of(author) error = %v", err)
	}
	if a.PK.Column != "key" {
		t.Fatalf("PK = %q, want key", a.PK.Column)
	}
}

func TestParseWithoutPrimaryKey(t *testing.T) {
	t.Parallel()

	type nokey struct{ Name string }
	if _, err := mapper.Of(nokey{}); err == nil {
		t.Fatalf("Of() error = nil, want missing primary key")
	}
}

func TestGetSetRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := mapper.Of(&post{})
	if err != nil {
		t.Fatal(err)
	}
	p := &post{}
	v, err := s.Value(p)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(v, "deleted_at")
	if err != nil || got != nil {
		t.Fatalf("Get(deleted_at) = %v, %v; want nil", got, err)
	}

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := s.Set(v, "deleted_at", now); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if p.DeletedAt == nil || !p.DeletedAt.Equal(now) {
		t.Fatalf("DeletedAt = %v, want %v", p.DeletedAt, now)
	}
	got, _ = s.Get(v, "deleted_at")
	if !mapper.Equal(got, now) {
		t.Fatalf("Get(deleted_at) = %v, want %v", got, now)
	}

	if err := s.Set(v, "deleted_at", nil); err != nil {
		t.Fatalf("Set(nil) error = %v", err)
	}
	if p.DeletedAt != nil {
		t.Fatalf("DeletedAt = %v, want nil", p.DeletedAt)
	}
}

func TestSetScanner(t *testing.T) {
	t.Parallel()

	s, _ := mapper.Of(author{})
	a := &author{}
	v, _ := s.Value(a)
	now := time.Now()
	if err := s.Set(v, "removed", now); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !a.Removed.Valid || !a.Removed.Time.Equal(now) {
		t.Fatalf("Removed = %#v", a.Removed)
	}
	got, _ := s.Get(v, "removed")
	if !mapper.Equal(got, now) {
		t.Fatalf("Get(removed) = %v, want %v", got, now)
	}
	if err := s.Set(v, "removed", nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(v, "removed"); got != nil {
		t.Fatalf("Get(removed) = %v, want nil", got)
	}
}

func TestPrimaryKey(t *testing.T) {
	t.Parallel()

	s, _ := mapper.Of(post{})
	p := &post{}
	v, _ := s.Value(p)
	if _, ok := s.PrimaryKey(v); ok {
		t.Fatalf("PrimaryKey() ok = true on zero id")
	}
	p.ID = 4
	id, ok := s.PrimaryKey(v)
	if !ok || id != int64(4) {
		t.Fatalf("PrimaryKey() = %v, %t; want 4, true", id, ok)
	}
}

func TestConvert(t *testing.T) {
	t.Parallel()

	p, _ := mapper.Of(post{})
	got, err := p.Convert("id", 0)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if got != int64(0) {
		t.Fatalf("Convert(id, 0) = %#v, want int64(0)", got)
	}

	s, _ := mapper.Of(author{})
	if _, err := s.Convert("key", 1); err == nil {
		t.Fatalf("Convert(key, 1) error = nil, want error")
	}
}

func TestNullable(t *testing.T) {
	t.Parallel()

	p, _ := mapper.Of(post{})
	a, _ := mapper.Of(author{})
	tcs := []struct {
		s      *mapper.Struct
		column string
		want   bool
	}{
		{s: p, column: "deleted_at", want: true},
		{s: p, column: "created_at", want: false},
		{s: p, column: "title", want: false},
		{s: a, column: "removed", want: true},
		{s: a, column: "hidden", want: false},
	}

	for _, tc := range tcs {
		f, ok := tc.s.Field(tc.column)
		if !ok {
			t.Fatalf("Field(%q) not found", tc.column)
		}
		if got := f.Nullable(); got != tc.want {
			t.Errorf("Field(%q).Nullable() = %t, want %t", tc.column, got, tc.want)
		}
	}
}

func TestValueRejectsWrongType(t *testing.T) {
	t.Parallel()

	s, _ := mapper.Of(post{})
	if _, err := s.Value(post{}); err == nil {
		t.Fatalf("Value(non-pointer) error = nil")
	}
	if _, err := s.Value(&author{}); err == nil {
		t.Fatalf("Value(other type) error = nil")
	}
}

func TestPointers(t *testing.T) {
	t.Parallel()

	s, _ := mapper.Of(post{})
	p := &post{}
	v, _ := s.Value(p)
	ptrs := s.Pointers(v)
	if len(ptrs) != len(s.Fields) {
		t.Fatalf("len(Pointers()) = %d, want %d", len(ptrs), len(s.Fields))
	}
	*(ptrs[3].(*string)) = "hello"
	if p.Title != "hello" {
		t.Fatalf("Title = %q, want hello", p.Title)
	}
	if reflect.TypeOf(ptrs[2]) != reflect.TypeOf((**time.Time)(nil)) {
		t.Fatalf("deleted_at pointer type = %T", ptrs[2])
	}
}

func TestSnakeCase(t *testing.T) {
	t.Parallel()

	tcs := map[string]string{
		"Post":        "post",
		"PostComment": "post_comment",
		"HTTPRequest": "http_request",
		"UserID":      "user_id",
	}
	for in, want := range tcs {
		if got := mapper.SnakeCase(in); got != want {
			t.Fatalf("SnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
