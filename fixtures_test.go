package gotrash_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/gotrash"
)

const fixtureSchema = `
CREATE TABLE authors (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	removed_at DATETIME
);
CREATE TABLE posts (
	id         INTEGER PRIMARY KEY,
	author_id  INTEGER,
	title      TEXT NOT NULL,
	updated_at DATETIME,
	deleted_at DATETIME
);
CREATE TABLE comments (
	id         INTEGER PRIMARY KEY,
	post_id    INTEGER NOT NULL,
	body       TEXT NOT NULL,
	deleted_at DATETIME
);
CREATE TABLE profiles (
	id         INTEGER PRIMARY KEY,
	post_id    INTEGER NOT NULL,
	deleted_at DATETIME
);
CREATE TABLE flags (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT 0
);
`

type Author struct {
	ID        int64
	Name      string
	RemovedAt *time.Time
}

type Post struct {
	ID        int64
	AuthorID  sql.NullInt64
	Title     string
	UpdatedAt *time.Time
	DeletedAt *time.Time
}

type Comment struct {
	ID        int64
	PostID    int64
	Body      string
	DeletedAt sql.NullTime
}

type Profile struct {
	ID        int64
	PostID    int64
	DeletedAt *time.Time

	restored int
}

func (p *Profile) AfterRestore(context.Context) error {
	p.restored++
	return nil
}

type Flag struct {
	ID        int64
	Name      string
	IsDeleted bool
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	h     *gotrash.Handler
	db    *gotrash.DB
	raw   *sql.DB
	clock *clock
	cfg   gotrash.Config
}

// openDB opens a file-backed SQLite database with a single connection, as the store does.
func openDB(t *testing.T) *sql.DB {
	t.Helper()

	raw, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "gotrash.db"))
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = raw.Close() })

	_, err = raw.Exec(fixtureSchema)
	require.NoError(t, err)
	return raw
}

// newFixture registers nothing; callers register the types they need.
func newFixture(t *testing.T, mutate ...func(*gotrash.Config)) *fixture {
	t.Helper()

	raw := openDB(t)
	c := newClock()
	cfg := gotrash.Config{Dialect: gotrash.SQLite, Now: c.Now}
	for _, m := range mutate {
		m(&cfg)
	}
	h := gotrash.New(cfg)
	return &fixture{h: h, db: h.WrapDB(raw), raw: raw, clock: c, cfg: cfg}
}

func (f *fixture) register(t *testing.T, model any, opts ...gotrash.Option) {
	t.Helper()
	require.NoError(t, f.h.Register(model, opts...))
}

func (f *fixture) exec(t *testing.T, q string, args ...any) int64 {
	t.Helper()
	res, err := f.raw.Exec(q, args...)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func (f *fixture) insertPost(t *testing.T, title string) *Post {
	t.Helper()
	id := f.exec(t, `INSERT INTO posts (title) VALUES (?)`, title)
	return &Post{ID: id, Title: title}
}

func (f *fixture) insertComment(t *testing.T, postID int64, body string) *Comment {
	t.Helper()
	id := f.exec(t, `INSERT INTO comments (post_id, body) VALUES (?, ?)`, postID, body)
	return &Comment{ID: id, PostID: postID, Body: body}
}

// rowExists reports whether the row is physically present, deleted or not.
func (f *fixture) rowExists(t *testing.T, table string, id int64) bool {
	t.Helper()
	var n int
	require.NoError(t, f.raw.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&n))
	return n == 1
}

// markerIsNull reports whether the deleted_at column of the row is NULL.
func (f *fixture) markerIsNull(t *testing.T, table string, id int64) bool {
	t.Helper()
	var isNull bool
	require.NoError(t, f.raw.QueryRow(`SELECT deleted_at IS NULL FROM `+table+` WHERE id = ?`, id).Scan(&isNull))
	return isNull
}

// registerBlog registers posts with comments (has many) and a profile (has one).
func registerBlog(t *testing.T, f *fixture, postOpts ...gotrash.Option) {
	t.Helper()
	opts := append([]gotrash.Option{
		gotrash.HasMany("comments", Comment{}, "post_id", gotrash.Dependent()),
		gotrash.HasOne("profile", Profile{}, "post_id", gotrash.Dependent()),
	}, postOpts...)
	f.register(t, Post{}, opts...)
	f.register(t, Comment{})
	f.register(t, Profile{})
}
