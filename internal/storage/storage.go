// Package storage is the persistence boundary used by modules. It exposes a
// small query interface over database/sql and picks the driver from a
// database URL, so modules can stay agnostic of the engine behind it.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/xo/dburl"
)

// ErrNoRows is returned by FetchOne when the query matched nothing.
var ErrNoRows = errors.New("storage: no rows")

// Row is one result row keyed by column name.
type Row map[string]any

// String returns the column as a string, converting byte slices and numbers.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns the column as an int64, or 0 when it is not numeric.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case []byte:
		n, _ := strconv.ParseInt(string(v), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// Float64 returns the column as a float64, or 0 when it is not numeric.
func (r Row) Float64(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case []byte, string:
		f, _ := strconv.ParseFloat(r.String(col), 64)
		return f
	}
	return float64(r.Int64(col))
}

// Bool returns the column as a bool; non-zero numbers count as true.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case nil:
		return false
	case []byte, string:
		s := r.String(col)
		return s == "1" || strings.EqualFold(s, "true")
	}
	return r.Int64(col) != 0
}

// Result reports the effect of Execute.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Store is the query surface modules depend on. Queries use "?" placeholders
// regardless of the engine.
type Store interface {
	Execute(ctx context.Context, query string, args ...any) (Result, error)
	ExecuteMany(ctx context.Context, query string, argSets [][]any) error
	FetchOne(ctx context.Context, query string, args ...any) (Row, error)
	FetchAll(ctx context.Context, query string, args ...any) ([]Row, error)
	// Insert runs an INSERT into a table with an "id" key column and returns
	// the generated id.
	Insert(ctx context.Context, query string, args ...any) (int64, error)
	Dialect() Dialect
	Close() error
}

// Dialect identifies the SQL engine.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// IDColumn returns an auto-incrementing "id" primary key definition.
func (d Dialect) IDColumn() string {
	switch d {
	case DialectPostgres:
		return "id BIGSERIAL PRIMARY KEY"
	case DialectMySQL:
		return "id BIGINT AUTO_INCREMENT PRIMARY KEY"
	default:
		return "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

// TimeLayout is the fixed-width UTC layout used for timestamp columns, so
// they compare correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp formats t with TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTimestamp parses a TimeLayout value. Empty input yields the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeLayout, s)
}

// DB implements Store over *sql.DB.
type DB struct {
	db      *sql.DB
	dialect Dialect
	path    string
}

var _ Store = (*DB)(nil)

// Open parses a database URL and opens a pool. Plain paths and the
// "sqlite:", "sqlite3:" and "file:" schemes open a sqlite file; anything else
// is resolved through dburl, which covers postgres and mysql URLs and their
// aliases.
func Open(ctx context.Context, rawURL string) (*DB, error) {
	if rawURL == "" {
		return nil, errors.New("storage: empty database URL")
	}

	var (
		driver  string
		dsn     string
		dialect Dialect
		path    string
	)
	if p, ok := SQLitePath(rawURL); ok {
		driver, dialect, path = "sqlite3", DialectSQLite, p
		dsn = "file:" + p
	} else {
		u, err := dburl.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parsing database URL: %w", err)
		}
		switch u.UnaliasedDriver {
		case "postgres":
			driver, dialect = "pgx", DialectPostgres
		case "mysql":
			driver, dialect = "mysql", DialectMySQL
		default:
			return nil, fmt.Errorf("storage: unsupported database driver %q", u.UnaliasedDriver)
		}
		dsn = u.DSN
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A single writer connection avoids SQLITE_BUSY between pooled conns.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", dialect, err)
	}

	s := &DB{db: db, dialect: dialect, path: path}
	if dialect == DialectSQLite {
		for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("applying %q: %w", pragma, err)
			}
		}
	}
	return s, nil
}

// SQLitePath extracts the file path from sqlite-style URLs.
func SQLitePath(raw string) (string, bool) {
	for _, prefix := range []string{"sqlite3:", "sqlite:", "file:"} {
		if strings.HasPrefix(raw, prefix) {
			p := strings.TrimPrefix(raw, prefix)
			if strings.HasPrefix(p, "//") {
				p = p[2:]
			}
			return p, p != ""
		}
	}
	if !strings.Contains(raw, "://") {
		return raw, true
	}
	return "", false
}

// Dialect returns the engine behind the pool.
func (s *DB) Dialect() Dialect { return s.dialect }

// Path returns the sqlite file path, or "" for server engines.
func (s *DB) Path() string { return s.path }

// SQL exposes the underlying pool.
func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) Execute(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return Result{}, fmt.Errorf("execute: %w", err)
	}
	var out Result
	out.RowsAffected, _ = res.RowsAffected()
	if s.dialect != DialectPostgres {
		out.LastInsertID, _ = res.LastInsertId()
	}
	return out, nil
}

func (s *DB) Insert(ctx context.Context, query string, args ...any) (int64, error) {
	if s.dialect == DialectPostgres {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.rebind(query)+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert: %w", err)
		}
		return id, nil
	}
	res, err := s.Execute(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertID, nil
}

// ExecuteMany runs query once per argument set inside one transaction.
func (s *DB) ExecuteMany(ctx context.Context, query string, argSets [][]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(query))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, args := range argSets {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute set %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *DB) FetchOne(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := s.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

func (s *DB) FetchAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

// rebind rewrites "?" placeholders to "$n" for postgres. Question marks
// inside single-quoted literals are left alone.
func (s *DB) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return Rebind(query)
}

// Rebind converts "?" placeholders to "$1", "$2", ...
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
