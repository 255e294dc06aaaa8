// Implements the SQLite-backed Record Store.

package records

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial records table.
const currentSchemaVersion = 1

// Store provides durable storage for records.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens a SQLite database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// PageQuery selects a window of records.
type PageQuery struct {
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string // "asc" or "desc"
}

// Default and maximum page sizes.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Normalize applies defaults and clamps the query to accepted values.
// Unknown sort keys fall back to "id".
func (q PageQuery) Normalize() PageQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	q.Limit = min(q.Limit, MaxLimit)
	q.Offset = max(q.Offset, 0)
	if !IsSortable(q.SortBy) {
		q.SortBy = "id"
	}
	if strings.EqualFold(q.SortOrder, "desc") {
		q.SortOrder = "desc"
	} else {
		q.SortOrder = "asc"
	}
	return q
}

// Page is one window of records plus the total row count.
type Page struct {
	Records []Record
	Total   int
}

// GetPage returns the records selected by q, after normalization.
func (s *Store) GetPage(ctx context.Context, q PageQuery) (*Page, error) {
	q = q.Normalize()
	// SortBy is validated against the allow-list by Normalize.
	query := fmt.Sprintf("SELECT %s FROM records ORDER BY %s %s, id ASC LIMIT ? OFFSET ?",
		selectList, q.SortBy, strings.ToUpper(q.SortOrder))
	rows, err := s.db.QueryContext(ctx, query, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	page := &Page{Records: make([]Record, 0, q.Limit)}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	return page, nil
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectList+" FROM records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Create inserts a record with the given editable fields; the others take
// their defaults.
func (s *Store) Create(ctx context.Context, fields map[string]any) (Record, error) {
	names := slices.Sorted(maps.Keys(fields))
	cols := make([]string, 0, len(names)+2)
	args := make([]any, 0, len(names)+2)
	for _, name := range names {
		c, ok := LookupColumn(name)
		if !ok || !c.Editable {
			return Record{}, &FieldError{Field: name, Err: ErrInvalidField}
		}
		v, err := c.Coerce(fields[name])
		if err != nil {
			return Record{}, err
		}
		cols = append(cols, c.Field)
		args = append(args, v)
	}
	ts := s.timestamp()
	cols = append(cols, "created_at", "updated_at")
	args = append(args, ts, ts)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO records (%s) VALUES (%s) RETURNING %s", strings.Join(cols, ", "), placeholders, selectList)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

// UpdateField sets one editable field of one record and returns the updated
// record.
//
// It fails with ErrInvalidField if field is not editable, ErrInvalidValue if
// value does not fit the column and ErrNotFound if the record does not exist.
// Nothing is written in these cases.
func (s *Store) UpdateField(ctx context.Context, id int64, field string, value any) (Record, error) {
	c, ok := LookupColumn(field)
	if !ok || !c.Editable {
		return Record{}, &FieldError{Field: field, Err: ErrInvalidField}
	}
	v, err := c.Coerce(value)
	if err != nil {
		return Record{}, err
	}
	// The column name comes from the schema, never from the caller.
	query := fmt.Sprintf("UPDATE records SET %s = ?, updated_at = ? WHERE id = ? RETURNING %s", c.Field, selectList)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, v, s.timestamp(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("update %s of record %d: %w", field, id, err)
	}
	return rec, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// selectList is the explicit column list matching scanRecord.
var selectList = func() string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Field
	}
	return strings.Join(names, ", ")
}()

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row selected with selectList.
func scanRecord(row rowScanner) (Record, error) {
	dest := make([]any, len(columns))
	for i, c := range columns {
		switch {
		case c.Field == "id":
			dest[i] = new(int64)
		case c.Type == ColumnBoolean:
			dest[i] = new(sql.NullBool)
		case c.Type == ColumnNumber && c.Integer:
			dest[i] = new(sql.NullInt64)
		case c.Type == ColumnNumber:
			dest[i] = new(sql.NullFloat64)
		default:
			dest[i] = new(sql.NullString)
		}
	}
	if err := row.Scan(dest...); err != nil {
		return Record{}, err
	}
	rec := Record{Fields: make(map[string]any, len(columns)-1)}
	for i, c := range columns {
		var v any
		switch d := dest[i].(type) {
		case *int64:
			rec.ID = *d
			continue
		case *sql.NullBool:
			if d.Valid {
				v = d.Bool
			}
		case *sql.NullInt64:
			if d.Valid {
				v = d.Int64
			}
		case *sql.NullFloat64:
			if d.Valid {
				v = d.Float64
			}
		case *sql.NullString:
			if d.Valid {
				v = d.String
			}
		}
		rec.Fields[c.Field] = v
	}
	return rec, nil
}
