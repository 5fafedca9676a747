// Package records backs the direct document and latest-record lookup
// paths with a SQLite document store. Tables follow the source
// system's convention: one "tab<Doctype>" table per record type, child
// rows in "tab<Doctype> Item" keyed by parent.
package records

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/pipeline"
)

// Doctype declares one record type the source serves.
type Doctype struct {
	// Name is the record type ("Sales Invoice").
	Name string

	// Table overrides the backing table; empty derives "tab<Name>".
	Table string

	// ItemTable holds child rows keyed by a parent column; empty
	// derives "tab<Name> Item" and falls back to no items when that
	// table does not exist.
	ItemTable string

	// Submittable marks the doctype as listable by the direct
	// latest-records path.
	Submittable bool
}

// FiscalYear names one fiscal year span for default filling.
type FiscalYear struct {
	Name  string
	Start time.Time
	End   time.Time
}

// Config wires a SQLiteSource.
type Config struct {
	Doctypes       []Doctype
	DefaultCompany string
	FiscalYears    []FiscalYear
	Logger         *zap.Logger
}

// SQLiteSource serves transactional records from a SQLite database.
// It satisfies the pipeline's RecordSource interface.
type SQLiteSource struct {
	db  *sql.DB
	cfg Config

	byName map[string]Doctype

	mu     sync.Mutex
	fields map[string][]string
}

// NewSQLiteSource builds a source over an open database handle. The
// caller owns the handle's lifecycle.
func NewSQLiteSource(db *sql.DB, cfg Config) *SQLiteSource {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &SQLiteSource{
		db:     db,
		cfg:    cfg,
		byName: make(map[string]Doctype, len(cfg.Doctypes)),
		fields: map[string][]string{},
	}
	for _, dt := range cfg.Doctypes {
		name := strings.TrimSpace(dt.Name)
		if name == "" {
			continue
		}
		if dt.Table == "" {
			dt.Table = "tab" + name
		}
		if dt.ItemTable == "" {
			dt.ItemTable = "tab" + name + " Item"
		}
		s.byName[strings.ToLower(name)] = dt
	}
	return s
}

// DiscoverDoctypes derives the doctype list from the database's
// "tab<Doctype>" tables, skipping child item tables. Every discovered
// doctype is treated as submittable.
func DiscoverDoctypes(ctx context.Context, db *sql.DB) ([]Doctype, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'tab%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []Doctype
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return nil, err
		}
		if strings.HasSuffix(table, " Item") {
			continue
		}
		name := strings.TrimPrefix(table, "tab")
		if name == "" {
			continue
		}
		out = append(out, Doctype{Name: name, Table: table, Submittable: true})
	}
	return out, rows.Err()
}

// SubmittableDoctypes lists the record types direct listing may serve.
func (s *SQLiteSource) SubmittableDoctypes(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s.cfg.Doctypes))
	for _, dt := range s.cfg.Doctypes {
		if dt.Submittable && strings.TrimSpace(dt.Name) != "" {
			out = append(out, dt.Name)
		}
	}
	return out, nil
}

// DoctypeFields reports the backing table's column names, cached per
// doctype for the life of the source.
func (s *SQLiteSource) DoctypeFields(ctx context.Context, doctype string) ([]string, error) {
	dt, ok := s.doctype(doctype)
	if !ok {
		return nil, fmt.Errorf("unknown doctype %q", doctype)
	}

	s.mu.Lock()
	cached, hit := s.fields[dt.Table]
	s.mu.Unlock()
	if hit {
		return cached, nil
	}

	cols, err := s.tableColumns(ctx, dt.Table)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.fields[dt.Table] = cols
	s.mu.Unlock()
	return cols, nil
}

// LatestRecords runs the compiled listing query.
func (s *SQLiteSource) LatestRecords(ctx context.Context, q pipeline.RecordQuery) ([]payload.Row, error) {
	dt, ok := s.doctype(q.Doctype)
	if !ok {
		return nil, fmt.Errorf("unknown doctype %q", q.Doctype)
	}
	cols, err := s.DoctypeFields(ctx, q.Doctype)
	if err != nil {
		return nil, err
	}

	stmt, params, err := compileListing(dt.Table, cols, q)
	if err != nil {
		return nil, err
	}
	s.cfg.Logger.Debug("latest records query", zap.String("doctype", q.Doctype), zap.String("sql", stmt))

	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", dt.Table, err)
	}
	defer rows.Close()

	out := []payload.Row{}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, payload.Row(row))
	}
	return out, rows.Err()
}

// Document loads one record and its child item rows.
func (s *SQLiteSource) Document(ctx context.Context, doctype, id string) (*pipeline.Document, error) {
	dt, ok := s.doctype(doctype)
	if !ok {
		return nil, fmt.Errorf("unknown doctype %q", doctype)
	}

	stmt := fmt.Sprintf("SELECT * FROM %s WHERE name = ? LIMIT 1", quoteIdent(dt.Table))
	rows, err := s.db.QueryContext(ctx, stmt, id)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", dt.Table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s %s not found", doctype, id)
	}
	fields, err := scanRow(rows)
	if err != nil {
		return nil, err
	}

	doc := &pipeline.Document{Fields: fields}
	items, err := s.documentItems(ctx, dt, id)
	if err != nil {
		return nil, err
	}
	doc.Items = items
	return doc, nil
}

func (s *SQLiteSource) documentItems(ctx context.Context, dt Doctype, id string) ([]map[string]any, error) {
	if !s.tableExists(ctx, dt.ItemTable) {
		return nil, nil
	}
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE parent = ? ORDER BY rowid ASC", quoteIdent(dt.ItemTable))
	rows, err := s.db.QueryContext(ctx, stmt, id)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", dt.ItemTable, err)
	}
	defer rows.Close()

	var items []map[string]any
	for rows.Next() {
		item, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DefaultCompany reports the configured default company.
func (s *SQLiteSource) DefaultCompany(ctx context.Context) string {
	return s.cfg.DefaultCompany
}

// FiscalYearName resolves the fiscal year covering ref, falling back
// to the calendar year.
func (s *SQLiteSource) FiscalYearName(ctx context.Context, ref time.Time) string {
	for _, fy := range s.cfg.FiscalYears {
		if fy.Name == "" {
			continue
		}
		if !ref.Before(fy.Start) && !ref.After(fy.End) {
			return fy.Name
		}
	}
	return fmt.Sprintf("%d", ref.Year())
}

func (s *SQLiteSource) doctype(name string) (Doctype, bool) {
	dt, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	return dt, ok
}

func (s *SQLiteSource) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}
	return cols, rows.Err()
}

func (s *SQLiteSource) tableExists(ctx context.Context, table string) bool {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
	return err == nil
}

// scanRow reads the current result row into a map keyed by column.
func scanRow(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(cols))
	for i, col := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out[col] = v
	}
	return out, nil
}
