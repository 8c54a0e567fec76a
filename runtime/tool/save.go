package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Saver persists a step result to external storage after the attempt
// completes. The save spec arrives fully rendered, so result fields are
// already substituted into the data mapping.
type Saver interface {
	// Storage is the storage identifier save blocks reference.
	Storage() string
	// Save writes the rendered data mapping.
	Save(ctx context.Context, spec map[string]any, result any) error
}

// Savers maps storage kinds to savers.
type Savers struct {
	byStorage map[string]Saver
}

// NewSavers constructs a saver registry.
func NewSavers(savers ...Saver) *Savers {
	s := &Savers{byStorage: make(map[string]Saver, len(savers))}
	for _, sv := range savers {
		s.byStorage[sv.Storage()] = sv
	}
	return s
}

// Register adds or replaces a saver.
func (s *Savers) Register(sv Saver) {
	s.byStorage[sv.Storage()] = sv
}

// Lookup returns the saver for the storage kind.
func (s *Savers) Lookup(storage string) (Saver, bool) {
	sv, ok := s.byStorage[storage]
	return sv, ok
}

// PostgresSaver inserts the rendered data mapping as one row. The spec
// names the DSN and table; the data keys become columns.
type PostgresSaver struct{}

// Storage implements Saver.
func (PostgresSaver) Storage() string { return "postgres" }

// Save connects and inserts one row built from spec.data. Column order is
// stable so generated SQL is deterministic.
func (PostgresSaver) Save(ctx context.Context, spec map[string]any, _ any) error {
	dsn := firstString(spec, "dsn", "db_url")
	if dsn == "" {
		return fmt.Errorf("postgres saver: spec.dsn is required")
	}
	table, _ := spec["table"].(string)
	if table == "" {
		return fmt.Errorf("postgres saver: spec.table is required")
	}
	data, ok := spec["data"].(map[string]any)
	if !ok || len(data) == 0 {
		return fmt.Errorf("postgres saver: spec.data must be a non-empty mapping")
	}

	cols := make([]string, 0, len(data))
	for c := range data {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	values := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		values[i] = data[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(quoteColumns(cols), ", "),
		strings.Join(placeholders, ", "))

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres saver: connect: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, query, values...); err != nil {
		return fmt.Errorf("postgres saver: insert into %s: %w", table, err)
	}
	return nil
}

func quoteColumns(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return out
}
