package tool

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/playbook"
)

// Postgres runs SQL against the database named by the step spec. The DSN
// comes from spec.dsn, typically rendered from a secret reference. One
// command or a commands list is accepted; each statement that returns rows
// contributes them as a list of column-keyed maps.
type Postgres struct{}

// Kind implements Tool.
func (*Postgres) Kind() string { return playbook.ToolPostgres }

// Capability implements Tool.
func (*Postgres) Capability() string { return playbook.DefaultCapability }

// RequiredSecrets returns the credential alias named by spec.auth, if any.
func (*Postgres) RequiredSecrets(spec map[string]any) []string {
	if auth, ok := spec["auth"].(string); ok && auth != "" {
		return []string{auth}
	}
	return nil
}

// Execute connects, runs the statements in order and returns the last
// statement's outcome. Connection failures are retryable, SQL errors are
// not.
func (*Postgres) Execute(ctx context.Context, req *ExecRequest) (*Result, error) {
	dsn := firstString(req.Spec, "dsn", "db_url")
	if dsn == "" {
		return nil, Errorf(event.ReasonToolError, false, "postgres: spec.dsn is required")
	}
	commands := sqlCommands(req.Spec)
	if len(commands) == 0 {
		return nil, Errorf(event.ReasonToolError, false, "postgres: spec.command is required")
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Errorf(event.ReasonToolError, true, "postgres: connect: %v", err)
	}
	defer conn.Close(ctx)

	var data any
	for i, command := range commands {
		data, err = runStatement(ctx, conn, command)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, Errorf(event.ReasonToolError, false, "postgres: statement %d: %v", i+1, err)
		}
	}
	return &Result{Data: data}, nil
}

// runStatement executes one statement. SELECT-shaped statements return
// their rows, everything else returns the affected row count.
func runStatement(ctx context.Context, conn *pgx.Conn, command string) (any, error) {
	if isQuery(command) {
		rows, err := conn.Query(ctx, command)
		if err != nil {
			return nil, err
		}
		return scanRows(rows)
	}
	tag, err := conn.Exec(ctx, command)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rows_affected": tag.RowsAffected()}, nil
}

// scanRows drains the result set into a list of column-keyed maps.
func scanRows(rows pgx.Rows) (any, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	out := make([]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqlCommands(spec map[string]any) []string {
	if command := firstString(spec, "command", "sql"); command != "" {
		return []string{command}
	}
	list, ok := spec["commands"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func isQuery(command string) bool {
	head := strings.ToLower(strings.TrimSpace(command))
	return strings.HasPrefix(head, "select") || strings.HasPrefix(head, "with") ||
		strings.HasPrefix(head, "show") || strings.HasPrefix(head, "table")
}
