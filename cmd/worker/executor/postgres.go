package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl/common/models"
)

// PostgresExecutor runs SQL actions against an external database
type PostgresExecutor struct {
	logger Logger
}

// NewPostgresExecutor creates a postgres executor
func NewPostgresExecutor(logger Logger) *PostgresExecutor {
	return &PostgresExecutor{logger: logger}
}

// Execute connects with the job's dsn and runs its statements. Each
// statement runs in order; the last query's rows form the result.
func (e *PostgresExecutor) Execute(ctx context.Context, job *models.QueueJob) (interface{}, error) {
	dsn := Param(job, "dsn")
	if dsn == "" {
		if auth := ParamMap(job, "auth"); auth != nil {
			dsn, _ = auth["dsn"].(string)
		}
	}
	if dsn == "" {
		return nil, Fatal(fmt.Errorf("postgres action requires a dsn"))
	}

	command := Param(job, "command")
	if command == "" {
		command = Param(job, "sql")
	}
	if command == "" {
		return nil, Fatal(fmt.Errorf("postgres action requires a command"))
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)

	var rowCount int
	var resultRows []map[string]interface{}
	for _, stmt := range splitStatements(command) {
		rows, err := conn.Query(ctx, stmt)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		resultRows, err = collectRows(rows)
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		rowCount += len(resultRows)
	}

	e.logger.Debug("postgres action completed", "rows", rowCount)

	return map[string]interface{}{
		"rows":      resultRows,
		"row_count": len(resultRows),
	}, nil
}

func collectRows(rows pgx.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// splitStatements breaks a script on semicolons, good enough for the
// statement shapes playbooks carry (no procedural bodies)
func splitStatements(script string) []string {
	var statements []string
	for _, part := range strings.Split(script, ";") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
