package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// PostgresFields pulls the server-side detail out of a pgx or lib/pq error
// anywhere in the chain. It returns nil when err did not come from Postgres.
func PostgresFields(err error) map[string]any {
	if err == nil {
		return nil
	}
	var pgxErr *pgconn.PgError
	if stdErrors.As(err, &pgxErr) {
		return compact(map[string]any{
			"pg_code":       pgxErr.Code,
			"pg_message":    pgxErr.Message,
			"pg_detail":     pgxErr.Detail,
			"pg_table":      pgxErr.TableName,
			"pg_column":     pgxErr.ColumnName,
			"pg_constraint": pgxErr.ConstraintName,
		})
	}
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) {
		return compact(map[string]any{
			"pg_code":       string(pqErr.Code),
			"pg_message":    pqErr.Message,
			"pg_detail":     pqErr.Detail,
			"pg_table":      pqErr.Table,
			"pg_column":     pqErr.Column,
			"pg_constraint": pqErr.Constraint,
		})
	}
	return nil
}

// Chain renders every error in the unwrap chain, outermost first.
func Chain(err error) []string {
	var chain []string
	for e := err; e != nil; e = stdErrors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T: %v", e, e))
	}
	return chain
}

func compact(fields map[string]any) map[string]any {
	for k, v := range fields {
		if v == "" {
			delete(fields, k)
		}
	}
	return fields
}
