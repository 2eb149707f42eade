package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to a nil result without error. This is a common pattern for Find* operations
// where a missing row is not an error condition.
//
// Usage:
//
//	var p model.Pairing
//	err := r.db.GetContext(ctx, &p, query, args...)
//	return HandleNotFound(&p, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// inQuery expands a query containing an IN (?) clause for the given slice
// and rebinds placeholders for Postgres.
func inQuery[T any](query string, values []T) (string, []any, error) {
	expanded, args, err := sqlx.In(query, values)
	if err != nil {
		return "", nil, err
	}
	return sqlx.Rebind(sqlx.DOLLAR, expanded), args, nil
}

// pgInterval renders a duration as a Postgres interval literal.
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
