package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE class 23 codes the repositories branch on.
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
)

func sqlstate(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation. The notification coalescing upsert relies
// on this to distinguish a concurrent insert from a real failure.
func IsUniqueViolation(err error) bool {
	return sqlstate(err) == sqlstateUniqueViolation
}

// IsForeignKeyViolation reports whether err is a foreign key violation, which the message repository maps onto its
// not-found sentinel when a referenced row vanished mid-operation.
func IsForeignKeyViolation(err error) bool {
	return sqlstate(err) == sqlstateForeignKeyViolation
}
