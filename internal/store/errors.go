package store

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

const (
	mysqlDuplicateEntry     = 1062
	mysqlNoReferencedRow    = 1216
	mysqlNoReferencedRowAlt = 1452
)

// classify maps a driver error onto the pipeline taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return pipeline.NewErrorWithCause(pipeline.ErrCodeNotFound, op, err)
	case isUniqueViolation(err):
		return pipeline.NewErrorWithCause(pipeline.ErrCodeDuplicate, op, err)
	case isForeignKeyViolation(err):
		return pipeline.NewErrorWithCause(pipeline.ErrCodeConstraint, op, err)
	default:
		return pipeline.NewErrorWithCause(pipeline.ErrCodeStorage, op, err)
	}
}

// classifyWrite is classify for writes that must never read as an already
// ingested message. A unique violation becomes STORAGE, so the message is
// retried and finally dead-lettered instead of acked.
func classifyWrite(op string, err error) error {
	if err != nil && isUniqueViolation(err) {
		return pipeline.NewErrorWithCause(pipeline.ErrCodeStorage, op, err)
	}
	return classify(op, err)
}

func configurationError(msg string) error {
	return pipeline.NewError(pipeline.ErrCodeConfiguration, msg)
}

func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.ForeignKeyViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.ForeignKeyViolation
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlNoReferencedRow || myErr.Number == mysqlNoReferencedRowAlt
	}
	return false
}
