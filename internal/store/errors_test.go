package store

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

func TestClassifyDriverErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"no rows", sql.ErrNoRows, pipeline.ErrCodeNotFound},
		{"sqlite primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, pipeline.ErrCodeDuplicate},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, pipeline.ErrCodeDuplicate},
		{"sqlite foreign key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}, pipeline.ErrCodeConstraint},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, pipeline.ErrCodeStorage},
		{"pq unique", &pq.Error{Code: pq.ErrorCode(pgerrcode.UniqueViolation)}, pipeline.ErrCodeDuplicate},
		{"pq foreign key", &pq.Error{Code: pq.ErrorCode(pgerrcode.ForeignKeyViolation)}, pipeline.ErrCodeConstraint},
		{"pgx unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, pipeline.ErrCodeDuplicate},
		{"pgx foreign key wrapped", fmt.Errorf("exec: %w", &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}), pipeline.ErrCodeConstraint},
		{"pgx serialization", &pgconn.PgError{Code: pgerrcode.SerializationFailure}, pipeline.ErrCodeStorage},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, pipeline.ErrCodeDuplicate},
		{"mysql foreign key", &mysql.MySQLError{Number: 1452}, pipeline.ErrCodeConstraint},
		{"unknown", errors.New("connection refused"), pipeline.ErrCodeStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.Equal(t, tt.want, pipeline.CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, classify("op", nil))
}

func TestClassifyWriteNeverReportsDuplicate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"sqlite primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, pipeline.ErrCodeStorage},
		{"pgx unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, pipeline.ErrCodeStorage},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, pipeline.ErrCodeStorage},
		{"foreign key still constraint", &pq.Error{Code: pq.ErrorCode(pgerrcode.ForeignKeyViolation)}, pipeline.ErrCodeConstraint},
		{"no rows still not found", sql.ErrNoRows, pipeline.ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyWrite("insert order 1", tt.err)
			assert.Equal(t, tt.want, pipeline.CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, classifyWrite("op", nil))
}
