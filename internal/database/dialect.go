package database

import (
	"database/sql/driver"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"chunkfs/internal/database/migrations"
)

// dialect captures the differences between the SQL engines the store runs on.
// Queries are written with ? placeholders and rebound per dialect.
type dialect struct {
	name string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	// deferSiblings is the statement that postpones the sibling uniqueness
	// check to commit. Empty when the engine cannot defer it.
	deferSiblings string

	// lockRows is appended to node lookups inside mutations.
	lockRows string

	// nameOrder orders listings bytewise regardless of database locale.
	nameOrder string
}

var sqliteDialect = &dialect{
	name:      migrations.SQLite,
	nameOrder: "name",
}

var postgresDialect = &dialect{
	name:          migrations.Postgres,
	numbered:      true,
	deferSiblings: "SET CONSTRAINTS nodes_sibling_key DEFERRED",
	lockRows:      " FOR UPDATE",
	nameOrder:     `name COLLATE "C"`,
}

func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports a unique or primary key conflict.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505: unique_violation
		return pgErr.Code == "23505"
	}
	return false
}

// isForeignKeyViolation reports a row referencing a missing parent.
func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23503: foreign_key_violation
		return pgErr.Code == "23503"
	}
	return false
}

// isRetryable reports a transaction conflict that succeeds when rerun.
func isRetryable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001: serialization_failure, 40P01: deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// isUnavailable reports a failure to reach the database at all.
func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
