package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/nainya/govlifecycle/pkg/version"
)

// dialect captures what differs between the supported databases.
type dialect struct {
	name          string
	driver        string
	migrationRoot string
	// inProcessLock serializes writers per chain inside this process; used
	// where the database has no row or advisory locking.
	inProcessLock bool
	placeholders  func(q string) string
	lockChain     func(ctx context.Context, tx *sql.Tx, key version.ChainKey) error
	uniqueIndex   func(err error) (string, bool)
}

func (d dialect) rebind(q string) string {
	if d.placeholders == nil {
		return q
	}
	return d.placeholders(q)
}

var sqliteDialect = dialect{
	name:          "sqlite",
	driver:        "sqlite",
	migrationRoot: "sqlite",
	inProcessLock: true,
	lockChain: func(context.Context, *sql.Tx, version.ChainKey) error {
		// Transactions begin IMMEDIATE, which already holds the write lock.
		return nil
	},
	uniqueIndex: func(err error) (string, bool) {
		var sqliteErr *msqlite.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code() {
			case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
				return sqliteConstraint(err.Error()), true
			}
		}
		message := strings.ToLower(err.Error())
		if strings.Contains(message, "unique constraint failed") {
			return sqliteConstraint(message), true
		}
		return "", false
	},
}

// sqliteConstraint maps the column list SQLite reports back to an index name.
func sqliteConstraint(message string) string {
	message = strings.ToLower(message)
	switch {
	case strings.Contains(message, "versions.version_number"):
		return "versions_chain_number"
	case strings.Contains(message, "versions.tenant_id"):
		return "versions_one_current"
	case strings.Contains(message, "versions.id"):
		return "versions_pkey"
	}
	return ""
}

var postgresDialect = dialect{
	name:          "postgres",
	driver:        "pgx",
	migrationRoot: "postgres",
	placeholders:  dollarPlaceholders,
	lockChain: func(ctx context.Context, tx *sql.Tx, key version.ChainKey) error {
		_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "chain:"+key.String())
		return err
	},
	uniqueIndex: func(err error) (string, bool) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return pgErr.ConstraintName, true
		}
		if strings.Contains(strings.ToLower(err.Error()), "sqlstate 23505") {
			return "", true
		}
		return "", false
	},
}

// dollarPlaceholders rewrites ? placeholders to $1, $2, ...
func dollarPlaceholders(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
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

// conflictReason explains a unique violation in domain terms.
func conflictReason(index string, v *version.Version) string {
	switch index {
	case "versions_one_current":
		return "chain already has a current version"
	case "versions_chain_number":
		return "version number " + v.Number.String() + " already exists"
	case "versions_pkey":
		return "version id " + v.ID + " already exists"
	}
	return "unique constraint violated"
}
