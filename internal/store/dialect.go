package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Dialect selects the SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ParseDialect validates a backend name from configuration.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(s)); d {
	case SQLite, Postgres, MySQL:
		return d, nil
	case "postgresql", "pgx":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported sql backend: %s. Must be sqlite, postgres, or mysql", s)
	}
}

func (d Dialect) driverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// normalizeDSN applies the connection options the store relies on.
func (d Dialect) normalizeDSN(dsn string) (string, error) {
	if d != MySQL {
		return dsn, nil
	}
	// Migrations contain several statements per file.
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w. Expected user:password@tcp(host:port)/dbname", err)
	}
	cfg.MultiStatements = true
	return cfg.FormatDSN(), nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
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

const assignmentColumns = `experiment_id, subject_id, variant_id, assigned_at, method, sticky, overridden, override_reason, context`

func (d Dialect) insertAssignmentIfAbsent() string {
	switch d {
	case MySQL:
		return `INSERT IGNORE INTO assignments (` + assignmentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	case Postgres:
		return `INSERT INTO assignments (` + assignmentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (experiment_id, subject_id) DO NOTHING`
	default:
		return `INSERT OR IGNORE INTO assignments (` + assignmentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	}
}

func (d Dialect) upsertAssignment() string {
	if d == MySQL {
		return `INSERT INTO assignments (` + assignmentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE variant_id = VALUES(variant_id), assigned_at = VALUES(assigned_at),
			method = VALUES(method), sticky = VALUES(sticky), overridden = VALUES(overridden),
			override_reason = VALUES(override_reason), context = VALUES(context)`
	}
	return `INSERT INTO assignments (` + assignmentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (experiment_id, subject_id) DO UPDATE SET variant_id = excluded.variant_id,
		assigned_at = excluded.assigned_at, method = excluded.method, sticky = excluded.sticky,
		overridden = excluded.overridden, override_reason = excluded.override_reason, context = excluded.context`
}

func (d Dialect) upsertSnapshot() string {
	if d == MySQL {
		return `INSERT INTO snapshots (experiment_id, generated_at, payload) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE generated_at = VALUES(generated_at), payload = VALUES(payload)`
	}
	return `INSERT INTO snapshots (experiment_id, generated_at, payload) VALUES (?, ?, ?)
		ON CONFLICT (experiment_id) DO UPDATE SET generated_at = excluded.generated_at, payload = excluded.payload`
}

// forUpdate locks the selected row inside a transaction where supported.
func (d Dialect) forUpdate() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE"
}
