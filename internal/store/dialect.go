package store

import (
	"strconv"
	"strings"
)

// Dialect selects the backing database engine.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Valid reports whether d names a supported dialect.
func (d Dialect) Valid() bool {
	return d == DialectSQLite || d == DialectPostgres
}

// Rebind converts a query written with ? placeholders into the
// dialect's placeholder format. SQLite queries pass through unchanged;
// Postgres queries get $1..$N. Queries never contain a literal '?'.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
