package storage

import (
	// Pure Go SQLite driver, registered as "sqlite"
	_ "modernc.org/sqlite"
)

// sqliteDialect opens a SQLite file with foreign keys enforced on every pooled
// connection, so deleting a symbol cascades to its daily prices.
var sqliteDialect = dialect{
	name:         TypeSQLite,
	driver:       "sqlite",
	maxOpenConns: 1,
	dsn: func(path string) string {
		return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	},
}
