package storage

import (
	// DuckDB database/sql driver, registered as "duckdb"
	_ "github.com/marcboeker/go-duckdb/v2"
)

// duckdbDialect opens an embedded DuckDB file. DuckDB allows a single writer
// process per file, so the connection pool is capped at one.
var duckdbDialect = dialect{
	name:         TypeDuckDB,
	driver:       "duckdb",
	maxOpenConns: 1,
	dsn: func(path string) string {
		return path
	},
}
