//go:build !sqlite_vec

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go SQLite driver. Vector search goes through
// the vec0 compatibility shim registered in vec_compat.go.
const driverName = "sqlite"
