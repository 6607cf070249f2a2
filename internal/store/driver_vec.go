//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo SQLite driver with the real sqlite-vec
// extension loaded.
const driverName = "sqlite3"

func init() {
	// vec.Auto() registers sqlite-vec as an auto-loadable extension.
	vec.Auto()
}
