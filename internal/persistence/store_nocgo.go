//go:build !cgo

package persistence

// isCGOSQLiteBusy: without cgo, mattn/go-sqlite3 is a stub that never
// returns sqlite3.Error values.
func isCGOSQLiteBusy(err error) (busy, ok bool) {
	return false, false
}
