//go:build cgo

package persistence

import (
	"errors"

	mattn "github.com/mattn/go-sqlite3"
)

// isCGOSQLiteBusy reports whether err is a mattn/go-sqlite3 error and, if so,
// whether it carries SQLITE_BUSY or SQLITE_LOCKED.
func isCGOSQLiteBusy(err error) (busy, ok bool) {
	var cgoErr mattn.Error
	if errors.As(err, &cgoErr) {
		return cgoErr.Code == mattn.ErrBusy || cgoErr.Code == mattn.ErrLocked, true
	}
	return false, false
}
