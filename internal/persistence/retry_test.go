//go:build cgo

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	mattn "github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	busy := []error{
		mattn.Error{Code: mattn.ErrBusy},
		mattn.Error{Code: mattn.ErrLocked},
		fmt.Errorf("append event: %w", mattn.Error{Code: mattn.ErrBusy}),
	}
	for _, err := range busy {
		if !isSQLiteBusy(err) {
			t.Fatalf("isSQLiteBusy(%v) = false", err)
		}
	}
	notBusy := []error{
		nil,
		errors.New("database is locked"),
		errors.New("sqlite: step: (6)"),
		errors.New("invalid input (5) for field"),
		mattn.Error{Code: mattn.ErrConstraint},
	}
	for _, err := range notBusy {
		if isSQLiteBusy(err) {
			t.Fatalf("isSQLiteBusy(%v) = true", err)
		}
	}
}

// A second writer hits the write lock held by the first; both drivers must
// report that as busy.
func TestIsSQLiteBusy_RealLockContention(t *testing.T) {
	for _, driver := range []Driver{DriverCGO, DriverPure} {
		t.Run(string(driver), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "lock.db")
			dsn := path + "?_busy_timeout=0"
			if driver == DriverPure {
				dsn = "file:" + path + "?_pragma=busy_timeout(0)"
			}
			ctx := context.Background()
			open := func() *sql.Conn {
				db, err := sql.Open(string(driver), dsn)
				if err != nil {
					t.Fatalf("open: %v", err)
				}
				t.Cleanup(func() { _ = db.Close() })
				conn, err := db.Conn(ctx)
				if err != nil {
					t.Fatalf("conn: %v", err)
				}
				t.Cleanup(func() { _ = conn.Close() })
				return conn
			}
			first, second := open(), open()
			if _, err := first.ExecContext(ctx, "CREATE TABLE t (x INTEGER)"); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := first.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
				t.Fatalf("begin: %v", err)
			}
			defer first.ExecContext(ctx, "ROLLBACK")

			_, err := second.ExecContext(ctx, "BEGIN IMMEDIATE")
			if err == nil {
				t.Fatal("second writer got the lock")
			}
			if !isSQLiteBusy(err) {
				t.Fatalf("isSQLiteBusy(%v) = false", err)
			}

			_, err = first.ExecContext(ctx, "INSERT INTO nope VALUES (1)")
			if err == nil || isSQLiteBusy(err) {
				t.Fatalf("missing table error classified as busy: %v", err)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	locked := mattn.Error{Code: mattn.ErrLocked}
	tests := []struct {
		name      string
		retries   int
		failures  int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{"first try", 3, 0, nil, 1, false},
		{"busy then ok", 3, 2, locked, 3, false},
		{"exhausted", 2, 10, locked, 3, true},
		{"not busy", 3, 10, errors.New("disk I/O error"), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tt.retries, func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			if (err != nil) != tt.wantErr || calls != tt.wantCalls {
				t.Fatalf("err = %v, calls = %d; want err %t, calls %d", err, calls, tt.wantErr, tt.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return mattn.Error{Code: mattn.ErrBusy}
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}
