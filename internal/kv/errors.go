package kv

import "strings"

// isSQLiteBusyError checks if the error is a SQLITE_BUSY error, which
// occurs when the database is locked by another connection.
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// isSQLiteLockedError checks if the error is a "database is locked"
// error, the WAL-mode sibling of SQLITE_BUSY.
func isSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// isSQLiteConflictError reports whether err is a transient SQLite
// concurrency error that typically warrants a retry.
func isSQLiteConflictError(err error) bool {
	return isSQLiteBusyError(err) || isSQLiteLockedError(err)
}
