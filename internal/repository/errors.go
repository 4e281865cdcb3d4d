// Package repository provides row-locked persistence for the sales core.
// Repositories expose ...Tx methods that operate inside a caller-supplied
// *sql.Tx; the caller owns commit and rollback. Sentinel errors let
// handlers distinguish failure kinds without string matching.
package repository

import "errors"

// ErrNotFound is returned when a lookup matches no row. Handlers should
// translate this into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert or update cannot proceed because
// of conflicting existing state, such as reconciling a bank transaction
// that is already linked to a payment. Handlers should translate this into
// an HTTP 409 response.
var ErrConflict = errors.New("conflict")
