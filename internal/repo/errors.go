package repo

import "errors"

// Storage-level sentinels. The auth service maps these onto the protocol
// error taxonomy; repos never decide wire semantics.
var (
	ErrNotFound  = errors.New("repo: not found")
	ErrDuplicate = errors.New("repo: duplicate key")
	ErrRevoked   = errors.New("repo: record revoked")
	ErrExpired   = errors.New("repo: record expired")
)
