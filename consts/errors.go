package consts

import "errors"

// ErrCursorExpired is returned when the provider no longer accepts the
// stored cursor and a fresh sync from "now" is required.
var ErrCursorExpired = errors.New("sync cursor expired")

// Sentinel errors for database operations
var (
	ErrDBBeginTransactionFailed = errors.New("start transaction failed")
)
