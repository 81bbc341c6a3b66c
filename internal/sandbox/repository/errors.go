package repository

import "errors"

// ErrUserHasSandbox is returned by Create when the user already owns a
// sandbox record (the user_id unique index fired). Callers treat it as
// "load the existing record", not as a failure.
var ErrUserHasSandbox = errors.New("user already has a sandbox record")
