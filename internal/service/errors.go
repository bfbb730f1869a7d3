package service

import "errors"

// ErrAccessDenied is returned when the caller does not own the card it
// targets and is not an admin. Every other validation failure collapses
// into repository.ErrNotFound with a human-readable message.
var ErrAccessDenied = errors.New("access denied")
