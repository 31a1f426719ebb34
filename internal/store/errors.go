package store

import "errors"

var (
	// ErrNoAccount is returned when a state is saved without an account.
	ErrNoAccount = errors.New("sync state has no account")
	// ErrNoCalendar is returned when a state names no calendar.
	ErrNoCalendar = errors.New("sync state has no calendar id")
)
