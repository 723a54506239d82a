package data

import "errors"

var (
	// ErrUserNotFound means no user document matched.
	ErrUserNotFound = errors.New("data: user not found")
	// ErrMessageNotFound means the owner has no message with that id.
	ErrMessageNotFound = errors.New("data: message not found")
	// ErrNotAccepting means the recipient exists but has turned messages off.
	ErrNotAccepting = errors.New("data: user is not accepting messages")
	// ErrDuplicateUser means the username or email is already registered.
	ErrDuplicateUser = errors.New("data: user already exists")
)
