package auth

import "errors"

// Sentinel errors for the auth package.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)
