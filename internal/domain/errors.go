package domain

import "errors"

// Sentinel errors for the authentication flow. Several internal failure
// causes deliberately collapse into one sentinel so that responses do
// not reveal which check failed:
//   - ErrInvalidCredentials covers unknown email, deactivated account
//     and wrong password.
//   - ErrInvalidOrExpiredOTP covers wrong code, expired code and
//     already-consumed code.
// Internal logs may record the precise cause; the errors must not.
var (
	ErrValidation          = errors.New("validation failed")
	ErrDuplicateUser       = errors.New("user already exists")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidOrExpiredOTP = errors.New("invalid or expired verification code")
	ErrSessionExpired      = errors.New("session expired")
	ErrUserNotFound        = errors.New("user not found")
)
