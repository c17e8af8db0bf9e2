package models

import "errors"

// Application-wide errors. Callers wrap them with context via fmt.Errorf("%w").
var (
	ErrNotFound          = errors.New("resource not found")
	ErrStorylineNotFound = errors.New("storyline not found")
	ErrUserNotFound      = errors.New("user not found")

	ErrUnauthorized = errors.New("unauthorized") // authentication required or failed
	ErrForbidden    = errors.New("forbidden")    // authenticated, but not the owner

	ErrTokenInvalid   = errors.New("token is invalid")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenRevoked   = errors.New("token has been revoked")

	ErrInvalidInput     = errors.New("invalid input data")
	ErrStepLimitReached = errors.New("storyline already has all of its steps")

	// Model backend errors.
	ErrServiceUnavailable = errors.New("generation service is not ready")
	ErrGenerationFailed   = errors.New("generation failed")
	ErrMalformedResponse  = errors.New("malformed model response")

	ErrInternalServer = errors.New("internal server error")
)
