package domain

import "errors"

// Errors whose text is sent to clients as ErrorResponse.Message.
var (
	ErrUnauthorized       = errors.New("authentication required")
	ErrForbidden          = errors.New("missing required scope")
	ErrRateLimited        = errors.New("too many requests")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// ErrorResponse is the JSON body of every non-2xx answer.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Problem builds an ErrorResponse from a machine code and the error shown to
// the client.
func Problem(code string, err error) ErrorResponse {
	return ErrorResponse{Error: code, Message: err.Error()}
}
