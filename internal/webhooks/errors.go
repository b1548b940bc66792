package webhooks

import "errors"

// Store errors.
var (
	ErrItemNotFound = errors.New("webhook queue item not found")
)

// Enqueue errors.
var (
	ErrSourceRequired  = errors.New("webhook source is required")
	ErrInvalidPayload  = errors.New("webhook payload must be valid JSON")
	ErrInvalidPriority = errors.New("priority must be non-negative")
	ErrFieldTooLong    = errors.New("field exceeds maximum length")
)

// Processing errors.
var (
	ErrHandlerNotFound = errors.New("webhook handler not found")
	ErrUnknownVariant  = errors.New("unknown webhook variant")
	ErrHandlerTimeout  = errors.New("webhook handler timed out")
)

// Query errors.
var (
	ErrInvalidPeriod = errors.New("period must be one of: day, week, month")
)

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the processor fails the item without further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// isPermanent checks if a handler error opted out of retries.
func isPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
