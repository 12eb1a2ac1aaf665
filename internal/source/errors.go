package source

import "errors"

// Failure taxonomy for upstream fetches. Callers classify with errors.Is;
// everything the client returns wraps exactly one of these sentinels.
var (
	// ErrUnavailable covers transient trouble: network errors, timeouts
	// and unexpected status codes. Retry on the next cycle.
	ErrUnavailable = errors.New("source unavailable")

	// ErrBlocked means the scraper itself is being refused by the
	// enrollment site (it reports this as 503). Backing off is the only
	// remedy; the data is fine.
	ErrBlocked = errors.New("source blocked upstream")

	// ErrNotFound means the course code does not exist this term.
	ErrNotFound = errors.New("course not found")

	// ErrMalformed means the response arrived but could not be decoded
	// into sections, or failed validation. Not retryable as-is.
	ErrMalformed = errors.New("malformed source payload")
)
