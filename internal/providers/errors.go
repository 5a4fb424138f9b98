package providers

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// HTTPError is a non-200 response from a provider API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // 0 when the header was absent or unparsable
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider HTTP %d: %s", e.Status, e.Body)
}

// RateLimitError is the distinguished rate-limit signal. ResetAt is the
// parsed reset instant, zero when the provider did not say.
type RateLimitError struct {
	Provider string
	Message  string
	ResetAt  time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("%s: rate limited: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: rate limited until %s: %s",
		e.Provider, e.ResetAt.Format(time.RFC3339), e.Message)
}

// IsRateLimited reports whether err carries a rate-limit signal and returns
// it when so.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// resetAtRe matches the "resets at 3am UTC" / "resets at 11pm (UTC)" phrasing
// the subprocess CLI emits when a usage limit is hit.
var resetAtRe = regexp.MustCompile(`(?i)resets?\s+at\s+(\d{1,2})\s*(am|pm)\s*\(?utc\)?`)

// ParseResetTime extracts the next reset instant from a limit message.
// Returns zero time when the message carries no parsable reset.
func ParseResetTime(msg string, now time.Time) time.Time {
	m := resetAtRe.FindStringSubmatch(msg)
	if m == nil {
		return time.Time{}
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return time.Time{}
	}
	if hour == 12 {
		hour = 0
	}
	if m[2] == "pm" || m[2] == "PM" || m[2] == "Pm" || m[2] == "pM" {
		hour += 12
	}

	now = now.UTC()
	reset := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !reset.After(now) {
		reset = reset.Add(24 * time.Hour)
	}
	return reset
}
