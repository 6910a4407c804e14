package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoAvailableModel means no registry model has a credential.
	ErrNoAvailableModel = errors.New("no available model")
	// ErrAllModelsFailed means every candidate failed before producing output.
	ErrAllModelsFailed = errors.New("all models failed")

	errEmptyStream = errors.New("upstream returned an empty stream")
)

// RateLimitError is returned for HTTP 429. RetryAfter is zero when the
// provider gave no usable hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited (429), retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited (429)", e.Provider)
}

// ProviderError is any other upstream failure reported by the provider. Status
// is zero for errors delivered inside an event stream.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s stream error: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("%s error %d: %s", e.Provider, e.Status, e.Body)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

const maxNoticeRunes = 300

// shortError renders err for the inline stream notice.
func shortError(err error) string {
	msg := err.Error()
	if r := []rune(msg); len(r) > maxNoticeRunes {
		msg = string(r[:maxNoticeRunes]) + "..."
	}
	return msg
}
