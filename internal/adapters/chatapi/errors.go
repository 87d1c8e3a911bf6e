package chatapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"waitline/internal/dispatch"
)

// statusError carries the vendor's HTTP status through the dispatch
// classifier via dispatch.StatusCoder.
type statusError struct {
	code   int
	detail string
}

func (e statusError) Error() string {
	if e.detail == "" {
		return fmt.Sprintf("chatapi: http %d", e.code)
	}
	return fmt.Sprintf("chatapi: http %d: %s", e.code, e.detail)
}

func (e statusError) StatusCode() int { return e.code }

// httpError builds a statusError from a non-2xx response, reading the
// vendor's error detail when present.
func httpError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	// Best effort; an unreadable body still yields the status code.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)

	err := statusError{code: resp.StatusCode, detail: payload.Error}
	if resp.StatusCode == http.StatusTooManyRequests {
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return dispatch.RetryAfter(err, after)
		}
	}
	return err
}

// classify maps transport and breaker failures onto the dispatch error
// taxonomy. Client errors other than 408/429 are permanent: resending the
// same payload cannot fix them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// An open breaker heals with time, so let the caller retry later.
		return dispatch.Transient(err)
	}
	var se statusError
	if errors.As(err, &se) {
		switch {
		case se.code == http.StatusRequestTimeout, se.code == http.StatusTooManyRequests, se.code >= 500:
			return err // StatusCoder already marks these transient
		default:
			return dispatch.NoRetry(err)
		}
	}
	var ra dispatch.RetryAfterError
	if errors.As(err, &ra) {
		return err
	}
	// Everything else here is a transport-level failure (DNS, conn reset,
	// timeout); net.Error is already transient, the rest we mark explicitly.
	return dispatch.Transient(err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
