package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DeliveryError describes a failed delivery and whether it is worth retrying.
type DeliveryError struct {
	Channel    string
	Status     int // HTTP status, 0 when unknown
	Retryable  bool
	RetryAfter time.Duration // platform-indicated wait, 0 when none
	Err        error
}

func (e *DeliveryError) Error() string {
	msg := "deliver"
	if e.Channel != "" {
		msg += " to " + redact(e.Channel)
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Classify maps a sender error onto a DeliveryError. Rate limits and server
// errors are retryable; other HTTP errors (bad channel, missing permission)
// are permanent. Errors without an HTTP status are treated as transient
// network failures, except context cancellation.
func Classify(channel string, err error) *DeliveryError {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		if de.Channel == "" {
			de.Channel = channel
		}
		return de
	}

	out := &DeliveryError{Channel: channel, Err: err}

	var rl *discordgo.RateLimitError
	var rest *discordgo.RESTError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Retryable = false
	case errors.As(err, &rl):
		out.Status = http.StatusTooManyRequests
		out.Retryable = true
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			out.RetryAfter = rl.RetryAfter
		}
	case errors.As(err, &rest) && rest.Response != nil:
		out.Status = rest.Response.StatusCode
		switch {
		case out.Status == http.StatusTooManyRequests:
			out.Retryable = true
			out.RetryAfter = retryAfterHeader(rest.Response.Header.Get("Retry-After"))
		case out.Status >= 500:
			out.Retryable = true
		}
	default:
		out.Retryable = true
	}
	return out
}

func retryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
