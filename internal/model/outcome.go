package model

import (
	"fmt"
)

// OutcomeKind is the terminal tag of a turn.
type OutcomeKind string

const (
	OutcomeCompleted    OutcomeKind = "completed"
	OutcomeRateLimited  OutcomeKind = "rate_limited"
	OutcomeHTTPError    OutcomeKind = "http_error"
	OutcomeNetworkError OutcomeKind = "network_error"
	OutcomeStreamError  OutcomeKind = "stream_error"
	OutcomeAborted      OutcomeKind = "aborted"
)

// StreamOutcome is how a turn ended. Every failure path of a turn resolves to
// one of these values.
type StreamOutcome struct {
	Kind       OutcomeKind `json:"kind"`
	StatusCode int         `json:"status_code,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// Completed returns a completed outcome.
func Completed() StreamOutcome { return StreamOutcome{Kind: OutcomeCompleted} }

// RateLimited returns an outcome asking the user to upgrade.
func RateLimited(reason string) StreamOutcome {
	return StreamOutcome{Kind: OutcomeRateLimited, Reason: reason}
}

// HTTPError returns an outcome for a non-2xx response.
func HTTPError(code int) StreamOutcome {
	return StreamOutcome{Kind: OutcomeHTTPError, StatusCode: code}
}

// NetworkError returns an outcome for a transport failure.
func NetworkError(reason string) StreamOutcome {
	return StreamOutcome{Kind: OutcomeNetworkError, Reason: reason}
}

// StreamError returns an outcome for an explicit `error` event.
func StreamError(reason string) StreamOutcome {
	return StreamOutcome{Kind: OutcomeStreamError, Reason: reason}
}

// Aborted returns an outcome for a cancelled turn.
func Aborted() StreamOutcome { return StreamOutcome{Kind: OutcomeAborted} }

// Failed reports whether the outcome is a failure that gets a failure message.
func (o StreamOutcome) Failed() bool {
	switch o.Kind {
	case OutcomeHTTPError, OutcomeNetworkError, OutcomeStreamError:
		return true
	}
	return false
}

// Unauthorized reports whether the outcome is a 401.
func (o StreamOutcome) Unauthorized() bool {
	return o.Kind == OutcomeHTTPError && o.StatusCode == 401
}

func (o StreamOutcome) String() string {
	switch {
	case o.Kind == OutcomeHTTPError:
		return fmt.Sprintf("%s(%d)", o.Kind, o.StatusCode)
	case o.Reason != "":
		return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
	default:
		return string(o.Kind)
	}
}
