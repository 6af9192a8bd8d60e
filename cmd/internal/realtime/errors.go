package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidConfig is returned by Connect for a config missing url, uid or token.
	ErrInvalidConfig = errors.New("realtime: invalid config")

	// ErrNotInitialized is returned by Send when the session has never connected
	// and no connect is in flight.
	ErrNotInitialized = errors.New("realtime: not initialized")

	// ErrNotConnected is returned by Send while a connect is in flight or after
	// an established connection was lost or closed.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrStateInconsistent is returned when status claims connected but no handle exists.
	// The session resets itself to disconnected before returning it.
	ErrStateInconsistent = errors.New("realtime: connection state inconsistent")

	// ErrConnectionLost is returned when the liveness probe fails or the handle closes mid-request.
	ErrConnectionLost = errors.New("realtime: connection lost")

	// ErrAckTimeout is returned when the server does not acknowledge a request in time.
	ErrAckTimeout = errors.New("realtime: ack timeout")

	// ErrRejected is returned when the server answers a request with an error envelope.
	ErrRejected = errors.New("realtime: rejected by server")

	// ErrConnect is the sentinel all ConnectError values unwrap to.
	ErrConnect = errors.New("realtime: connect failed")

	// ErrSendFailed is the sentinel all SendError values unwrap to.
	ErrSendFailed = errors.New("realtime: send failed")

	// ErrFetchFailed is the sentinel all FetchError values unwrap to.
	ErrFetchFailed = errors.New("realtime: history fetch failed")

	// ErrInvalidMessage is returned by Send for a request that can never be accepted.
	ErrInvalidMessage = errors.New("realtime: invalid message")
)

// ConnectErrorKind classifies connection failures.
type ConnectErrorKind string

const (
	ConnectTimeout   ConnectErrorKind = "timeout"
	ConnectHandshake ConnectErrorKind = "handshake"
	ConnectAuth      ConnectErrorKind = "auth"
	ConnectTransport ConnectErrorKind = "transport"
	ConnectCanceled  ConnectErrorKind = "canceled"
)

// ConnectError is returned by Connect and delivered to error listeners.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", ErrConnect, e.Kind)
	}
	return fmt.Sprintf("%v: %s: %v", ErrConnect, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{ErrConnect, e.Err} }

// Retryable reports whether calling Connect again without new credentials can succeed.
func (e *ConnectError) Retryable() bool {
	return e.Kind != ConnectAuth
}

// SendError carries a non-success reason code from the server (or the local limiter).
type SendError struct {
	Code           ReasonCode
	Classification Classification
	ClientMsgNo    string
	Local          bool
}

func (e *SendError) Error() string {
	src := "server"
	if e.Local {
		src = "local"
	}
	return fmt.Sprintf("%v: %s reason=%s(%d) category=%s", ErrSendFailed, src, e.Classification.Key, uint8(e.Code), e.Classification.Category)
}

func (e *SendError) Unwrap() error { return ErrSendFailed }

// Retryable reports whether the same send may succeed if retried.
func (e *SendError) Retryable() bool { return e.Classification.Retryable }

// RejectedError is an error envelope answering one of our requests.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrRejected, e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// FetchError wraps every failure of a history fetch. History fetches are never
// retried automatically; the UI offers a manual retry.
type FetchError struct {
	Query HistoryQuery
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v: channel=%s mode=%s: %v", ErrFetchFailed, e.Query.ChannelID, e.Query.PullMode, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{ErrFetchFailed, e.Err} }

// IsRetryable reports whether an error returned by Connect, Send or FetchHistory
// is worth retrying without user intervention.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrRejected):
		return false
	case errors.Is(err, ErrNotInitialized),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrStateInconsistent),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrAckTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

var connectivityRE = regexp.MustCompile(`(?i)connect|socket|closed`)

// looksLikeConnectivity matches error texts that indicate the transport is gone.
func looksLikeConnectivity(err error) bool {
	if err == nil {
		return false
	}
	return connectivityRE.MatchString(err.Error())
}
