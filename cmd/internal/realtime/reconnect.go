package realtime

import (
	"errors"
	"fmt"
	"time"
)

// Standard websocket close codes used by the reconnect policy.
const (
	StatusNormalClosure   = 1000
	StatusGoingAway       = 1001
	StatusProtocolError   = 1002
	StatusUnsupportedData = 1003
	StatusNoStatus        = 1005
	StatusAbnormalClosure = 1006
	StatusInvalidPayload  = 1007
	StatusPolicyViolation = 1008
	StatusInternalError   = 1011
)

// CloseError is the driver-independent form of a websocket close.
// Drivers translate library-specific close errors into it.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: code=%d reason=%q", e.Code, e.Reason)
}

// CloseClass is the outcome of ClassifyClose.
type CloseClass uint8

const (
	// CloseRetry means the disconnect was unexpected: schedule one reconnect.
	CloseRetry CloseClass = iota
	// CloseNormal means a normal or client-initiated close: do not reconnect.
	CloseNormal
	// CloseAuthOrProtocol means new credentials are needed: never reconnect.
	CloseAuthOrProtocol
)

func (c CloseClass) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseAuthOrProtocol:
		return "auth_or_protocol"
	default:
		return "retry"
	}
}

// ClassifyClose maps a close code to the reconnect decision.
func ClassifyClose(code int) CloseClass {
	switch {
	case code == StatusNormalClosure:
		return CloseNormal
	case code == StatusProtocolError,
		code == StatusUnsupportedData,
		code == StatusInvalidPayload,
		code == StatusPolicyViolation:
		return CloseAuthOrProtocol
	case code >= 4000 && code <= 4999:
		return CloseAuthOrProtocol
	default:
		return CloseRetry
	}
}

// closeCodeOf extracts a close code from a read error.
// Errors without a close frame count as abnormal closure.
func closeCodeOf(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if err == nil {
		return StatusNormalClosure
	}
	return StatusAbnormalClosure
}

// backoff returns the delay before reconnect attempt n (n starts at 1).
// The first attempt always uses base; later attempts double up to limit.
func backoff(base, limit time.Duration, n int) time.Duration {
	if n <= 1 || base <= 0 {
		return base
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	return d
}
