package store

import (
	"strconv"
	"time"
)

// Session field names shared with the backend process. The mixed naming is
// part of the wire contract and must not be normalized.
const (
	FieldStatus          = "status"
	FieldBrowserReady    = "browser_ready"
	FieldWorkerReady     = "worker_ready"
	FieldWorkerConnected = "workerConnected"
	FieldStreamStartedAt = "stream_started_at"
	FieldReadyAt         = "readyAt"
	FieldFailedAt        = "failedAt"
	FieldError           = "error"
	FieldToken           = "token"
)

// Session status values.
const (
	StatusActive = "active"
	StatusReady  = "ready"
	StatusError  = "error"
)

// SessionKey returns the registry key for a session id.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// FrameChannel returns the pub/sub channel carrying frames for a session.
func FrameChannel(sessionID string) string {
	return "frames:" + sessionID
}

// StartedFields marks a session as being provisioned.
func StartedFields(now time.Time) map[string]string {
	return map[string]string{
		FieldStatus:          StatusActive,
		FieldStreamStartedAt: timestamp(now),
	}
}

// ReadyFields marks a session as live: capture running and the consumer
// channel connected.
func ReadyFields(now time.Time) map[string]string {
	return map[string]string{
		FieldStatus:          StatusReady,
		FieldBrowserReady:    "true",
		FieldWorkerReady:     "true",
		FieldWorkerConnected: "true",
		FieldReadyAt:         timestamp(now),
	}
}

// ErrorFields marks a session as failed with the given cause.
func ErrorFields(cause string, now time.Time) map[string]string {
	return map[string]string{
		FieldStatus:   StatusError,
		FieldError:    cause,
		FieldFailedAt: timestamp(now),
	}
}

// StoppedFields clears the liveness flags after an explicit stop.
func StoppedFields() map[string]string {
	return map[string]string{
		FieldBrowserReady:    "false",
		FieldWorkerReady:     "false",
		FieldWorkerConnected: "false",
	}
}

func timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
