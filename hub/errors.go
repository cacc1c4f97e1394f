package hub

import "fmt"

// ValidationError signals malformed input or an invalid stream key. It
// surfaces to the initiator only (§7).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// AuthError signals an invalid API key on App connection init. Session
// responds with connection_error(code="INVALID_API_KEY") and closes 1008.
type AuthError struct {
	Package string
	Reason  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: package %s: %s", e.Package, e.Reason)
}

// HardwareIncompatibleError reports that an App cannot run on the
// current device model/capability set.
type HardwareIncompatibleError struct {
	Package string
	Model   string
	Missing []string
}

func (e *HardwareIncompatibleError) Error() string {
	return fmt.Sprintf("hardware incompatible: package %s on model %s missing %v", e.Package, e.Model, e.Missing)
}

// WebhookError wraps a non-2xx response or transport failure from an
// App's start/stop webhook, after retries are exhausted.
type WebhookError struct {
	Package string
	URL     string
	Err     error
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook failed: package %s url %s: %v", e.Package, e.URL, e.Err)
}

func (e *WebhookError) Unwrap() error { return e.Err }

// TimeoutError marks a deadline expiry: app-start, webhook, rtmp-ack, or
// photo-deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Op)
}

// TransportClosedError signals a send failed because the socket is
// gone. It drives resurrection on the App side; on the device side it
// starts the grace window.
type TransportClosedError struct {
	Who string
}

func (e *TransportClosedError) Error() string {
	return fmt.Sprintf("transport closed: %s", e.Who)
}

// PermissionError is delivered inline to the initiating App on a
// rejected subscription entry.
type PermissionError struct {
	Stream              StreamKey
	RequiredPermission   string
	Message              string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission error: stream %s requires %s: %s", e.Stream, e.RequiredPermission, e.Message)
}

// StoreError wraps a user/descriptor lookup failure. Callers log and
// continue with best-effort defaults; it never crashes a Session.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ErrNotFound indicates an App descriptor lookup missed.
var ErrNotFound = fmt.Errorf("not found")

// ErrInvalidState indicates an operation was attempted on a disposed
// Session.
var ErrInvalidState = fmt.Errorf("invalid state")
