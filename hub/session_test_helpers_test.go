package hub

import "github.com/benbjohnson/clock"

// newTestSession builds a Session wired with the in-package reference
// collaborators, for tests that need a real Session rather than
// exercising a manager in isolation.
func newTestSession(userID string) (*Session, *clock.Mock) {
	mock := clock.NewMock()
	cfg := DefaultConfig()
	s := NewSession(cfg, mock, SessionDeps{
		UserID:              userID,
		Descriptors:         NewInMemoryAppDescriptorStore(),
		Capabilities:        NewStaticCapabilityTable(),
		APIKeys:             NewBcryptAPIKeyVerifier(),
		Permissions:         AllowAllPermissionChecker{},
		Analytics:           LogAnalyticsSink{},
		Display:             LogDisplayManager{},
		Transcription:       NoopStreamWorker{},
		Translation:         NoopStreamWorker{},
		Webhook:             NewHTTPWebhookClient(cfg.WebhookAttemptTimeout),
		CloudPublicHostName: "example.test",
	})
	return s, mock
}

// fakeTransport is a hand-rolled TransportHandle test double recording
// every sent frame.
type fakeTransport struct {
	text   [][]byte
	binary [][]byte
	closed bool
	code   CloseCode
	reason string
	onCl   func(CloseCode, string)
}

func (f *fakeTransport) SendText(data []byte) error {
	if f.closed {
		return &TransportClosedError{Who: "fake"}
	}
	f.text = append(f.text, data)
	return nil
}

func (f *fakeTransport) SendBinary(data []byte) error {
	if f.closed {
		return &TransportClosedError{Who: "fake"}
	}
	f.binary = append(f.binary, data)
	return nil
}

func (f *fakeTransport) Close(code CloseCode, reason string) error {
	f.closed = true
	f.code = code
	f.reason = reason
	if f.onCl != nil {
		f.onCl(code, reason)
	}
	return nil
}

func (f *fakeTransport) OnClose(fn func(CloseCode, string)) { f.onCl = fn }

func (f *fakeTransport) IsOpen() bool { return !f.closed }

// failingTransport is open throughout but returns an error from every
// send, for exercising the per-App circuit breaker.
type failingTransport struct {
	sendCount int
}

func (f *failingTransport) SendText(data []byte) error {
	f.sendCount++
	return &TransportClosedError{Who: "failing"}
}

func (f *failingTransport) SendBinary(data []byte) error {
	f.sendCount++
	return &TransportClosedError{Who: "failing"}
}

func (f *failingTransport) Close(code CloseCode, reason string) error { return nil }
func (f *failingTransport) OnClose(fn func(CloseCode, string))        {}
func (f *failingTransport) IsOpen() bool                              { return true }
