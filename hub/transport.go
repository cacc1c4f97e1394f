package hub

// CloseCode enumerates the close codes this core uses on TransportHandle.Close.
type CloseCode int

const (
	CloseNormal        CloseCode = 1000
	ClosePingTimeout    CloseCode = 1001
	ClosePolicy         CloseCode = 1008 // invalid API key
	CloseInternal       CloseCode = 1011
	CloseNotAvailable   CloseCode = 1069 // reserved: resurrection in progress
)

// TransportHandle is the abstract message-carrying duplex endpoint every
// device and App connection is adapted to. Framing, TLS, and auth
// headers are an external collaborator's concern; the core only sends
// and receives through this contract.
type TransportHandle interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
	Close(code CloseCode, reason string) error
	// OnClose registers a callback invoked exactly once when the
	// transport observes a close, whether initiated locally or remotely.
	OnClose(fn func(code CloseCode, reason string))
	// IsOpen reports whether sends are currently expected to succeed.
	IsOpen() bool
}
