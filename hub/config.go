package hub

import "time"

// Config holds every timing and environment knob named in §6.
// DefaultConfig fills in sane defaults the same way main.go hard-codes
// flag defaults.
type Config struct {
	CloudPublicHostName string

	DeviceHeartbeatInterval time.Duration
	AppHeartbeatInterval    time.Duration

	PongTimeoutEnabled bool
	PongTimeout        time.Duration

	AppStartDeadline       time.Duration
	WebhookAttempts        int
	WebhookAttemptTimeout  time.Duration

	SubscriptionReconnectGrace time.Duration
	SubscriptionDebounce       time.Duration

	MicDebounce               time.Duration
	MicOffHolddown            time.Duration
	UnauthorizedAudioDebounce time.Duration
	MicKeepAlive              time.Duration

	RTMPKeepAlive     time.Duration
	RTMPAckDeadline   time.Duration
	RTMPStreamTimeout time.Duration
	RTMPMaxMissedAcks int

	PhotoDeadline time.Duration

	DeviceGraceWindow time.Duration
	AppReconnectGrace time.Duration

	AudioOrderedQueueSize int
	AudioOrderedTick      time.Duration

	CalendarCacheCap int

	AppSendBreakerThreshold     uint32
	AppSendBreakerProbeInterval uint32
}

// DefaultConfig returns the defaults enumerated in §6.
func DefaultConfig() Config {
	return Config{
		DeviceHeartbeatInterval: 10 * time.Second,
		AppHeartbeatInterval:    10 * time.Second,

		PongTimeoutEnabled: false,
		PongTimeout:        30 * time.Second,

		AppStartDeadline:      5 * time.Second,
		WebhookAttempts:       2,
		WebhookAttemptTimeout: 10 * time.Second,

		SubscriptionReconnectGrace: 8 * time.Second,
		SubscriptionDebounce:       100 * time.Millisecond,

		MicDebounce:               1000 * time.Millisecond,
		MicOffHolddown:            3 * time.Second,
		UnauthorizedAudioDebounce: 5 * time.Second,
		MicKeepAlive:              10 * time.Second,

		RTMPKeepAlive:     15 * time.Second,
		RTMPAckDeadline:   10 * time.Second,
		RTMPStreamTimeout: 60 * time.Second,
		RTMPMaxMissedAcks: 3,

		PhotoDeadline: 30 * time.Second,

		DeviceGraceWindow: 60 * time.Second,
		AppReconnectGrace: 5 * time.Second,

		AudioOrderedQueueSize: 100,
		AudioOrderedTick:      100 * time.Millisecond,

		CalendarCacheCap: 100,

		AppSendBreakerThreshold:     5,
		AppSendBreakerProbeInterval: 3,
	}
}
