package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeWebhookClient struct {
	mu       sync.Mutex
	calls    int
	failN    int           // fail the first failN calls, then succeed
	delay    time.Duration // artificial delay before each Post returns
	lastBody []byte
}

func (f *fakeWebhookClient) Post(ctx context.Context, url string, body []byte) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastBody = body
	if f.calls <= f.failN {
		return &TimeoutError{Op: "webhook"}
	}
	return nil
}

func newTestAppConn(t *testing.T) (*AppConnectionManager, *clock.Mock, *InMemoryAppDescriptorStore, *fakeWebhookClient) {
	t.Helper()
	mock := clock.NewMock()
	descriptors := NewInMemoryAppDescriptorStore()
	webhook := &fakeWebhookClient{}
	cfg := DefaultConfig()
	m := NewAppConnectionManager(cfg, mock, AppConnectionManagerDeps{
		Descriptors:       descriptors,
		Webhook:           webhook,
		Display:           LogDisplayManager{},
		Analytics:         LogAnalyticsSink{},
		SendToApp:         func(pkg string, data []byte) error { return nil },
		CloseAppTransport: func(pkg string, code CloseCode, reason string) {},
		BroadcastAppState: func(pkg string, state AppState) {},
		UserID:            "alice",
		SessionID:         "alice",
	})
	t.Cleanup(m.Dispose)
	return m, mock, descriptors, webhook
}

func TestAppConnectionManagerStartAppSuccess(t *testing.T) {
	m, _, descriptors, webhook := newTestAppConn(t)
	descriptors.Put(AppDescriptor{Package: "com.example.app", PublicURL: "https://app.example.test"})

	if err := m.StartApp(context.Background(), "com.example.app"); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	if webhook.calls != 1 {
		t.Errorf("webhook calls = %d, want 1", webhook.calls)
	}
}

func TestAppConnectionManagerStartAppUnknownPackage(t *testing.T) {
	m, _, _, _ := newTestAppConn(t)
	if err := m.StartApp(context.Background(), "com.example.missing"); err == nil {
		t.Fatal("expected error starting an unknown package")
	}
}

func TestAppConnectionManagerStartAppHardwareIncompatible(t *testing.T) {
	mock := clock.NewMock()
	descriptors := NewInMemoryAppDescriptorStore()
	descriptors.Put(AppDescriptor{Package: "com.example.app", PublicURL: "https://app.example.test", RequiredHardware: []string{"camera"}})
	m := NewAppConnectionManager(DefaultConfig(), mock, AppConnectionManagerDeps{
		Descriptors:         descriptors,
		Webhook:             &fakeWebhookClient{},
		CurrentCapabilities: func() Capabilities { return Capabilities{Model: "basic", Features: []string{"display"}} },
	})
	t.Cleanup(m.Dispose)

	err := m.StartApp(context.Background(), "com.example.app")
	if err == nil {
		t.Fatal("expected hardware-incompatible error")
	}
	if _, ok := err.(*HardwareIncompatibleError); !ok {
		t.Errorf("error = %T, want *HardwareIncompatibleError", err)
	}
}

func TestAppConnectionManagerStartAppIsIdempotentWhileRunning(t *testing.T) {
	m, _, descriptors, webhook := newTestAppConn(t)
	descriptors.Put(AppDescriptor{Package: "pkg", PublicURL: "https://app.example.test"})

	if err := m.StartApp(context.Background(), "pkg"); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	_ = m.HandleTransportInit("pkg", func() error { return nil })

	if err := m.StartApp(context.Background(), "pkg"); err != nil {
		t.Fatalf("second StartApp: %v", err)
	}
	if webhook.calls != 1 {
		t.Errorf("webhook calls = %d, want 1 (already running should short-circuit)", webhook.calls)
	}
}

func TestAppConnectionManagerHandleTransportInitRejectsBadKey(t *testing.T) {
	m, _, _, _ := newTestAppConn(t)

	err := m.HandleTransportInit("pkg", func() error { return &AuthError{Package: "pkg", Reason: "bad key"} })
	if err == nil {
		t.Fatal("expected auth error for failed verify")
	}
}

func TestAppConnectionManagerSendMessageDuringGracePeriodFails(t *testing.T) {
	m, _, _, _ := newTestAppConn(t)
	_ = m.HandleTransportInit("pkg", func() error { return nil })

	m.HandleTransportClose("pkg", CloseInternal, "socket gone")

	result := m.SendMessageToApp("pkg", []byte("hello"))
	if result.Sent {
		t.Error("send during grace period should not succeed")
	}
}

func TestAppConnectionManagerSendMessageFailureTriggersResurrection(t *testing.T) {
	mock := clock.NewMock()
	descriptors := NewInMemoryAppDescriptorStore()
	m := NewAppConnectionManager(DefaultConfig(), mock, AppConnectionManagerDeps{
		Descriptors: descriptors,
		Webhook:     &fakeWebhookClient{},
		SendToApp:   func(pkg string, data []byte) error { return &TransportClosedError{Who: pkg} },
	})
	t.Cleanup(m.Dispose)
	_ = m.HandleTransportInit("pkg", func() error { return nil })

	result := m.SendMessageToApp("pkg", []byte("hello"))
	if !result.Resurrected {
		t.Error("a failed send should mark the result as resurrecting")
	}
}

func TestAppConnectionManagerReconnectGraceExpiryTriggersResurrection(t *testing.T) {
	m, mock, descriptors, webhook := newTestAppConn(t)
	descriptors.Put(AppDescriptor{Package: "pkg", PublicURL: "https://app.example.test"})
	_ = m.HandleTransportInit("pkg", func() error { return nil })

	m.HandleTransportClose("pkg", CloseInternal, "socket gone")
	mock.Add(DefaultConfig().AppReconnectGrace)
	mock.Add(1)

	if webhook.calls == 0 {
		t.Error("expected a stop+start webhook cycle after reconnect grace expiry")
	}
}

func TestAppConnectionManagerStopAppRemovesSubscriptionsAndRecord(t *testing.T) {
	m, _, descriptors, _ := newTestAppConn(t)
	descriptors.Put(AppDescriptor{Package: "pkg", PublicURL: "https://app.example.test"})
	var removed bool
	m.deps.RemoveSubscriptions = func(pkg string) { removed = true }

	if err := m.StartApp(context.Background(), "pkg"); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	_ = m.HandleTransportInit("pkg", func() error { return nil })

	if err := m.StopApp(context.Background(), "pkg", false); err != nil {
		t.Fatalf("StopApp: %v", err)
	}
	if !removed {
		t.Error("expected RemoveSubscriptions to be called on stop")
	}
	if m.stateOf("pkg") != AppDisconnected {
		t.Errorf("stateOf(pkg) = %v after stop, want AppDisconnected", m.stateOf("pkg"))
	}
}

func TestAppConnectionManagerWebhookBudgetIsIndependentOfPendingDeadline(t *testing.T) {
	mock := clock.NewMock()
	descriptors := NewInMemoryAppDescriptorStore()
	descriptors.Put(AppDescriptor{Package: "pkg", PublicURL: "https://app.example.test"})
	webhook := &fakeWebhookClient{delay: 40 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.AppStartDeadline = 5 * time.Millisecond // far shorter than the webhook's own delay
	m := NewAppConnectionManager(cfg, mock, AppConnectionManagerDeps{
		Descriptors: descriptors,
		Webhook:     webhook,
	})
	t.Cleanup(m.Dispose)

	err := m.StartApp(context.Background(), "pkg")
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("StartApp = %v (%T), want *TimeoutError from the pending deadline", err, err)
	}

	// The webhook attempt must not have been aborted by the short
	// pending deadline: it keeps running on its own budget and still
	// resolves the pending registration once it completes.
	m.AwaitPending(context.Background(), "pkg")

	if calls := webhook.calls; calls != 1 {
		t.Errorf("webhook calls = %d, want 1 (attempt should complete, not be canceled)", calls)
	}
}
