package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
)

// AppState is one state of the per-package lifecycle machine (§4.2).
type AppState int

const (
	AppRunning AppState = iota
	AppGracePeriod
	AppResurrecting
	AppStopping
	AppDisconnected
)

func (s AppState) String() string {
	switch s {
	case AppRunning:
		return "running"
	case AppGracePeriod:
		return "grace_period"
	case AppResurrecting:
		return "resurrecting"
	case AppStopping:
		return "stopping"
	case AppDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// AppConnectionRecord tracks one package's lifecycle state. Exactly one
// record exists per package-name in use; removal only happens from
// terminal cleanup (§3).
type AppConnectionRecord struct {
	Package       string
	State         AppState
	LastActive    time.Time
	StartedAt     time.Time
	reconnectTmr  Timer
}

// SendResult is the outcome of sendMessageToApp (§4.2).
type SendResult struct {
	Sent        bool
	Resurrected bool
	Err         error
}

// WebhookClient performs the App start/stop session-request POST.
// Production implementations use net/http with the core's backoff
// policy; tests may substitute a fake.
type WebhookClient interface {
	Post(ctx context.Context, url string, body []byte) error
}

// httpWebhookClient is the default WebhookClient, grounded on
// linkpreview.go's short-timeout http.Client usage.
type httpWebhookClient struct {
	client *http.Client
}

// NewHTTPWebhookClient builds a WebhookClient with the given per-attempt
// timeout.
func NewHTTPWebhookClient(attemptTimeout time.Duration) WebhookClient {
	return &httpWebhookClient{client: &http.Client{Timeout: attemptTimeout}}
}

func (c *httpWebhookClient) Post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// AppConnectionManagerDeps wires the capability interfaces passed at
// construction, per DESIGN NOTES §9 ("all cross-component interaction
// uses capability interfaces passed at construction").
type AppConnectionManagerDeps struct {
	Descriptors AppDescriptorStore
	Webhook     WebhookClient
	Display     DisplayManager
	Analytics   AnalyticsSink
	Store       UserStore

	// CurrentCapabilities returns the device's current capability set.
	CurrentCapabilities func() Capabilities
	// RunningStandardApp reports which standard App is currently
	// running, if any, so StartApp can stop it before starting a new
	// standard App.
	RunningStandardApp func() (pkg string, running bool)
	// SendToApp delivers a raw envelope to pkg's transport, if open.
	SendToApp func(pkg string, data []byte) error
	// CloseAppTransport closes and removes pkg's transport.
	CloseAppTransport func(pkg string, code CloseCode, reason string)
	// BroadcastAppState notifies the device of an App's state change.
	BroadcastAppState func(pkg string, state AppState)
	// RemoveSubscriptions is called on stop to drop pkg's subscriptions.
	RemoveSubscriptions func(pkg string)
	// SessionID/UserID/CloudWebsocketURL feed the webhook payload.
	SessionID         string
	UserID            string
	CloudWebsocketURL string
}

// AppConnectionManager is the App lifecycle state machine described in
// §4.2, grounded on client.go's handleClient/processControl connection
// lifecycle (at-most-one-connection eviction, ctrlMu-guarded writer).
type AppConnectionManager struct {
	mu      sync.Mutex
	records map[string]*AppConnectionRecord
	pending map[string]chan struct{} // package -> closed when resolved

	cfg   Config
	clock Clock
	deps  AppConnectionManagerDeps
	sf    singleflight.Group
	log   componentLogger

	stopFn func(pkg string, restart bool) error
}

// NewAppConnectionManager constructs a manager for one Session.
func NewAppConnectionManager(cfg Config, clock Clock, deps AppConnectionManagerDeps) *AppConnectionManager {
	m := &AppConnectionManager{
		records: make(map[string]*AppConnectionRecord),
		pending: make(map[string]chan struct{}),
		cfg:     cfg,
		clock:   clock,
		deps:    deps,
		log:     newLogger("appconn"),
	}
	return m
}

func (m *AppConnectionManager) stateOf(pkg string) AppState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[pkg]; ok {
		return r.State
	}
	return AppDisconnected
}

// StartApp implements §4.2's startApp operation. Concurrent calls for
// the same package coalesce via singleflight, matching the
// "pending-connection coalescing" requirement.
func (m *AppConnectionManager) StartApp(ctx context.Context, pkg string) error {
	if m.stateOf(pkg) == AppRunning {
		return nil
	}

	_, err, _ := m.sf.Do(pkg, func() (any, error) {
		return nil, m.startAppOnce(ctx, pkg)
	})
	return err
}

func (m *AppConnectionManager) startAppOnce(ctx context.Context, pkg string) error {
	if m.stateOf(pkg) == AppRunning {
		return nil
	}

	descriptor, err := m.deps.Descriptors.Descriptor(pkg)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, pkg)
	}

	if m.deps.CurrentCapabilities != nil {
		caps := m.deps.CurrentCapabilities()
		if missing := caps.Missing(descriptor.RequiredHardware); len(missing) > 0 {
			return &HardwareIncompatibleError{Package: pkg, Model: caps.Model, Missing: missing}
		}
	}

	if descriptor.Standard && m.deps.RunningStandardApp != nil {
		if other, running := m.deps.RunningStandardApp(); running && other != pkg {
			if err := m.StopApp(ctx, other, false); err != nil {
				m.log.Printf("package=%s stopping prior standard app=%s: %v", pkg, other, err)
			}
		}
	}

	m.mu.Lock()
	m.records[pkg] = &AppConnectionRecord{Package: pkg, State: AppResurrecting, StartedAt: m.clock.Now()}
	done := make(chan struct{})
	m.pending[pkg] = done
	m.mu.Unlock()

	if m.deps.Display != nil {
		m.deps.Display.ShowBootView(m.deps.UserID, pkg)
	}

	// The webhook attempt runs on its own budget (WebhookAttempts tries
	// of WebhookAttemptTimeout each), independent of the 5s
	// pending-connection deadline below: the deadline bounds how long
	// this call waits on the pending registration, not the webhook's own
	// retry budget, so a slow webhook isn't starved of tries it's
	// entitled to.
	webhookDone := make(chan error, 1)
	go func() {
		webhookDone <- m.triggerStartWebhook(ctx, descriptor)
	}()

	resolve := func(werr error) {
		m.mu.Lock()
		close(done)
		delete(m.pending, pkg)
		if werr != nil {
			if r, ok := m.records[pkg]; ok {
				r.State = AppDisconnected
			}
		}
		m.mu.Unlock()

		if werr != nil && m.deps.Display != nil {
			m.deps.Display.CleanupPackageViews(m.deps.UserID, pkg)
		}
	}

	deadline, cancel := context.WithTimeout(ctx, m.cfg.AppStartDeadline)
	defer cancel()

	select {
	case werr := <-webhookDone:
		resolve(werr)
		if werr != nil {
			return &WebhookError{Package: pkg, URL: descriptor.PublicURL, Err: werr}
		}
		return nil
	case <-deadline.Done():
		go func() { resolve(<-webhookDone) }()
		return &TimeoutError{Op: "app start pending"}
	}
}

func (m *AppConnectionManager) triggerStartWebhook(ctx context.Context, descriptor AppDescriptor) error {
	payload, _ := json.Marshal(map[string]any{
		"type":                "session-request",
		"sessionId":           m.deps.SessionID,
		"userId":              m.deps.UserID,
		"timestamp":           m.clock.Now().UnixMilli(),
		"cloudWebsocketUrl":   m.deps.CloudWebsocketURL,
	})

	url := descriptor.PublicURL + "/webhook"
	operation := func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.WebhookAttemptTimeout)
		defer cancel()
		return struct{}{}, m.deps.Webhook.Post(attemptCtx, url, payload)
	}
	_, err := backoff.Retry(ctx, operation, backoff.WithMaxTries(uint(m.cfg.WebhookAttempts)))
	return err
}

// AwaitPending blocks the caller on an in-flight startApp attempt for
// pkg, returning once it resolves or ctx is done.
func (m *AppConnectionManager) AwaitPending(ctx context.Context, pkg string) {
	m.mu.Lock()
	done, ok := m.pending[pkg]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// HandleTransportInit processes an App's app_connection_init message:
// API-key verification and transition to Running (§4.2). The Session
// registers the App's transport itself once this returns nil.
func (m *AppConnectionManager) HandleTransportInit(pkg string, verify func() error) error {
	if err := verify(); err != nil {
		return &AuthError{Package: pkg, Reason: err.Error()}
	}
	m.mu.Lock()
	r, ok := m.records[pkg]
	if !ok {
		r = &AppConnectionRecord{Package: pkg, StartedAt: m.clock.Now()}
		m.records[pkg] = r
	}
	r.State = AppRunning
	r.LastActive = m.clock.Now()
	m.mu.Unlock()

	if m.deps.Analytics != nil {
		m.deps.Analytics.Event(m.deps.UserID, "app_start", map[string]any{"package": pkg})
	}
	if m.deps.BroadcastAppState != nil {
		m.deps.BroadcastAppState(pkg, AppRunning)
	}
	return nil
}

// SendMessageToApp implements §4.2's sendMessageToApp rules.
func (m *AppConnectionManager) SendMessageToApp(pkg string, data []byte) SendResult {
	state := m.stateOf(pkg)
	switch state {
	case AppStopping, AppGracePeriod, AppResurrecting:
		return SendResult{Sent: false, Resurrected: false, Err: &TransportClosedError{Who: pkg}}
	}

	if m.deps.SendToApp == nil {
		return SendResult{Sent: false, Err: &TransportClosedError{Who: pkg}}
	}
	if err := m.deps.SendToApp(pkg, data); err != nil {
		m.handleTransportClose(pkg, CloseInternal, "send failed")
		return SendResult{Sent: false, Resurrected: true}
	}
	m.mu.Lock()
	if r, ok := m.records[pkg]; ok {
		r.LastActive = m.clock.Now()
	}
	m.mu.Unlock()
	return SendResult{Sent: true}
}

// HandleTransportClose implements §4.2's close-path resurrection logic.
func (m *AppConnectionManager) HandleTransportClose(pkg string, code CloseCode, reason string) {
	m.handleTransportClose(pkg, code, reason)
}

func (m *AppConnectionManager) handleTransportClose(pkg string, code CloseCode, reason string) {
	m.mu.Lock()
	r, ok := m.records[pkg]
	if !ok {
		m.mu.Unlock()
		return
	}
	if r.State == AppStopping {
		delete(m.records, pkg)
		m.mu.Unlock()
		return
	}
	r.State = AppGracePeriod
	timer := m.clock.AfterFunc(m.cfg.AppReconnectGrace, func() {
		m.onReconnectGraceExpired(pkg)
	})
	r.reconnectTmr = timer
	m.mu.Unlock()
}

func (m *AppConnectionManager) onReconnectGraceExpired(pkg string) {
	m.mu.Lock()
	r, ok := m.records[pkg]
	if !ok || r.State != AppGracePeriod {
		m.mu.Unlock()
		return
	}
	r.State = AppResurrecting
	m.mu.Unlock()

	ctx := context.Background()
	if err := m.StopApp(ctx, pkg, true); err != nil {
		m.log.Printf("package=%s resurrection stop failed: %v", pkg, err)
	}
	if err := m.StartApp(ctx, pkg); err != nil {
		m.log.Printf("package=%s resurrection start failed: %v", pkg, err)
		m.mu.Lock()
		if r, ok := m.records[pkg]; ok {
			r.State = AppDisconnected
		}
		m.mu.Unlock()
	}
}

// StopApp implements §4.2's stopApp operation.
func (m *AppConnectionManager) StopApp(ctx context.Context, pkg string, restart bool) error {
	m.mu.Lock()
	r, ok := m.records[pkg]
	if !ok && !restart {
		m.mu.Unlock()
		return nil
	}
	if !ok {
		r = &AppConnectionRecord{Package: pkg}
		m.records[pkg] = r
	}
	if restart {
		r.State = AppResurrecting
	} else {
		r.State = AppStopping
	}
	startedAt := r.StartedAt
	m.mu.Unlock()

	if m.deps.Descriptors != nil && m.deps.Webhook != nil {
		if descriptor, err := m.deps.Descriptors.Descriptor(pkg); err == nil && descriptor.PublicURL != "" {
			stopCtx, cancel := context.WithTimeout(ctx, m.cfg.WebhookAttemptTimeout)
			_ = m.deps.Webhook.Post(stopCtx, descriptor.PublicURL+"/webhook", nil)
			cancel()
		}
	}

	if m.deps.RemoveSubscriptions != nil {
		m.deps.RemoveSubscriptions(pkg)
	}
	if m.deps.BroadcastAppState != nil {
		m.deps.BroadcastAppState(pkg, r.State)
	}
	if m.deps.SendToApp != nil {
		data, _ := Encode("app_stopped", m.clock.Now().UnixMilli(), nil)
		_ = m.deps.SendToApp(pkg, data)
	}
	if m.deps.CloseAppTransport != nil {
		m.deps.CloseAppTransport(pkg, CloseNormal, "stopped")
	}
	if m.deps.Display != nil {
		m.deps.Display.CleanupPackageViews(m.deps.UserID, pkg)
	}
	if m.deps.Store != nil {
		if running, err := m.deps.Store.LoadRunningApps(m.deps.UserID); err == nil {
			running = removeString(running, pkg)
			_ = m.deps.Store.SaveRunningApps(m.deps.UserID, running)
		}
	}
	if m.deps.Analytics != nil {
		duration := m.clock.Now().Sub(startedAt)
		m.deps.Analytics.Event(m.deps.UserID, "app_stop", map[string]any{"package": pkg, "duration_ms": duration.Milliseconds()})
	}

	if !restart {
		m.mu.Lock()
		delete(m.records, pkg)
		m.mu.Unlock()
	}
	return nil
}

// Dispose cancels every pending reconnect timer. Called from
// Session.dispose.
func (m *AppConnectionManager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.reconnectTmr != nil {
			r.reconnectTmr.Stop()
		}
	}
}

func removeString(list []string, target string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
