package hub

import (
	"context"
	"sync"
	"time"
)

// SessionDeps wires every external collaborator (§1) a Session needs at
// construction, per DESIGN NOTES §9's "capability interfaces passed at
// construction" guidance.
type SessionDeps struct {
	UserID              string
	Registry            *Registry
	Descriptors         AppDescriptorStore
	Capabilities        CapabilityTable
	APIKeys             APIKeyVerifier
	Permissions         PermissionChecker
	Analytics           AnalyticsSink
	Store               UserStore
	Display             DisplayManager
	Transcription       StreamWorker
	Translation         StreamWorker
	Webhook             WebhookClient
	CloudPublicHostName string
}

// Session is the per-user aggregate that owns every manager and
// transport: shared maps/callbacks plus per-connection writer state,
// combined into one value per user.
type Session struct {
	userID       string
	startTime    time.Time
	disconnected *time.Time

	mu              sync.RWMutex
	deviceTransport TransportHandle
	appTransports   map[string]TransportHandle
	audioPlayReqs   map[string]string // correlation-id -> package
	disposed        bool

	healthMu sync.Mutex
	appSends map[string]*appSendHealth

	cfg   Config
	clock Clock
	deps  SessionDeps

	subs       *SubscriptionEngine
	appConn    *AppConnectionManager
	mic        *MicrophoneController
	audio      *AudioPipe
	rtmp       *VideoStreamTracker
	photo      *PhotoRequestRouter
	location   *LocationController
	calendar   *CalendarCache
	capability *DeviceCapabilityManager
	settings   *UserSettingsBridge
	rateLimit  *perPackageLimiter

	deviceHeartbeat Ticker
	lastPong        time.Time
	deviceGraceTmr  Timer

	log componentLogger
}

// NewSession constructs a Session for one user, wiring every manager
// with the capability interfaces from deps.
func NewSession(cfg Config, clock Clock, deps SessionDeps) *Session {
	s := &Session{
		userID:        deps.UserID,
		startTime:     clock.Now(),
		appTransports: make(map[string]TransportHandle),
		audioPlayReqs: make(map[string]string),
		appSends:      make(map[string]*appSendHealth),
		cfg:           cfg,
		clock:         clock,
		deps:          deps,
		rateLimit:     newPerPackageLimiter(50, 100),
		log:           newLogger("session"),
	}

	s.subs = NewSubscriptionEngine(cfg, clock, deps.Permissions, deps.Descriptors)
	s.subs.SetPermissionErrorHook(s.deliverPermissionError)
	s.subs.SetPostApplyHook(s.onSubscriptionsApplied)

	s.capability = NewDeviceCapabilityManager(clock, DeviceCapabilityManagerDeps{
		Table:            deps.Capabilities,
		Broadcast:        s.broadcastToApps,
		RunningPackages:  s.runningPackages,
		Descriptor:       deps.Descriptors.Descriptor,
		StopIncompatible: func(ctx context.Context, pkg string) error { return s.appConn.StopApp(ctx, pkg, false) },
		Analytics:        deps.Analytics,
		UserID:           deps.UserID,
	})

	s.appConn = NewAppConnectionManager(cfg, clock, AppConnectionManagerDeps{
		Descriptors:         deps.Descriptors,
		Webhook:             deps.Webhook,
		Display:             deps.Display,
		Analytics:           deps.Analytics,
		Store:               deps.Store,
		CurrentCapabilities: s.capability.Current,
		RunningStandardApp:  s.runningStandardApp,
		SendToApp:           s.sendRawToApp,
		CloseAppTransport:   s.closeAppTransport,
		BroadcastAppState:   s.broadcastAppState,
		RemoveSubscriptions: s.subs.RemoveSubscriptions,
		SessionID:           deps.UserID,
		UserID:              deps.UserID,
		CloudWebsocketURL:   "wss://" + deps.CloudPublicHostName + "/ws/" + deps.UserID,
	})

	s.mic = NewMicrophoneController(cfg, clock, s.deviceOpen, s.sendMicStateToDevice)

	s.audio = NewAudioPipe(cfg, clock, AudioPipeDeps{
		OnAudioReceived:    s.mic.OnAudioReceived,
		Transcription:      deps.Transcription,
		Translation:        deps.Translation,
		RelayPCM:           s.relayPCMToApp,
		PackagesNeedingPCM: s.subs.PackagesNeedingPCM,
	})

	s.rtmp = NewVideoStreamTracker(cfg, clock, VideoStreamTrackerDeps{
		AppRunning:          s.appRunning,
		DeviceTransportOpen: s.deviceOpen,
		SendToDevice:        s.sendRawToDevice,
		SendStatusToApp:     s.sendRawToAppResurrecting,
		RelayToSubscribers:  s.relayRTMPStatusToSubscribers,
	})

	s.photo = NewPhotoRequestRouter(cfg, clock, PhotoRequestRouterDeps{
		AppRunning:          s.appRunning,
		DeviceTransportOpen: s.deviceOpen,
		SendToDevice:        s.sendRawToDevice,
		SendToApp:           s.sendRawToAppResurrecting,
		DescriptorPublicURL: s.descriptorPublicURL,
	})

	s.location = NewLocationController(cfg, clock, LocationControllerDeps{
		UserID:              deps.UserID,
		Store:               deps.Store,
		DeviceTransportOpen: s.deviceOpen,
		SendToDevice:        s.sendRawToDevice,
		SendToApp:           s.sendRawToAppResurrecting,
		Broadcast:           s.broadcastToApps,
	})

	s.calendar = NewCalendarCache(cfg, clock, s.sendRawToAppResurrecting, s.broadcastToApps)

	s.settings = NewUserSettingsBridge(clock, UserSettingsBridgeDeps{
		UserID:          deps.UserID,
		Store:           deps.Store,
		SetCurrentModel: s.capability.SetCurrentModel,
		AppsForSetting:  s.subs.GetAppsForSetting,
		SendToApp:       s.sendRawToAppResurrecting,
	})

	return s
}

func (s *Session) runningPackages() []string {
	return s.appConn.running()
}

func (s *Session) runningStandardApp() (string, bool) {
	for _, pkg := range s.runningPackages() {
		d, err := s.deps.Descriptors.Descriptor(pkg)
		if err == nil && d.Standard {
			return pkg, true
		}
	}
	return "", false
}

func (s *Session) appRunning(pkg string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.appTransports[pkg]
	return ok
}

func (s *Session) descriptorPublicURL(pkg string) (string, error) {
	d, err := s.deps.Descriptors.Descriptor(pkg)
	if err != nil {
		return "", err
	}
	return d.PublicURL, nil
}

func (s *Session) deviceOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceTransport != nil && s.deviceTransport.IsOpen()
}

func (s *Session) sendRawToDevice(data []byte) error {
	s.mu.RLock()
	t := s.deviceTransport
	s.mu.RUnlock()
	if t == nil || !t.IsOpen() {
		return &TransportClosedError{Who: "device"}
	}
	return t.SendText(data)
}

// sendHealthFor returns pkg's circuit-breaker state, creating it lazily.
func (s *Session) sendHealthFor(pkg string) *appSendHealth {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	h, ok := s.appSends[pkg]
	if !ok {
		h = &appSendHealth{}
		s.appSends[pkg] = h
	}
	return h
}

func (s *Session) forgetSendHealth(pkg string) {
	s.healthMu.Lock()
	delete(s.appSends, pkg)
	s.healthMu.Unlock()
}

func (s *Session) sendRawToApp(pkg string, data []byte) error {
	health := s.sendHealthFor(pkg)
	if health.shouldSkip(s.cfg.AppSendBreakerThreshold, s.cfg.AppSendBreakerProbeInterval) {
		return &TransportClosedError{Who: pkg}
	}

	s.mu.RLock()
	t, ok := s.appTransports[pkg]
	s.mu.RUnlock()
	if !ok || !t.IsOpen() {
		health.recordFailure()
		return &TransportClosedError{Who: pkg}
	}
	if err := t.SendText(data); err != nil {
		health.recordFailure()
		return err
	}
	health.recordSuccess()
	return nil
}

// sendRawToAppResurrecting routes through AppConnectionManager so
// send failures drive resurrection, matching §4.2's sendMessageToApp.
func (s *Session) sendRawToAppResurrecting(pkg string, data []byte) {
	result := s.appConn.SendMessageToApp(pkg, data)
	if result.Err != nil && !result.Resurrected {
		s.log.Printf("package=%s send suppressed: %v", pkg, result.Err)
	}
}

func (s *Session) relayPCMToApp(pkg string, pcm []byte) {
	health := s.sendHealthFor(pkg)
	if health.shouldSkip(s.cfg.AppSendBreakerThreshold, s.cfg.AppSendBreakerProbeInterval) {
		return
	}

	s.mu.RLock()
	t, ok := s.appTransports[pkg]
	s.mu.RUnlock()
	if !ok || !t.IsOpen() {
		health.recordFailure()
		return
	}
	if err := t.SendBinary(pcm); err != nil {
		health.recordFailure()
		s.log.Printf("package=%s audio relay failed: %v", pkg, err)
		return
	}
	health.recordSuccess()
}

func (s *Session) closeAppTransport(pkg string, code CloseCode, reason string) {
	s.mu.Lock()
	t, ok := s.appTransports[pkg]
	if ok {
		delete(s.appTransports, pkg)
	}
	s.mu.Unlock()
	if ok {
		_ = t.Close(code, reason)
	}
	s.rateLimit.Forget(pkg)
	s.forgetSendHealth(pkg)
}

func (s *Session) broadcastAppState(pkg string, state AppState) {
	data, _ := Encode("data_stream", s.clock.Now().UnixMilli(), map[string]any{
		"streamType": "app-state",
		"data":       map[string]any{"package": pkg, "state": state.String()},
	})
	_ = s.sendRawToDevice(data)
}

func (s *Session) broadcastToApps(data []byte) {
	s.mu.RLock()
	targets := make([]TransportHandle, 0, len(s.appTransports))
	for _, t := range s.appTransports {
		targets = append(targets, t)
	}
	s.mu.RUnlock()
	for _, t := range targets {
		if !t.IsOpen() {
			continue
		}
		if err := t.SendText(data); err != nil {
			s.log.Printf("broadcast send failed: %v", err)
		}
	}
}

func (s *Session) relayRTMPStatusToSubscribers(data []byte) {
	for _, pkg := range s.subs.GetAppsFor(StreamRTMPStatus) {
		s.sendRawToAppResurrecting(pkg, data)
	}
}

func (s *Session) deliverPermissionError(pkg string, err *PermissionError) {
	data, _ := Encode("permission_error", s.clock.Now().UnixMilli(), map[string]any{
		"message": err.Message,
		"details": []map[string]any{{
			"stream":              string(err.Stream),
			"requiredPermission":  err.RequiredPermission,
			"message":             err.Message,
		}},
	})
	s.sendRawToAppResurrecting(pkg, data)
}

func (s *Session) onSubscriptionsApplied(pkg string, old, newKeys []StreamKey) {
	minimal := s.subs.GetMinimalLanguageSet()
	if s.deps.Transcription != nil {
		s.deps.Transcription.EnsureStream(s.userID, minimal)
	}
	if s.deps.Translation != nil {
		s.deps.Translation.EnsureStream(s.userID, minimal)
	}

	hasPCM := s.subs.HasPCM(pkg)
	hasTranscrip := s.subs.HasTranscriptionLike(pkg)
	s.mic.NotifySubscriptionChange(hasPCM, hasTranscrip, s.subs.AnyHasPCMOrTranscription())

	s.location.OnSubscriptionChange(s.subs.LocationRates(), dedupAdded(old, newKeys, StreamLocation, pkg))

	wasCalendar := containsKey(old, StreamCalendarEvent)
	isCalendar := containsKey(newKeys, StreamCalendarEvent)
	if isCalendar && !wasCalendar {
		s.calendar.HandleSubscriptionUpdate(pkg, true)
	} else if !isCalendar && wasCalendar {
		s.calendar.HandleUnsubscribe(pkg)
	}
}

func containsKey(keys []StreamKey, target StreamKey) bool {
	for _, k := range keys {
		if k == target {
			return true
		}
	}
	return false
}

func dedupAdded(old, newKeys []StreamKey, target StreamKey, pkg string) []string {
	if containsKey(newKeys, target) && !containsKey(old, target) {
		return []string{pkg}
	}
	return nil
}

// AttachDevice implements §4.1's attach-device.
func (s *Session) AttachDevice(transport TransportHandle) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrInvalidState
	}
	if s.deviceGraceTmr != nil {
		s.deviceGraceTmr.Stop()
		s.deviceGraceTmr = nil
	}
	s.deviceTransport = transport
	s.disconnected = nil
	s.mu.Unlock()

	transport.OnClose(func(code CloseCode, reason string) {
		s.DetachDevice(reason)
	})

	s.restartHeartbeat()
	return nil
}

func (s *Session) restartHeartbeat() {
	if s.deviceHeartbeat != nil {
		s.deviceHeartbeat.Stop()
	}
	s.deviceHeartbeat = s.clock.Ticker(s.cfg.DeviceHeartbeatInterval)
	go s.runHeartbeat(s.deviceHeartbeat)
}

func (s *Session) runHeartbeat(ticker Ticker) {
	for range ticker.C {
		if !s.deviceOpen() {
			return
		}
		data, _ := Encode("ping", s.clock.Now().UnixMilli(), nil)
		_ = s.sendRawToDevice(data)
		if s.cfg.PongTimeoutEnabled && s.clock.Now().Sub(s.lastPong) > s.cfg.PongTimeout {
			s.mu.RLock()
			t := s.deviceTransport
			s.mu.RUnlock()
			if t != nil {
				_ = t.Close(ClosePingTimeout, "ping timeout")
			}
			return
		}
	}
}

// OnPong records device heartbeat liveness.
func (s *Session) OnPong() {
	s.lastPong = s.clock.Now()
}

// DetachDevice implements §4.1's detach-device.
func (s *Session) DetachDevice(reason string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	s.disconnected = &now
	s.deviceTransport = nil
	s.mu.Unlock()

	if s.deviceHeartbeat != nil {
		s.deviceHeartbeat.Stop()
	}
	s.deviceGraceTmr = s.clock.AfterFunc(s.cfg.DeviceGraceWindow, func() {
		s.Dispose("device grace expired")
	})
	s.log.Printf("user=%s device detached: %s", s.userID, reason)
}

// Dispose implements §4.1's dispose: idempotent terminal cleanup.
func (s *Session) Dispose(reason string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	transports := make([]TransportHandle, 0, len(s.appTransports)+1)
	if s.deviceTransport != nil {
		transports = append(transports, s.deviceTransport)
	}
	for _, t := range s.appTransports {
		transports = append(transports, t)
	}
	s.appTransports = make(map[string]TransportHandle)
	s.deviceTransport = nil
	s.mu.Unlock()

	if s.deviceHeartbeat != nil {
		s.deviceHeartbeat.Stop()
	}
	if s.deviceGraceTmr != nil {
		s.deviceGraceTmr.Stop()
	}
	s.subs.Close()
	s.appConn.Dispose()
	s.mic.Dispose()
	s.audio.Close()
	s.rtmp.StopAll()
	s.photo.Dispose()
	s.location.Dispose()

	for _, t := range transports {
		_ = t.Close(CloseNormal, reason)
	}

	if s.deps.Analytics != nil {
		s.deps.Analytics.Event(s.userID, "session_dispose", map[string]any{"reason": reason})
	}
	if s.deps.Registry != nil {
		s.deps.Registry.Remove(s.userID)
	}
	s.log.Printf("user=%s disposed: %s", s.userID, reason)
}

// RelayToApps implements §4.1's relay-to-apps.
func (s *Session) RelayToApps(key StreamKey, payload map[string]any) {
	fields := map[string]any{"streamType": string(key), "data": payload}
	data, _ := Encode("data_stream", s.clock.Now().UnixMilli(), fields)
	for _, pkg := range s.subs.GetAppsFor(key) {
		if err := s.sendRawToApp(pkg, data); err != nil {
			s.log.Printf("package=%s relay failed: %v", pkg, err)
		}
	}
}

// RelayAudioToApps implements §4.1's relay-audio-to-apps.
func (s *Session) RelayAudioToApps(pcm []byte) {
	for _, pkg := range s.subs.PackagesNeedingPCM() {
		s.relayPCMToApp(pkg, pcm)
	}
}

// SendErrorToDevice implements §4.1's send-error-to-device.
func (s *Session) SendErrorToDevice(code, message string) {
	data, _ := Encode("connection_error", s.clock.Now().UnixMilli(), map[string]any{
		"code":    code,
		"message": message,
	})
	_ = s.sendRawToDevice(data)
}

// GetCapabilities implements §4.1's get-capabilities.
func (s *Session) GetCapabilities() Capabilities {
	return s.capability.Current()
}

// AppConnectionCount reports the number of currently open App
// transports, for metrics.
func (s *Session) AppConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.appTransports)
}

// HandleAppConnectionInit processes an "app_connection_init" message:
// verify the API key, register the transport, and transition to
// Running, sending CONNECTION_ACK or CONNECTION_ERROR as appropriate
// (§4.2, §6).
func (s *Session) HandleAppConnectionInit(pkg, apiKey string, transport TransportHandle) error {
	verify := func() error {
		if s.deps.APIKeys == nil {
			return nil
		}
		return s.deps.APIKeys.Verify(pkg, apiKey)
	}
	if err := s.appConn.HandleTransportInit(pkg, verify); err != nil {
		data, _ := Encode("connection_error", s.clock.Now().UnixMilli(), map[string]any{
			"code":    "INVALID_API_KEY",
			"message": err.Error(),
		})
		_ = transport.SendText(data)
		_ = transport.Close(ClosePolicy, "invalid api key")
		return err
	}

	s.RegisterAppTransport(pkg, transport)

	ack, _ := Encode("connection_ack", s.clock.Now().UnixMilli(), map[string]any{
		"settings":     s.settingsSnapshotFields(),
		"capabilities": s.GetCapabilities().Features,
	})
	_ = transport.SendText(ack)
	return nil
}

func (s *Session) settingsSnapshotFields() map[string]any {
	snap := s.settings.Snapshot()
	return map[string]any{
		"defaultWearable":     snap.DefaultWearable,
		"metricSystemEnabled": snap.MetricSystemEnabled,
	}
}

// RegisterAppTransport installs pkg's transport, evicting any prior one
// per the "at-most-one connection" rule (DESIGN NOTES §9).
func (s *Session) RegisterAppTransport(pkg string, transport TransportHandle) {
	s.mu.Lock()
	if old, ok := s.appTransports[pkg]; ok {
		go old.Close(CloseNormal, "replaced")
	}
	s.appTransports[pkg] = transport
	s.mu.Unlock()

	transport.OnClose(func(code CloseCode, reason string) {
		s.mu.Lock()
		if s.appTransports[pkg] == transport {
			delete(s.appTransports, pkg)
		}
		s.mu.Unlock()
		s.appConn.HandleTransportClose(pkg, code, reason)
	})
}

// running returns the packages currently in AppRunning state.
func (m *AppConnectionManager) running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for pkg, r := range m.records {
		if r.State == AppRunning {
			out = append(out, pkg)
		}
	}
	return out
}
