package hub

import "sync"

// UserSettingsBridgeDeps wires the capability interfaces this bridge
// needs.
type UserSettingsBridgeDeps struct {
	UserID         string
	Store          UserStore
	SetCurrentModel func(model string)
	AppsForSetting func(key string) []string
	SendToApp      func(pkg string, data []byte)
}

// UserSettingsBridge applies REST-delivered settings to the session and
// drives legacy per-setting broadcasts (§4.11).
type UserSettingsBridge struct {
	mu       sync.Mutex
	snapshot UserSettingsSnapshot

	clock Clock
	deps  UserSettingsBridgeDeps
	log   componentLogger
}

// NewUserSettingsBridge constructs a bridge for one Session.
func NewUserSettingsBridge(clock Clock, deps UserSettingsBridgeDeps) *UserSettingsBridge {
	return &UserSettingsBridge{clock: clock, deps: deps, log: newLogger("settings")}
}

// Load implements §4.11's load operation.
func (b *UserSettingsBridge) Load() error {
	if b.deps.Store == nil {
		return nil
	}
	snap, err := b.deps.Store.LoadSettings(b.deps.UserID)
	if err != nil {
		b.log.Printf("load settings failed: %v", &StoreError{Op: "LoadSettings", Err: err})
		return &StoreError{Op: "LoadSettings", Err: err}
	}
	b.mu.Lock()
	b.snapshot = snap
	b.mu.Unlock()
	if snap.DefaultWearable != "" && b.deps.SetCurrentModel != nil {
		b.deps.SetCurrentModel(snap.DefaultWearable)
	}
	return nil
}

// OnSettingsUpdatedViaREST implements §4.11's onSettingsUpdatedViaRest.
func (b *UserSettingsBridge) OnSettingsUpdatedViaREST(partial map[string]any) {
	b.mu.Lock()
	if v, ok := partial["metric_system_enabled"]; ok {
		if enabled, ok := toBool(v); ok {
			b.snapshot.MetricSystemEnabled = enabled
		}
	}
	if v, ok := partial["default_wearable"].(string); ok && v != "" {
		b.snapshot.DefaultWearable = v
	}
	snap := b.snapshot
	b.mu.Unlock()

	if b.deps.Store != nil {
		if err := b.deps.Store.SaveSettings(b.deps.UserID, snap); err != nil {
			b.log.Printf("save settings failed: %v", &StoreError{Op: "SaveSettings", Err: err})
		}
	}

	if _, ok := partial["metric_system_enabled"]; ok {
		b.broadcastMetricSystem(snap.MetricSystemEnabled)
	}
	if v, ok := partial["default_wearable"].(string); ok && v != "" && b.deps.SetCurrentModel != nil {
		b.deps.SetCurrentModel(v)
	}
}

// Snapshot returns the currently loaded settings.
func (b *UserSettingsBridge) Snapshot() UserSettingsSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot
}

func (b *UserSettingsBridge) broadcastMetricSystem(enabled bool) {
	if b.deps.AppsForSetting == nil || b.deps.SendToApp == nil {
		return
	}
	for _, pkg := range b.deps.AppsForSetting("metricSystemEnabled") {
		data, _ := Encode("augmentos_settings_update", b.clock.Now().UnixMilli(), map[string]any{
			"settings": map[string]any{"metricSystemEnabled": enabled},
		})
		b.deps.SendToApp(pkg, data)
	}
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return t == "true", true
	default:
		return false, false
	}
}
