package hub

import (
	"context"
	"sync"
)

const fallbackModel = "Even Realities G1"

// DeviceCapabilityManagerDeps wires the capability interfaces this
// manager needs.
type DeviceCapabilityManagerDeps struct {
	Table             CapabilityTable
	Broadcast         func(data []byte)
	RunningPackages   func() []string
	Descriptor        func(pkg string) (AppDescriptor, error)
	StopIncompatible  func(ctx context.Context, pkg string) error
	Analytics         AnalyticsSink
	UserID            string
}

// DeviceCapabilityManager resolves model->capability and enforces
// hardware compatibility on model change (§4.10).
type DeviceCapabilityManager struct {
	mu           sync.Mutex
	currentModel string
	current      Capabilities
	haveModel    bool

	clock Clock
	deps  DeviceCapabilityManagerDeps
	log   componentLogger
}

// NewDeviceCapabilityManager constructs a manager for one Session.
func NewDeviceCapabilityManager(clock Clock, deps DeviceCapabilityManagerDeps) *DeviceCapabilityManager {
	return &DeviceCapabilityManager{clock: clock, deps: deps, log: newLogger("capability")}
}

// Current returns the current (or default) capability set, for
// Session.get-capabilities.
func (m *DeviceCapabilityManager) Current() Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.haveModel {
		return m.current
	}
	return Capabilities{Model: fallbackModel}
}

// SetCurrentModel implements §4.10's setCurrentModel.
func (m *DeviceCapabilityManager) SetCurrentModel(model string) {
	m.mu.Lock()
	if m.haveModel && m.currentModel == model {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	caps, ok := Capabilities{}, false
	if m.deps.Table != nil {
		caps, ok = m.deps.Table.Capabilities(model)
	}
	resolvedModel := model
	if !ok {
		m.log.Printf("unknown model %q, falling back to %q", model, fallbackModel)
		resolvedModel = fallbackModel
		if m.deps.Table != nil {
			caps, _ = m.deps.Table.Capabilities(fallbackModel)
		}
	}
	caps.Model = resolvedModel

	m.mu.Lock()
	m.currentModel = resolvedModel
	m.current = caps
	m.haveModel = true
	m.mu.Unlock()

	m.onModelChanged(caps)
}

func (m *DeviceCapabilityManager) onModelChanged(caps Capabilities) {
	if m.deps.Broadcast != nil {
		data, _ := Encode("capabilities_update", m.clock.Now().UnixMilli(), map[string]any{
			"capabilities": caps.Features,
			"modelName":    caps.Model,
		})
		m.deps.Broadcast(data)
	}

	if m.deps.RunningPackages == nil || m.deps.Descriptor == nil || m.deps.StopIncompatible == nil {
		return
	}
	ctx := context.Background()
	for _, pkg := range m.deps.RunningPackages() {
		descriptor, err := m.deps.Descriptor(pkg)
		if err != nil {
			continue
		}
		if missing := caps.Missing(descriptor.RequiredHardware); len(missing) > 0 {
			if err := m.deps.StopIncompatible(ctx, pkg); err != nil {
				m.log.Printf("package=%s stop-on-incompatible failed: %v", pkg, err)
			}
		}
	}
}

// HandleConnectionStateEvent implements §4.10's device connection-state
// handling: runs the same model-resolution pipeline plus analytics.
func (m *DeviceCapabilityManager) HandleConnectionStateEvent(status, model string) {
	if model != "" {
		m.SetCurrentModel(model)
	}
	if m.deps.Analytics != nil {
		m.deps.Analytics.Event(m.deps.UserID, "device_connection_state", map[string]any{"status": status, "model": model})
	}
}
