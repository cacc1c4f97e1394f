package hub

import "time"

// AppDescriptor is the authoritative-ish snapshot of an installed App,
// sourced from the out-of-scope persistent metadata store.
type AppDescriptor struct {
	Package          string
	PublicURL        string
	RequiredHardware []string
	Standard         bool // "standard/foreground" App, per §4.2 step 4
}

// Capabilities describes what a device model can do.
type Capabilities struct {
	Model    string
	Features []string
}

// Has reports whether the capability set includes feature.
func (c Capabilities) Has(feature string) bool {
	for _, f := range c.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Missing returns the subset of required that c does not have.
func (c Capabilities) Missing(required []string) []string {
	var missing []string
	for _, req := range required {
		if !c.Has(req) {
			missing = append(missing, req)
		}
	}
	return missing
}

// AppDescriptorStore resolves installed-App metadata. External
// collaborator (§1); implementations talk to the persistent store.
type AppDescriptorStore interface {
	Descriptor(pkg string) (AppDescriptor, error)
}

// CapabilityTable resolves a device model name to its capability set.
// External collaborator.
type CapabilityTable interface {
	Capabilities(model string) (Capabilities, bool)
}

// APIKeyVerifier validates an App's connection-init API key. External
// collaborator: JWT/API-key verification primitives are out of scope
// for the core (§1).
type APIKeyVerifier interface {
	Verify(pkg, apiKey string) error
}

// PermissionChecker decides whether pkg may subscribe to stream, given
// its descriptor. External collaborator.
type PermissionChecker interface {
	Check(descriptor AppDescriptor, stream StreamKey) error
}

// AnalyticsSink receives best-effort analytics events ("app_start",
// "app_stop", ...). External collaborator.
type AnalyticsSink interface {
	Event(userID, name string, fields map[string]any)
}

// UserSettingsSnapshot is the canonical per-user settings record loaded
// by UserSettingsBridge.load and mutated by onSettingsUpdatedViaRest.
type UserSettingsSnapshot struct {
	DefaultWearable     string
	MetricSystemEnabled bool
	Extra               map[string]any
}

// UserStore is the persistent user/app metadata store contract (§1,
// out of scope beyond this interface). The store package provides a
// SQLite-backed reference implementation.
type UserStore interface {
	LoadSettings(userID string) (UserSettingsSnapshot, error)
	SaveSettings(userID string, s UserSettingsSnapshot) error
	LoadRunningApps(userID string) ([]string, error)
	SaveRunningApps(userID string, pkgs []string) error
	LoadLastLocation(userID string) (NormalizedLocation, bool, error)
	SaveLastLocation(userID string, loc NormalizedLocation) error
}

// DisplayManager signals boot/cleanup views for App lifecycle. External
// collaborator (layout/display renderer, §1).
type DisplayManager interface {
	ShowBootView(userID, pkg string)
	CleanupPackageViews(userID, pkg string)
}

// StreamWorker represents the transcription or translation worker pool
// (§1, external collaborator). EnsureStream is called post-apply with
// the minimal union of needed streams.
type StreamWorker interface {
	EnsureStream(userID string, keys []StreamKey)
	Feed(userID string, pcm []byte)
}

// NormalizedLocation is a finite lat/lng/accuracy reading with a sane
// timestamp.
type NormalizedLocation struct {
	Lat       float64
	Lng       float64
	Accuracy  float64
	HasAcc    bool
	Timestamp time.Time
}

// CalendarEvent is a canonical calendar record.
type CalendarEvent struct {
	EventID   string
	Title     string
	DTStart   time.Time
	DTEnd     time.Time
	Timezone  string
	Timestamp time.Time
}
