package hub

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// BcryptAPIKeyVerifier is a reference APIKeyVerifier test double: real
// API-key verification is an out-of-scope external collaborator (§1),
// but tests and cmd/hubdemo need a concrete implementation to exercise
// AppConnectionManager's auth path end to end.
type BcryptAPIKeyVerifier struct {
	mu     sync.RWMutex
	hashes map[string][]byte // package -> bcrypt hash of its API key
}

// NewBcryptAPIKeyVerifier constructs an empty verifier.
func NewBcryptAPIKeyVerifier() *BcryptAPIKeyVerifier {
	return &BcryptAPIKeyVerifier{hashes: make(map[string][]byte)}
}

// Register hashes and stores the API key for pkg.
func (v *BcryptAPIKeyVerifier) Register(pkg, apiKey string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash api key: %w", err)
	}
	v.mu.Lock()
	v.hashes[pkg] = hash
	v.mu.Unlock()
	return nil
}

// Verify implements APIKeyVerifier.
func (v *BcryptAPIKeyVerifier) Verify(pkg, apiKey string) error {
	v.mu.RLock()
	hash, ok := v.hashes[pkg]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no key registered for package %s", pkg)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(apiKey)); err != nil {
		return fmt.Errorf("api key mismatch: %w", err)
	}
	return nil
}

// InMemoryAppDescriptorStore is a reference AppDescriptorStore test
// double standing in for the out-of-scope persistent metadata store.
type InMemoryAppDescriptorStore struct {
	mu          sync.RWMutex
	descriptors map[string]AppDescriptor
}

// NewInMemoryAppDescriptorStore constructs an empty store.
func NewInMemoryAppDescriptorStore() *InMemoryAppDescriptorStore {
	return &InMemoryAppDescriptorStore{descriptors: make(map[string]AppDescriptor)}
}

// Put registers or replaces a descriptor.
func (s *InMemoryAppDescriptorStore) Put(d AppDescriptor) {
	s.mu.Lock()
	s.descriptors[d.Package] = d
	s.mu.Unlock()
}

// Descriptor implements AppDescriptorStore.
func (s *InMemoryAppDescriptorStore) Descriptor(pkg string) (AppDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.descriptors[pkg]
	if !ok {
		return AppDescriptor{}, ErrNotFound
	}
	return d, nil
}

// StaticCapabilityTable is a reference CapabilityTable test double.
type StaticCapabilityTable struct {
	mu    sync.RWMutex
	table map[string]Capabilities
}

// NewStaticCapabilityTable constructs a table with Even Realities G1
// registered as a baseline fallback model.
func NewStaticCapabilityTable() *StaticCapabilityTable {
	t := &StaticCapabilityTable{table: make(map[string]Capabilities)}
	t.Put(Capabilities{Model: fallbackModel, Features: []string{"display", "microphone", "speaker"}})
	return t
}

// Put registers capabilities for a model name.
func (t *StaticCapabilityTable) Put(c Capabilities) {
	t.mu.Lock()
	t.table[c.Model] = c
	t.mu.Unlock()
}

// Capabilities implements CapabilityTable.
func (t *StaticCapabilityTable) Capabilities(model string) (Capabilities, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.table[model]
	return c, ok
}

// AllowAllPermissionChecker is a reference PermissionChecker that never
// rejects a subscription; real deployments check the App descriptor
// against a grant table (external collaborator, §1).
type AllowAllPermissionChecker struct{}

// Check implements PermissionChecker.
func (AllowAllPermissionChecker) Check(AppDescriptor, StreamKey) error { return nil }

// LogAnalyticsSink is a reference AnalyticsSink that logs events.
type LogAnalyticsSink struct{}

// Event implements AnalyticsSink.
func (LogAnalyticsSink) Event(userID, name string, fields map[string]any) {
	log.Printf("[analytics] user=%s event=%s fields=%v", userID, name, fields)
}

// LogDisplayManager is a reference DisplayManager that logs view
// transitions instead of driving a real renderer (out of scope, §1).
type LogDisplayManager struct{}

// ShowBootView implements DisplayManager.
func (LogDisplayManager) ShowBootView(userID, pkg string) {
	log.Printf("[display] user=%s show boot view for %s", userID, pkg)
}

// CleanupPackageViews implements DisplayManager.
func (LogDisplayManager) CleanupPackageViews(userID, pkg string) {
	log.Printf("[display] user=%s cleanup views for %s", userID, pkg)
}

// NoopStreamWorker is a reference StreamWorker that discards frames;
// the real transcription/translation workers are out of scope (§1).
type NoopStreamWorker struct{}

// EnsureStream implements StreamWorker.
func (NoopStreamWorker) EnsureStream(userID string, keys []StreamKey) {}

// Feed implements StreamWorker.
func (NoopStreamWorker) Feed(userID string, pcm []byte) {}
