package hub

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// subscriptionSet is the ordered set of StreamKeys a single package has
// subscribed to. Order is insertion order; StreamKey equality is exact
// string match post-normalization.
type subscriptionSet struct {
	order []StreamKey
	rates map[StreamKey]string // rate for StreamLocation entries
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{rates: make(map[StreamKey]string)}
}

func (s *subscriptionSet) has(key StreamKey) bool {
	for _, k := range s.order {
		if k == key {
			return true
		}
	}
	return false
}

func (s *subscriptionSet) keys() []StreamKey {
	out := make([]StreamKey, len(s.order))
	copy(out, s.order)
	return out
}

// packageQueue serializes updateSubscriptions/removeSubscriptions calls
// for one package FIFO: a per-key queue processed one job at a time,
// callers observe completion via a done channel.
type packageQueue struct {
	mu   sync.Mutex
	jobs chan func()
	once sync.Once
}

func newPackageQueue() *packageQueue {
	pq := &packageQueue{jobs: make(chan func(), 64)}
	go pq.run()
	return pq
}

func (pq *packageQueue) run() {
	for job := range pq.jobs {
		job()
	}
}

func (pq *packageQueue) submit(job func()) {
	done := make(chan struct{})
	pq.jobs <- func() {
		defer close(done)
		job()
	}
	<-done
}

func (pq *packageQueue) close() {
	pq.once.Do(func() { close(pq.jobs) })
}

// SubscriptionEngine owns every package's ordered subscription set plus
// the derived aggregates used by MicrophoneController, AudioPipe, and
// relay-to-apps.
type SubscriptionEngine struct {
	mu       sync.Mutex
	sets     map[string]*subscriptionSet
	queues   map[string]*packageQueue
	reconnAt map[string]time.Time

	needsPCM       map[string]struct{}
	needsTranscrip map[string]struct{}
	langCounts     map[StreamKey]int

	cfg         Config
	clock       Clock
	perm        PermissionChecker
	descriptors AppDescriptorStore

	onPostApply func(pkg string, old, new []StreamKey)
	onPermErr   func(pkg string, err *PermissionError)

	log componentLogger
}

// NewSubscriptionEngine constructs an engine for one Session.
func NewSubscriptionEngine(cfg Config, clock Clock, perm PermissionChecker, descriptors AppDescriptorStore) *SubscriptionEngine {
	return &SubscriptionEngine{
		sets:           make(map[string]*subscriptionSet),
		queues:         make(map[string]*packageQueue),
		reconnAt:       make(map[string]time.Time),
		needsPCM:       make(map[string]struct{}),
		needsTranscrip: make(map[string]struct{}),
		langCounts:     make(map[StreamKey]int),
		cfg:            cfg,
		clock:          clock,
		perm:           perm,
		descriptors:    descriptors,
		log:            newLogger("subscriptions"),
	}
}

// SetPostApplyHook wires the callback invoked after every atomic apply
// with the old and new ordered key lists, used to notify transcription/
// translation workers, LocationController, CalendarCache, and
// MicrophoneController (§4.3 "Post-apply").
func (e *SubscriptionEngine) SetPostApplyHook(fn func(pkg string, old, new []StreamKey)) {
	e.mu.Lock()
	e.onPostApply = fn
	e.mu.Unlock()
}

// SetPermissionErrorHook wires delivery of inline permission_error
// messages to the rejecting App.
func (e *SubscriptionEngine) SetPermissionErrorHook(fn func(pkg string, err *PermissionError)) {
	e.mu.Lock()
	e.onPermErr = fn
	e.mu.Unlock()
}

func (e *SubscriptionEngine) queueFor(pkg string) *packageQueue {
	e.mu.Lock()
	q, ok := e.queues[pkg]
	if !ok {
		q = newPackageQueue()
		e.queues[pkg] = q
	}
	e.mu.Unlock()
	return q
}

// MarkAppReconnected records the reconnect instant used for the
// reconnect-grace rule on empty updates.
func (e *SubscriptionEngine) MarkAppReconnected(pkg string) {
	e.mu.Lock()
	e.reconnAt[pkg] = e.clock.Now()
	e.mu.Unlock()
}

// UpdateSubscriptions applies requests for pkg, serialized FIFO through
// pkg's queue (§4.3).
func (e *SubscriptionEngine) UpdateSubscriptions(pkg string, requests []SubscriptionRequest) error {
	var applyErr error
	e.queueFor(pkg).submit(func() {
		applyErr = e.applyUpdate(pkg, requests)
	})
	return applyErr
}

// RemoveSubscriptions treats pkg as unsubscribed from everything,
// bypassing the reconnect-grace rule.
func (e *SubscriptionEngine) RemoveSubscriptions(pkg string) {
	e.queueFor(pkg).submit(func() {
		e.applyRemoval(pkg)
	})
}

func (e *SubscriptionEngine) applyUpdate(pkg string, requests []SubscriptionRequest) error {
	var descriptor AppDescriptor
	if e.descriptors != nil {
		d, err := e.descriptors.Descriptor(pkg)
		if err == nil {
			descriptor = d
		}
	}

	allowed := make([]SubscriptionRequest, 0, len(requests))
	for _, req := range requests {
		if err := ValidateLanguageQualified(req.Stream); err != nil {
			if e.onPermErr != nil {
				e.onPermErr(pkg, &PermissionError{Stream: req.Stream, Message: err.Error()})
			}
			continue
		}
		if e.perm != nil {
			if err := e.perm.Check(descriptor, req.Stream); err != nil {
				pe := &PermissionError{Stream: req.Stream, RequiredPermission: req.Stream.String(), Message: err.Error()}
				if e.onPermErr != nil {
					e.onPermErr(pkg, pe)
				}
				continue
			}
		}
		allowed = append(allowed, req)
	}

	e.mu.Lock()
	if len(allowed) == 0 {
		if within, ok := e.reconnAt[pkg]; ok && e.clock.Now().Sub(within) < e.cfg.SubscriptionReconnectGrace {
			e.mu.Unlock()
			e.log.Printf("package=%s discarding empty update within reconnect grace", pkg)
			return nil
		}
	}

	old := e.currentKeysLocked(pkg)
	newSet := newSubscriptionSet()
	for _, req := range allowed {
		if newSet.has(req.Stream) {
			continue
		}
		newSet.order = append(newSet.order, req.Stream)
		if req.Stream == StreamLocation {
			newSet.rates[req.Stream] = req.Rate
		}
	}
	e.sets[pkg] = newSet
	e.recomputeAggregatesLocked()
	newKeys := newSet.keys()
	hook := e.onPostApply
	e.mu.Unlock()

	if hook != nil {
		hook(pkg, old, newKeys)
	}
	return nil
}

func (e *SubscriptionEngine) applyRemoval(pkg string) {
	e.mu.Lock()
	old := e.currentKeysLocked(pkg)
	delete(e.sets, pkg)
	delete(e.reconnAt, pkg)
	e.recomputeAggregatesLocked()
	hook := e.onPostApply
	e.mu.Unlock()
	if hook != nil {
		hook(pkg, old, nil)
	}
}

func (e *SubscriptionEngine) currentKeysLocked(pkg string) []StreamKey {
	if s, ok := e.sets[pkg]; ok {
		return s.keys()
	}
	return nil
}

// recomputeAggregatesLocked rebuilds needsPCM/needsTranscrip/langCounts
// from scratch; it is also used directly by tests asserting the
// aggregates-equal-recompute invariant (§8).
func (e *SubscriptionEngine) recomputeAggregatesLocked() {
	e.needsPCM = make(map[string]struct{})
	e.needsTranscrip = make(map[string]struct{})
	e.langCounts = make(map[StreamKey]int)

	for pkg, set := range e.sets {
		for _, key := range set.order {
			switch key.kind() {
			case KindPlain:
				if key == StreamAudioChunk {
					e.needsPCM[pkg] = struct{}{}
				}
			case KindTranscription, KindTranslation:
				e.needsTranscrip[pkg] = struct{}{}
				e.langCounts[key]++
			case KindWildcard:
				e.needsPCM[pkg] = struct{}{}
				e.needsTranscrip[pkg] = struct{}{}
			}
		}
	}
}

// RecomputeAggregates rebuilds the aggregates and returns them, for the
// testable invariant "aggregates(S) == recompute-from-sets(S)".
func (e *SubscriptionEngine) RecomputeAggregates() (pcm, transcrip map[string]struct{}, lang map[StreamKey]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recomputeAggregatesLocked()
	return cloneStringSet(e.needsPCM), cloneStringSet(e.needsTranscrip), cloneLangCounts(e.langCounts)
}

func cloneStringSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func cloneLangCounts(m map[StreamKey]int) map[StreamKey]int {
	out := make(map[StreamKey]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetAppsFor returns packages whose set contains key, the wildcard, or
// all, plus the location-update/location-stream back-compat match.
func (e *SubscriptionEngine) GetAppsFor(key StreamKey) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for pkg, set := range e.sets {
		if set.has(key) || set.has(StreamWildcardStar) || set.has(StreamWildcardAll) {
			out = append(out, pkg)
			continue
		}
		if key == StreamLocationUpdate && set.has(StreamLocation) {
			out = append(out, pkg)
		}
	}
	sort.Strings(out)
	return out
}

// GetAppSubscriptions returns pkg's current ordered set.
func (e *SubscriptionEngine) GetAppSubscriptions(pkg string) []StreamKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentKeysLocked(pkg)
}

// HasSubscription reports whether pkg's set contains stream.
func (e *SubscriptionEngine) HasSubscription(pkg string, stream StreamKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sets[pkg]
	return ok && s.has(stream)
}

// HasPCM reports whether pkg needs PCM audio.
func (e *SubscriptionEngine) HasPCM(pkg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.needsPCM[pkg]
	return ok
}

// HasTranscriptionLike reports whether pkg needs a transcription or
// translation stream.
func (e *SubscriptionEngine) HasTranscriptionLike(pkg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.needsTranscrip[pkg]
	return ok
}

// AnyHasPCMOrTranscription reports whether at least one package needs
// PCM or transcription-like data, driving MicrophoneController.
func (e *SubscriptionEngine) AnyHasPCMOrTranscription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.needsPCM) > 0 || len(e.needsTranscrip) > 0
}

// PackagesNeedingPCM returns a snapshot of all packages needing PCM.
func (e *SubscriptionEngine) PackagesNeedingPCM() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.needsPCM))
	for pkg := range e.needsPCM {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// GetMinimalLanguageSet returns the language-qualified keys with
// positive subscriber count.
func (e *SubscriptionEngine) GetMinimalLanguageSet() []StreamKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StreamKey, 0, len(e.langCounts))
	for k, n := range e.langCounts {
		if n > 0 {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LocationRates returns the rate string for every package currently
// subscribed to the location stream, used to derive the effective
// polling tier (§4.8: "highest-ranked rate seen among subscriptions").
func (e *SubscriptionEngine) LocationRates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, set := range e.sets {
		if rate, ok := set.rates[StreamLocation]; ok && rate != "" {
			out = append(out, rate)
		}
	}
	return out
}

// GetAppsForSetting returns packages subscribed to augmentos:<key>,
// augmentos:*, or augmentos:all.
func (e *SubscriptionEngine) GetAppsForSetting(key string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	want := StreamKey("augmentos:" + key)
	for pkg, set := range e.sets {
		if set.has(want) || set.has("augmentos:*") || set.has("augmentos:all") {
			out = append(out, pkg)
		}
	}
	sort.Strings(out)
	return out
}

// String renders a StreamKey for logging/error messages.
func (k StreamKey) String() string {
	return strings.TrimSpace(string(k))
}

// Close tears down every per-package queue goroutine. Called from
// Session.dispose.
func (e *SubscriptionEngine) Close() {
	e.mu.Lock()
	queues := make([]*packageQueue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()
	for _, q := range queues {
		q.close()
	}
}
