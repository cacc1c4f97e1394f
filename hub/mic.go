package hub

import (
	"sync"
	"time"
)

// MicState is the {enabled, required-data, bypass-vad} tuple sent to
// the device (§4.4).
type MicState struct {
	Enabled      bool
	RequiredData []string
	BypassVAD    bool
}

func (a MicState) equal(b MicState) bool {
	if a.Enabled != b.Enabled || a.BypassVAD != b.BypassVAD || len(a.RequiredData) != len(b.RequiredData) {
		return false
	}
	for i := range a.RequiredData {
		if a.RequiredData[i] != b.RequiredData[i] {
			return false
		}
	}
	return true
}

// micLatch is the "coalescing latch" debounce primitive DESIGN NOTES §9
// prescribes in place of a bare single-shot timer: the first call in a
// silent window fires immediately; calls arriving during the window
// coalesce into a pending target that fires once, at most, when the
// window closes.
type micLatch struct {
	mu          sync.Mutex
	clock       Clock
	delay       time.Duration
	timer       Timer
	inWindow    bool
	lastSent    MicState
	havePending bool
	pending     MicState
	sendFn      func(MicState)
}

func newMicLatch(clock Clock, delay time.Duration, sendFn func(MicState)) *micLatch {
	return &micLatch{clock: clock, delay: delay, sendFn: sendFn}
}

func (l *micLatch) update(target MicState) {
	l.mu.Lock()
	if !l.inWindow {
		l.inWindow = true
		l.lastSent = target
		l.timer = l.clock.AfterFunc(l.delay, l.onTimer)
		l.mu.Unlock()
		l.sendFn(target)
		return
	}
	l.pending = target
	l.havePending = true
	l.mu.Unlock()
}

func (l *micLatch) onTimer() {
	l.mu.Lock()
	l.inWindow = false
	l.timer = nil
	if !l.havePending {
		l.mu.Unlock()
		return
	}
	target := l.pending
	l.havePending = false
	differs := !target.equal(l.lastSent)
	if differs {
		l.lastSent = target
	}
	l.mu.Unlock()
	if differs {
		l.sendFn(target)
	}
}

func (l *micLatch) lastSentState() MicState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSent
}

func (l *micLatch) cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.inWindow = false
	l.havePending = false
}

// MicrophoneController computes the desired device microphone state
// from subscription aggregates and pushes it with debouncing, keep-alive,
// and unauthorized-audio enforcement (§4.4).
type MicrophoneController struct {
	mu    sync.Mutex
	cfg   Config
	clock Clock

	deviceOpen func() bool
	send       func(MicState) error

	hasPCM           bool
	hasTranscription bool
	hasMedia         bool

	latch *micLatch

	subDebounceTimer Timer
	subPending       bool

	holddownTimer Timer

	unauthorizedUntil time.Time
	unauthorizedFired bool

	keepAliveTicker Ticker
	closed          bool

	log componentLogger
}

// NewMicrophoneController constructs a controller for one Session.
func NewMicrophoneController(cfg Config, clock Clock, deviceOpen func() bool, send func(MicState) error) *MicrophoneController {
	m := &MicrophoneController{
		cfg:        cfg,
		clock:      clock,
		deviceOpen: deviceOpen,
		send:       send,
		log:        newLogger("mic"),
	}
	m.latch = newMicLatch(clock, cfg.MicDebounce, m.dispatch)
	m.keepAliveTicker = clock.Ticker(cfg.MicKeepAlive)
	go m.runKeepAlive()
	return m
}

func (m *MicrophoneController) dispatch(target MicState) {
	if m.deviceOpen != nil && !m.deviceOpen() {
		return
	}
	if err := m.send(target); err != nil {
		m.log.Printf("send failed: %v", err)
	}
}

func (m *MicrophoneController) runKeepAlive() {
	for range m.keepAliveTicker.C {
		m.mu.Lock()
		closed := m.closed
		hasMedia := m.hasMedia
		m.mu.Unlock()
		if closed || !hasMedia {
			continue
		}
		last := m.latch.lastSentState()
		if !last.Enabled {
			continue
		}
		if m.deviceOpen != nil && !m.deviceOpen() {
			continue
		}
		m.dispatch(last)
	}
}

func (m *MicrophoneController) deriveTargetLocked() MicState {
	required := []string{}
	if m.hasPCM || m.hasTranscription {
		required = []string{"pcm"}
	}
	return MicState{Enabled: m.hasMedia, RequiredData: required, BypassVAD: m.hasPCM}
}

// NotifySubscriptionChange re-derives desired mic state from updated
// aggregates, debounced 100 ms to coalesce subscription bursts.
func (m *MicrophoneController) NotifySubscriptionChange(hasPCM, hasTranscription, hasMedia bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !hasMedia && m.hasMedia {
		m.scheduleHolddownLocked(hasPCM, hasTranscription)
	} else {
		if m.holddownTimer != nil {
			m.holddownTimer.Stop()
			m.holddownTimer = nil
		}
		m.hasPCM, m.hasTranscription, m.hasMedia = hasPCM, hasTranscription, hasMedia
	}

	if m.subDebounceTimer != nil {
		m.subPending = true
		return
	}
	m.subPending = false
	m.subDebounceTimer = m.clock.AfterFunc(m.cfg.SubscriptionDebounce, m.onSubDebounce)
}

func (m *MicrophoneController) scheduleHolddownLocked(hasPCM, hasTranscription bool) {
	if m.holddownTimer != nil {
		m.holddownTimer.Stop()
	}
	m.holddownTimer = m.clock.AfterFunc(m.cfg.MicOffHolddown, func() {
		m.mu.Lock()
		m.hasPCM, m.hasTranscription, m.hasMedia = hasPCM, hasTranscription, false
		m.holddownTimer = nil
		target := m.deriveTargetLocked()
		m.mu.Unlock()
		m.latch.update(target)
	})
}

func (m *MicrophoneController) onSubDebounce() {
	m.mu.Lock()
	m.subDebounceTimer = nil
	if m.subPending {
		m.subPending = false
		m.subDebounceTimer = m.clock.AfterFunc(m.cfg.SubscriptionDebounce, m.onSubDebounce)
		m.mu.Unlock()
		return
	}
	target := m.deriveTargetLocked()
	m.mu.Unlock()
	m.latch.update(target)
}

// OnAudioReceived implements the unauthorized-audio guard (§4.4).
func (m *MicrophoneController) OnAudioReceived() {
	m.mu.Lock()
	now := m.clock.Now()
	if now.Before(m.unauthorizedUntil) {
		m.mu.Unlock()
		return
	}
	enabled := m.latch.lastSentState().Enabled
	hasMedia := m.hasMedia
	if enabled && hasMedia {
		m.mu.Unlock()
		return
	}
	m.unauthorizedFired = true
	m.unauthorizedUntil = now.Add(m.cfg.UnauthorizedAudioDebounce)
	m.mu.Unlock()

	m.dispatch(MicState{Enabled: false})

	m.clock.AfterFunc(m.cfg.UnauthorizedAudioDebounce, func() {
		m.mu.Lock()
		m.unauthorizedFired = false
		m.mu.Unlock()
	})
}

// Dispose clears all timers (§4.4).
func (m *MicrophoneController) Dispose() {
	m.mu.Lock()
	m.closed = true
	if m.subDebounceTimer != nil {
		m.subDebounceTimer.Stop()
	}
	if m.holddownTimer != nil {
		m.holddownTimer.Stop()
	}
	m.mu.Unlock()
	m.latch.cancel()
	if m.keepAliveTicker != nil {
		m.keepAliveTicker.Stop()
	}
}
