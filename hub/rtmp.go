package hub

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamStatus is one state of an RTMP ActiveStream (§3, §4.6).
type StreamStatus int

const (
	StreamInitializing StreamStatus = iota
	StreamActive
	StreamStopping
	StreamStopped
	StreamTimeout
)

func (s StreamStatus) String() string {
	switch s {
	case StreamInitializing:
		return "initializing"
	case StreamActive:
		return "active"
	case StreamStopping:
		return "stopping"
	case StreamStopped:
		return "stopped"
	case StreamTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func parseDeviceStreamStatus(s string) (StreamStatus, bool) {
	switch strings.ToLower(s) {
	case "initializing":
		return StreamInitializing, true
	case "active":
		return StreamActive, true
	case "stopping":
		return StreamStopping, true
	case "stopped":
		return StreamStopped, true
	case "error":
		return StreamStopped, true
	default:
		return 0, false
	}
}

type pendingAck struct {
	sentAt   time.Time
	deadline time.Time
}

// ActiveStream tracks one RTMP stream's lifecycle and keep-alive/ACK
// bookkeeping, grounded on recording.go's ChannelRecorder per-stream
// mutex + time.AfterFunc auto-stop shape, generalized to a 15 s
// keep-alive tick instead of a single max-duration timer.
type ActiveStream struct {
	StreamID    string
	Package     string
	RTMPURL     string
	Status      StreamStatus
	StartTime   time.Time
	LastActivity time.Time
	MissedAcks  int

	mu          sync.Mutex
	pendingAcks map[string]pendingAck
	keepAlive   Ticker
	stopTracking func()
}

// RTMPRequest is the input to StartRtmpStream (§4.6).
type RTMPRequest struct {
	Package string
	RTMPURL string
	Options map[string]any
}

// VideoStreamTrackerDeps wires the capability interfaces this tracker
// needs.
type VideoStreamTrackerDeps struct {
	AppRunning        func(pkg string) bool
	DeviceTransportOpen func() bool
	SendToDevice      func(data []byte) error
	SendStatusToApp   func(pkg string, data []byte)
	RelayToSubscribers func(data []byte)
}

// VideoStreamTracker implements §4.6's RTMP start/stop/keep-alive/ACK
// state machine.
type VideoStreamTracker struct {
	mu      sync.Mutex
	streams map[string]*ActiveStream
	byUser  string // single managed stream-id for the user, if any

	cfg   Config
	clock Clock
	deps  VideoStreamTrackerDeps
	log   componentLogger
}

// NewVideoStreamTracker constructs a tracker for one Session.
func NewVideoStreamTracker(cfg Config, clock Clock, deps VideoStreamTrackerDeps) *VideoStreamTracker {
	return &VideoStreamTracker{
		streams: make(map[string]*ActiveStream),
		cfg:     cfg,
		clock:   clock,
		deps:    deps,
		log:     newLogger("rtmp"),
	}
}

// StartRtmpStream implements §4.6's startRtmpStream.
func (t *VideoStreamTracker) StartRtmpStream(req RTMPRequest) (string, error) {
	if t.deps.AppRunning != nil && !t.deps.AppRunning(req.Package) {
		return "", &ValidationError{Field: "package", Reason: "app not running"}
	}
	if !strings.HasPrefix(req.RTMPURL, "rtmp://") && !strings.HasPrefix(req.RTMPURL, "rtmps://") {
		return "", &ValidationError{Field: "rtmp_url", Reason: "must start with rtmp:// or rtmps://"}
	}
	if t.deps.DeviceTransportOpen != nil && !t.deps.DeviceTransportOpen() {
		return "", &TransportClosedError{Who: "device"}
	}

	t.mu.Lock()
	if t.byUser != "" {
		if existing, ok := t.streams[t.byUser]; ok {
			t.mu.Unlock()
			_ = t.StopRtmpStream(existing.Package, existing.StreamID)
			t.mu.Lock()
		}
	}
	for id, s := range t.streams {
		if s.Status != StreamStopped && s.Status != StreamTimeout {
			t.mu.Unlock()
			_ = t.StopRtmpStream(s.Package, id)
			t.mu.Lock()
		}
	}

	streamID := uuid.NewString()[:8]
	stream := &ActiveStream{
		StreamID:     streamID,
		Package:      req.Package,
		RTMPURL:      req.RTMPURL,
		Status:       StreamInitializing,
		StartTime:    t.clock.Now(),
		LastActivity: t.clock.Now(),
		pendingAcks:  make(map[string]pendingAck),
	}
	t.streams[streamID] = stream
	t.byUser = streamID
	t.mu.Unlock()

	if t.deps.SendToDevice != nil {
		data, _ := Encode("start_rtmp_stream", t.clock.Now().UnixMilli(), map[string]any{
			"rtmpUrl":  req.RTMPURL,
			"appId":    req.Package,
			"streamId": streamID,
		})
		if err := t.deps.SendToDevice(data); err != nil {
			stream.Status = StreamStopped
			return "", &TransportClosedError{Who: "device"}
		}
	}
	t.sendStatusToApp(stream, "")

	stream.keepAlive = t.clock.Ticker(t.cfg.RTMPKeepAlive)
	go t.runKeepAlive(stream)

	return streamID, nil
}

func (t *VideoStreamTracker) sendStatusToApp(stream *ActiveStream, errDetails string) {
	fields := map[string]any{"streamId": stream.StreamID, "status": stream.Status.String()}
	if errDetails != "" {
		fields["errorDetails"] = errDetails
	}
	data, _ := Encode("rtmp_stream_status", t.clock.Now().UnixMilli(), fields)
	if t.deps.SendStatusToApp != nil {
		t.deps.SendStatusToApp(stream.Package, data)
	}
	if t.deps.RelayToSubscribers != nil {
		t.deps.RelayToSubscribers(data)
	}
}

func (t *VideoStreamTracker) runKeepAlive(stream *ActiveStream) {
	for range stream.keepAlive.C {
		t.tick(stream)
	}
}

func (t *VideoStreamTracker) tick(stream *ActiveStream) {
	stream.mu.Lock()
	status := stream.Status
	stream.mu.Unlock()
	if status != StreamInitializing && status != StreamActive {
		t.stopTracking(stream)
		return
	}
	if t.deps.DeviceTransportOpen != nil && !t.deps.DeviceTransportOpen() {
		return
	}

	ackID := uuid.NewString()[:6]
	data, _ := Encode("keep_rtmp_stream_alive", t.clock.Now().UnixMilli(), map[string]any{
		"streamId": stream.StreamID,
		"ackId":    ackID,
	})
	if t.deps.SendToDevice != nil {
		if err := t.deps.SendToDevice(data); err != nil {
			stream.mu.Lock()
			stream.Status = StreamStopped
			stream.mu.Unlock()
			t.sendStatusToApp(stream, "send failed")
			return
		}
	}

	now := t.clock.Now()
	stream.mu.Lock()
	stream.pendingAcks[ackID] = pendingAck{sentAt: now, deadline: now.Add(t.cfg.RTMPAckDeadline)}
	stream.mu.Unlock()

	t.clock.AfterFunc(t.cfg.RTMPAckDeadline, func() {
		t.onAckDeadline(stream, ackID)
	})

	stream.mu.Lock()
	timedOut := now.Sub(stream.LastActivity) > t.cfg.RTMPStreamTimeout && stream.MissedAcks >= t.cfg.RTMPMaxMissedAcks
	if timedOut {
		stream.Status = StreamTimeout
	}
	stream.mu.Unlock()
	if timedOut {
		t.sendStatusToApp(stream, "")
		t.stopTracking(stream)
	}
}

func (t *VideoStreamTracker) onAckDeadline(stream *ActiveStream, ackID string) {
	stream.mu.Lock()
	if _, pending := stream.pendingAcks[ackID]; pending {
		delete(stream.pendingAcks, ackID)
		stream.MissedAcks++
	}
	stream.mu.Unlock()
}

// OnKeepAliveAck clears the tracked pending ACK and resets missed-acks.
func (t *VideoStreamTracker) OnKeepAliveAck(streamID, ackID string) {
	t.mu.Lock()
	stream, ok := t.streams[streamID]
	t.mu.Unlock()
	if !ok {
		t.log.Printf("unknown stream for ack: %s", streamID)
		return
	}
	stream.mu.Lock()
	delete(stream.pendingAcks, ackID)
	stream.MissedAcks = 0
	stream.LastActivity = t.clock.Now()
	stream.mu.Unlock()
}

// OnDeviceStatus maps a glasses status update into the internal state
// machine (§4.6).
func (t *VideoStreamTracker) OnDeviceStatus(streamID, rawStatus string) {
	t.mu.Lock()
	stream, ok := t.streams[streamID]
	t.mu.Unlock()
	if !ok {
		return
	}
	status, known := parseDeviceStreamStatus(rawStatus)
	if !known {
		return
	}
	stream.mu.Lock()
	stream.Status = status
	stream.LastActivity = t.clock.Now()
	stream.mu.Unlock()

	errDetails := ""
	if strings.EqualFold(rawStatus, "error") {
		errDetails = "device reported error"
		t.log.Printf("stream=%s device reported error", streamID)
	}
	t.sendStatusToApp(stream, errDetails)
}

// StopRtmpStream implements §4.6's stopRtmpStream, ownership-checked.
func (t *VideoStreamTracker) StopRtmpStream(pkg, streamID string) error {
	t.mu.Lock()
	stream, ok := t.streams[streamID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %s", ErrNotFound, streamID)
	}
	if stream.Package != pkg {
		return &PermissionError{Message: "only the owning package may stop this stream"}
	}

	stream.mu.Lock()
	if stream.Status == StreamStopped || stream.Status == StreamTimeout {
		stream.mu.Unlock()
		return &ValidationError{Field: "stream_id", Reason: "stream already stopped"}
	}
	stream.Status = StreamStopping
	stream.mu.Unlock()

	if t.deps.SendToDevice != nil {
		data, _ := Encode("stop_rtmp_stream", t.clock.Now().UnixMilli(), map[string]any{
			"appId":    pkg,
			"streamId": streamID,
		})
		_ = t.deps.SendToDevice(data)
	}

	stream.mu.Lock()
	stream.Status = StreamStopped
	stream.mu.Unlock()
	t.sendStatusToApp(stream, "")
	t.stopTracking(stream)
	return nil
}

func (t *VideoStreamTracker) stopTracking(stream *ActiveStream) {
	if stream.keepAlive != nil {
		stream.keepAlive.Stop()
	}
	t.mu.Lock()
	if t.byUser == stream.StreamID {
		t.byUser = ""
	}
	t.mu.Unlock()
}

// StopAll stops every tracked stream. Called from Session.dispose.
func (t *VideoStreamTracker) StopAll() {
	t.mu.Lock()
	streams := make([]*ActiveStream, 0, len(t.streams))
	for _, s := range t.streams {
		streams = append(streams, s)
	}
	t.mu.Unlock()
	for _, s := range streams {
		t.stopTracking(s)
	}
}
