package hub

import (
	"fmt"
	"time"
)

func asString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func asFloat(m map[string]any, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

func asBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// RouteDeviceMessage dispatches one device->Session ingress envelope by
// its type discriminator (§6).
func (s *Session) RouteDeviceMessage(env Envelope) error {
	switch env.Type {
	case "connection_init":
		return nil // the Session is already bound to the user id from the connection URL; nothing to do
	case "glasses_connection_state":
		status := asString(env.Payload, "status")
		model := asString(env.Payload, "model-name")
		s.capability.HandleConnectionStateEvent(status, model)
	case "vad":
		// vad status currently informs the mic debounce indirectly via
		// subscription aggregates; no direct action beyond logging.
	case "pong":
		s.OnPong()
	case "calendar_event":
		ev := CalendarEvent{
			EventID:  asString(env.Payload, "event-id"),
			Title:    asString(env.Payload, "title"),
			Timezone: asString(env.Payload, "timezone"),
		}
		if v, ok := asFloat(env.Payload, "dt-start"); ok {
			ev.DTStart = time.UnixMilli(int64(v))
		}
		if v, ok := asFloat(env.Payload, "dt-end"); ok {
			ev.DTEnd = time.UnixMilli(int64(v))
		}
		ev.Timestamp = s.clock.Now()
		s.calendar.Add(ev)
	case "location_update":
		update := LocationUpdate{CorrelationID: asString(env.Payload, "correlation-id")}
		if v, ok := asFloat(env.Payload, "lat"); ok {
			update.Lat = v
		}
		if v, ok := asFloat(env.Payload, "lng"); ok {
			update.Lng = v
		}
		if v, ok := asFloat(env.Payload, "accuracy"); ok {
			update.Accuracy, update.HasAccuracy = v, true
		}
		s.location.UpdateFromWebsocket(update)
	case "photo_response":
		s.photo.HandlePhotoResponse(PhotoResponse{
			RequestID:      asString(env.Payload, "request-id"),
			PhotoURL:       asString(env.Payload, "photo-url"),
			SavedToGallery: asBool(env.Payload, "saved-to-gallery"),
		})
	case "rtmp_stream_status":
		s.rtmp.OnDeviceStatus(asString(env.Payload, "stream-id"), asString(env.Payload, "status"))
	case "keep_alive_ack":
		s.rtmp.OnKeepAliveAck(asString(env.Payload, "stream-id"), asString(env.Payload, "ack-id"))
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown device message type %q", env.Type)}
	}
	return nil
}

// RouteAppMessage dispatches one App->Session ingress envelope for pkg.
func (s *Session) RouteAppMessage(pkg string, env Envelope) error {
	if !s.rateLimit.Allow(pkg) {
		return &ValidationError{Field: "rate", Reason: "inbound rate exceeded"}
	}
	switch env.Type {
	case "app_connection_init":
		return nil // handled by the transport adapter prior to registration
	case "subscription_update":
		raw, _ := env.Payload["subscriptions"].([]any)
		requests, err := decodeSubscriptionRequests(raw)
		if err != nil {
			return err
		}
		return s.subs.UpdateSubscriptions(pkg, requests)
	case "photo_request":
		_, err := s.photo.RequestPhoto(PhotoRequest{
			Package:          pkg,
			SaveToGallery:    asBool(env.Payload, "save-to-gallery"),
			CustomWebhookURL: asString(env.Payload, "custom-webhook-url"),
			AuthToken:        asString(env.Payload, "auth-token"),
			Size:             asString(env.Payload, "size"),
		})
		return err
	case "rtmp_stream_request":
		_, err := s.rtmp.StartRtmpStream(RTMPRequest{
			Package: pkg,
			RTMPURL: asString(env.Payload, "rtmp-url"),
		})
		return err
	case "rtmp_stream_stop_request":
		return s.rtmp.StopRtmpStream(pkg, asString(env.Payload, "stream-id"))
	case "audio_play_request":
		s.mu.Lock()
		s.audioPlayReqs[asString(env.Payload, "request-id")] = pkg
		s.mu.Unlock()
	case "audio_play_response":
		reqID := asString(env.Payload, "request-id")
		s.mu.Lock()
		owner, ok := s.audioPlayReqs[reqID]
		if ok {
			delete(s.audioPlayReqs, reqID)
		}
		s.mu.Unlock()
		if ok {
			data, _ := Encode("data_stream", s.clock.Now().UnixMilli(), map[string]any{
				"streamType": "audio-play-response",
				"data":       env.Payload,
			})
			s.sendRawToAppResurrecting(owner, data)
		}
	case "managed_stream_stop":
		// delegated to the managed-stream external collaborator; nothing
		// in this core handles it directly (§6).
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown app message type %q", env.Type)}
	}
	return nil
}
