package hub

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// Envelope is the JSON message shape carried over every TransportHandle
// text frame, discriminated by Type. Payload carries kind-specific fields
// as an untyped map so unknown/forward-compatible fields survive a
// permissive decode.
type Envelope struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Payload   map[string]any `json:"-"`
}

// rawEnvelope mirrors only Envelope's typed type and timestamp fields;
// DecodeEnvelope decodes into a map instead, so unknown keys stay in
// Payload.
type rawEnvelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// DecodeEnvelope performs a permissive decode: known discriminator and
// timestamp are typed, everything else flows into Payload untouched.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env := Envelope{Payload: raw}
	if t, ok := raw["type"].(string); ok {
		env.Type = t
	}
	if ts, ok := raw["timestamp"].(float64); ok {
		env.Timestamp = int64(ts)
	}
	return env, nil
}

// Encode marshals an envelope type plus arbitrary fields into a single
// flat JSON object (the wire shape §6 describes for every egress kind).
func Encode(msgType string, timestamp int64, fields map[string]any) ([]byte, error) {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = msgType
	if timestamp != 0 {
		out["timestamp"] = timestamp
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return data, nil
}

// StreamKey identifies a data stream an App subscribes to. It may be
// plain ("audio-chunk"), language-qualified ("transcription:en-US",
// "translation:en-to-es"), a wildcard ("*", "all"), a settings key
// ("augmentos:metricSystemEnabled"), or the location stream.
type StreamKey string

const (
	StreamAudioChunk       StreamKey = "audio-chunk"
	StreamTranscription    StreamKey = "transcription"
	StreamTranslation      StreamKey = "translation"
	StreamLocation         StreamKey = "location-stream"
	StreamLocationUpdate   StreamKey = "location-update"
	StreamCalendarEvent    StreamKey = "calendar-event"
	StreamRTMPStatus       StreamKey = "rtmp-stream-status"
	StreamWildcardStar     StreamKey = "*"
	StreamWildcardAll      StreamKey = "all"
	defaultTranscriptLang            = "en-US"
)

// Normalize expands the bare "transcription" key to the default language
// stream, per §4.3.
func (k StreamKey) Normalize() StreamKey {
	if k == StreamTranscription {
		return StreamKey(string(StreamTranscription) + ":" + defaultTranscriptLang)
	}
	return k
}

// IsWildcard reports whether k matches every stream.
func (k StreamKey) IsWildcard() bool {
	return k == StreamWildcardStar || k == StreamWildcardAll
}

// IsSetting reports whether k is an "augmentos:<key>" settings stream,
// returning the bare setting name.
func (k StreamKey) IsSetting() (name string, ok bool) {
	const prefix = "augmentos:"
	if !strings.HasPrefix(string(k), prefix) {
		return "", false
	}
	return strings.TrimPrefix(string(k), prefix), true
}

// Kind identifies the family a StreamKey belongs to, for aggregate
// maintenance (§4.3 "needs transcription-like", "needs PCM").
type Kind int

const (
	KindPlain Kind = iota
	KindTranscription
	KindTranslation
	KindLocation
	KindSetting
	KindWildcard
)

func (k StreamKey) kind() Kind {
	s := string(k)
	switch {
	case k.IsWildcard():
		return KindWildcard
	case strings.HasPrefix(s, "transcription"):
		return KindTranscription
	case strings.HasPrefix(s, "translation"):
		return KindTranslation
	case k == StreamLocation:
		return KindLocation
	default:
		if _, ok := k.IsSetting(); ok {
			return KindSetting
		}
		return KindPlain
	}
}

// ValidateLanguageQualified checks the `<type>:<tag>` or
// `translation:<src>-to-<dst>` shape using BCP-47 tag parsing, returning
// a ValidationError on malformed tags.
func ValidateLanguageQualified(key StreamKey) error {
	s := string(key)
	switch {
	case strings.HasPrefix(s, "transcription:"):
		tag := strings.TrimPrefix(s, "transcription:")
		if _, err := language.Parse(tag); err != nil {
			return &ValidationError{Field: "stream_key", Reason: fmt.Sprintf("invalid language tag %q: %v", tag, err)}
		}
	case strings.HasPrefix(s, "translation:"):
		rest := strings.TrimPrefix(s, "translation:")
		parts := strings.SplitN(rest, "-to-", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return &ValidationError{Field: "stream_key", Reason: fmt.Sprintf("malformed translation key %q", s)}
		}
		if parts[0] == parts[1] {
			return &ValidationError{Field: "stream_key", Reason: "translation source and destination must differ"}
		}
		if _, err := language.Parse(parts[0]); err != nil {
			return &ValidationError{Field: "stream_key", Reason: fmt.Sprintf("invalid source tag %q: %v", parts[0], err)}
		}
		if _, err := language.Parse(parts[1]); err != nil {
			return &ValidationError{Field: "stream_key", Reason: fmt.Sprintf("invalid dest tag %q: %v", parts[1], err)}
		}
	}
	return nil
}

// SubscriptionRequest is one entry of an App's subscription_update list:
// either a bare StreamKey string or a structured location-stream record
// carrying a rate.
type SubscriptionRequest struct {
	Stream StreamKey
	Rate   string // only meaningful when Stream == location-stream
}

// decodeSubscriptionRequests parses the raw JSON array from a
// subscription_update payload, accepting both plain strings and
// {"stream":"location-stream","rate":"..."} objects.
func decodeSubscriptionRequests(raw []any) ([]SubscriptionRequest, error) {
	out := make([]SubscriptionRequest, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, SubscriptionRequest{Stream: StreamKey(v).Normalize()})
		case map[string]any:
			stream, _ := v["stream"].(string)
			if stream == "" {
				return nil, &ValidationError{Field: "subscriptions", Reason: "structured entry missing stream"}
			}
			rate, _ := v["rate"].(string)
			out = append(out, SubscriptionRequest{Stream: StreamKey(stream), Rate: rate})
		default:
			return nil, &ValidationError{Field: "subscriptions", Reason: "entry must be string or object"}
		}
	}
	return out, nil
}

// LocationTier ranks location subscription accuracy/frequency classes,
// ascending.
type LocationTier int

const (
	TierReduced LocationTier = iota
	TierThreeKilometers
	TierKilometer
	TierHundredMeters
	TierTenMeters
	TierStandard
	TierHigh
	TierRealtime
)

var tierNames = map[string]LocationTier{
	"reduced":         TierReduced,
	"threeKilometers": TierThreeKilometers,
	"kilometer":       TierKilometer,
	"hundredMeters":   TierHundredMeters,
	"tenMeters":       TierTenMeters,
	"standard":        TierStandard,
	"high":            TierHigh,
	"realtime":        TierRealtime,
}

// ParseLocationTier resolves a rate string to a LocationTier, defaulting
// to TierReduced for unrecognized values.
func ParseLocationTier(rate string) LocationTier {
	if t, ok := tierNames[rate]; ok {
		return t
	}
	return TierReduced
}

func (t LocationTier) String() string {
	for name, tier := range tierNames {
		if tier == t {
			return name
		}
	}
	return "reduced"
}
