package hub

import (
	"testing"

	"github.com/benbjohnson/clock"
)

type fakeDescriptorStore struct {
	descriptors map[string]AppDescriptor
}

func (f *fakeDescriptorStore) Descriptor(pkg string) (AppDescriptor, error) {
	d, ok := f.descriptors[pkg]
	if !ok {
		return AppDescriptor{}, ErrNotFound
	}
	return d, nil
}

type denyPermissionChecker struct {
	denyStream StreamKey
}

func (d denyPermissionChecker) Check(descriptor AppDescriptor, stream StreamKey) error {
	if stream == d.denyStream {
		return &PermissionError{Stream: stream, Message: "not permitted"}
	}
	return nil
}

func newTestEngine() *SubscriptionEngine {
	return NewSubscriptionEngine(DefaultConfig(), clock.NewMock(), nil, &fakeDescriptorStore{descriptors: map[string]AppDescriptor{}})
}

func TestSubscriptionEngineUpdateAndQuery(t *testing.T) {
	e := newTestEngine()
	t.Cleanup(e.Close)

	if err := e.UpdateSubscriptions("com.example.app", []SubscriptionRequest{
		{Stream: StreamAudioChunk},
		{Stream: StreamTranscription},
	}); err != nil {
		t.Fatalf("UpdateSubscriptions: %v", err)
	}

	if !e.HasSubscription("com.example.app", StreamAudioChunk) {
		t.Error("expected audio-chunk subscription")
	}
	if !e.HasPCM("com.example.app") {
		t.Error("expected HasPCM true for audio-chunk subscriber")
	}
	if !e.HasTranscriptionLike("com.example.app") {
		t.Error("expected HasTranscriptionLike true after transcription subscribe")
	}

	apps := e.GetAppsFor(StreamAudioChunk)
	if len(apps) != 1 || apps[0] != "com.example.app" {
		t.Errorf("GetAppsFor(audio-chunk) = %v, want [com.example.app]", apps)
	}
}

func TestSubscriptionEngineDedupesRepeatedKeys(t *testing.T) {
	e := newTestEngine()
	t.Cleanup(e.Close)

	_ = e.UpdateSubscriptions("pkg", []SubscriptionRequest{
		{Stream: StreamAudioChunk},
		{Stream: StreamAudioChunk},
	})

	keys := e.GetAppSubscriptions("pkg")
	if len(keys) != 1 {
		t.Errorf("len(keys) = %d, want 1 (deduped)", len(keys))
	}
}

func TestSubscriptionEngineWildcardMatchesEverything(t *testing.T) {
	e := newTestEngine()
	t.Cleanup(e.Close)

	_ = e.UpdateSubscriptions("pkg", []SubscriptionRequest{{Stream: StreamWildcardStar}})

	if !e.HasPCM("pkg") || !e.HasTranscriptionLike("pkg") {
		t.Error("wildcard subscription should imply both PCM and transcription-like needs")
	}
	apps := e.GetAppsFor(StreamRTMPStatus)
	if len(apps) != 1 || apps[0] != "pkg" {
		t.Errorf("wildcard package should match any stream, got %v", apps)
	}
}

func TestSubscriptionEngineRemoveSubscriptions(t *testing.T) {
	e := newTestEngine()
	t.Cleanup(e.Close)

	_ = e.UpdateSubscriptions("pkg", []SubscriptionRequest{{Stream: StreamAudioChunk}})
	e.RemoveSubscriptions("pkg")

	if e.HasPCM("pkg") {
		t.Error("HasPCM should be false after RemoveSubscriptions")
	}
	if keys := e.GetAppSubscriptions("pkg"); len(keys) != 0 {
		t.Errorf("expected no subscriptions after removal, got %v", keys)
	}
}

func TestSubscriptionEngineRejectsDeniedPermission(t *testing.T) {
	mock := clock.NewMock()
	e := NewSubscriptionEngine(DefaultConfig(), mock, denyPermissionChecker{denyStream: StreamAudioChunk}, &fakeDescriptorStore{})
	t.Cleanup(e.Close)

	var rejected *PermissionError
	e.SetPermissionErrorHook(func(pkg string, err *PermissionError) { rejected = err })

	_ = e.UpdateSubscriptions("pkg", []SubscriptionRequest{
		{Stream: StreamAudioChunk},
		{Stream: StreamTranscription},
	})

	if rejected == nil || rejected.Stream != StreamAudioChunk {
		t.Fatalf("expected a permission rejection for audio-chunk, got %v", rejected)
	}
	if e.HasPCM("pkg") {
		t.Error("denied stream should not grant PCM aggregate")
	}
	if !e.HasTranscriptionLike("pkg") {
		t.Error("non-denied stream should still be applied")
	}
}

func TestSubscriptionEngineEmptyUpdateDiscardedWithinReconnectGrace(t *testing.T) {
	mock := clock.NewMock()
	e := NewSubscriptionEngine(DefaultConfig(), mock, nil, &fakeDescriptorStore{})
	t.Cleanup(e.Close)

	_ = e.UpdateSubscriptions("pkg", []SubscriptionRequest{{Stream: StreamAudioChunk}})
	e.MarkAppReconnected("pkg")

	_ = e.UpdateSubscriptions("pkg", nil)

	if !e.HasSubscription("pkg", StreamAudioChunk) {
		t.Error("empty update within reconnect grace should be discarded, not clear subscriptions")
	}
}

func TestSubscriptionEngineEmptyUpdateAppliesOutsideReconnectGrace(t *testing.T) {
	mock := clock.NewMock()
	e := NewSubscriptionEngine(DefaultConfig(), mock, nil, &fakeDescriptorStore{})
	t.Cleanup(e.Close)

	_ = e.UpdateSubscriptions("pkg", []SubscriptionRequest{{Stream: StreamAudioChunk}})
	e.MarkAppReconnected("pkg")
	mock.Add(DefaultConfig().SubscriptionReconnectGrace + 1)

	_ = e.UpdateSubscriptions("pkg", nil)

	if e.HasSubscription("pkg", StreamAudioChunk) {
		t.Error("empty update outside reconnect grace should clear subscriptions")
	}
}

func TestSubscriptionEngineLocationRates(t *testing.T) {
	e := newTestEngine()
	t.Cleanup(e.Close)

	_ = e.UpdateSubscriptions("pkg1", []SubscriptionRequest{{Stream: StreamLocation, Rate: "standard"}})
	_ = e.UpdateSubscriptions("pkg2", []SubscriptionRequest{{Stream: StreamLocation, Rate: "high"}})

	rates := e.LocationRates()
	if len(rates) != 2 {
		t.Fatalf("len(rates) = %d, want 2", len(rates))
	}
	hasStandard, hasHigh := false, false
	for _, r := range rates {
		if r == "standard" {
			hasStandard = true
		}
		if r == "high" {
			hasHigh = true
		}
	}
	if !hasStandard || !hasHigh {
		t.Errorf("rates = %v, want both standard and high", rates)
	}
}

func TestSubscriptionEnginePostApplyHookFires(t *testing.T) {
	e := newTestEngine()
	t.Cleanup(e.Close)

	var gotOld, gotNew []StreamKey
	e.SetPostApplyHook(func(pkg string, old, new []StreamKey) {
		gotOld, gotNew = old, new
	})

	_ = e.UpdateSubscriptions("pkg", []SubscriptionRequest{{Stream: StreamAudioChunk}})
	if len(gotOld) != 0 || len(gotNew) != 1 {
		t.Errorf("post-apply hook got old=%v new=%v, want empty old, one new", gotOld, gotNew)
	}

	_ = e.UpdateSubscriptions("pkg", []SubscriptionRequest{{Stream: StreamTranscription}})
	if len(gotOld) != 1 || len(gotNew) != 1 || gotNew[0] != StreamKey("transcription:en-US") {
		t.Errorf("post-apply hook got old=%v new=%v", gotOld, gotNew)
	}
}

func TestSubscriptionEngineRecomputeAggregatesMatchesLive(t *testing.T) {
	e := newTestEngine()
	t.Cleanup(e.Close)

	_ = e.UpdateSubscriptions("pkg", []SubscriptionRequest{{Stream: StreamAudioChunk}, {Stream: StreamTranscription}})

	pcm, transcrip, lang := e.RecomputeAggregates()
	if _, ok := pcm["pkg"]; !ok {
		t.Error("recomputed pcm aggregate missing pkg")
	}
	if _, ok := transcrip["pkg"]; !ok {
		t.Error("recomputed transcription aggregate missing pkg")
	}
	if lang["transcription:en-US"] != 1 {
		t.Errorf("lang count = %d, want 1", lang["transcription:en-US"])
	}
}
