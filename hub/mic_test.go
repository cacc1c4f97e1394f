package hub

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestMic(t *testing.T) (*MicrophoneController, *clock.Mock, *[]MicState) {
	t.Helper()
	mock := clock.NewMock()
	var sent []MicState
	cfg := DefaultConfig()
	m := NewMicrophoneController(cfg, mock, func() bool { return true }, func(s MicState) error {
		sent = append(sent, s)
		return nil
	})
	t.Cleanup(m.Dispose)
	return m, mock, &sent
}

func TestMicrophoneControllerSendsFirstChangeAfterSubscriptionDebounce(t *testing.T) {
	m, mock, sent := newTestMic(t)

	m.NotifySubscriptionChange(true, false, true)
	mock.Add(DefaultConfig().SubscriptionDebounce)

	if len(*sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(*sent))
	}
	got := (*sent)[0]
	if !got.Enabled || !got.BypassVAD || len(got.RequiredData) != 1 || got.RequiredData[0] != "pcm" {
		t.Errorf("sent[0] = %+v, want enabled+bypassVAD+[pcm]", got)
	}
}

func TestMicrophoneControllerCoalescesBurstsWithinDebounce(t *testing.T) {
	m, mock, sent := newTestMic(t)

	m.NotifySubscriptionChange(true, false, true)
	mock.Add(10 * time.Millisecond)
	m.NotifySubscriptionChange(false, true, true)
	mock.Add(10 * time.Millisecond)
	m.NotifySubscriptionChange(true, true, true)

	if len(*sent) != 0 {
		t.Fatalf("len(sent) = %d before debounce elapses, want 0", len(*sent))
	}

	// Calls inside the first window re-arm the debounce once.
	mock.Add(2 * DefaultConfig().SubscriptionDebounce)

	if len(*sent) != 1 {
		t.Fatalf("len(sent) = %d after debounce, want 1", len(*sent))
	}
	last := (*sent)[len(*sent)-1]
	if !last.BypassVAD {
		t.Errorf("final coalesced state should reflect last hasPCM=true, got %+v", last)
	}
}

func TestMicrophoneControllerHolddownOnMediaLoss(t *testing.T) {
	m, mock, sent := newTestMic(t)
	cfg := DefaultConfig()

	m.NotifySubscriptionChange(true, false, true)
	initial := len(*sent)

	m.NotifySubscriptionChange(true, false, false)
	if len(*sent) != initial {
		t.Fatalf("media-loss should not immediately dispatch, sent=%d", len(*sent))
	}

	mock.Add(cfg.MicOffHolddown)

	if len(*sent) <= initial {
		t.Fatal("holddown expiry should dispatch the mic-off state")
	}
	last := (*sent)[len(*sent)-1]
	if last.Enabled {
		t.Errorf("after holddown, mic should be disabled, got %+v", last)
	}
}

func TestMicrophoneControllerUnauthorizedAudioGuard(t *testing.T) {
	m, mock, sent := newTestMic(t)
	cfg := DefaultConfig()

	m.OnAudioReceived()
	if len(*sent) != 1 || (*sent)[0].Enabled {
		t.Fatalf("first unauthorized audio should dispatch a disabled state, sent=%+v", *sent)
	}

	m.OnAudioReceived()
	if len(*sent) != 1 {
		t.Fatalf("second unauthorized audio inside debounce window should not re-dispatch, len=%d", len(*sent))
	}

	mock.Add(cfg.UnauthorizedAudioDebounce)
	m.OnAudioReceived()
	if len(*sent) != 2 {
		t.Fatalf("unauthorized audio after debounce window should dispatch again, len=%d", len(*sent))
	}
}

func TestMicrophoneControllerKeepAliveResendsLastEnabledState(t *testing.T) {
	m, mock, sent := newTestMic(t)
	cfg := DefaultConfig()

	m.NotifySubscriptionChange(true, false, true)
	mock.Add(cfg.SubscriptionDebounce)
	before := len(*sent)

	mock.Add(cfg.MicKeepAlive)
	mock.Add(time.Millisecond)

	if len(*sent) <= before {
		t.Fatal("keep-alive tick should resend the last enabled state")
	}
}

func TestMicLatchIgnoresNoOpCoalescedUpdate(t *testing.T) {
	mock := clock.NewMock()
	var sent []MicState
	latch := newMicLatch(mock, 100*time.Millisecond, func(s MicState) { sent = append(sent, s) })

	target := MicState{Enabled: true, RequiredData: []string{"pcm"}, BypassVAD: true}
	latch.update(target)
	latch.update(target) // identical target during window: should not cause a second send

	mock.Add(100 * time.Millisecond)

	if len(sent) != 1 {
		t.Errorf("len(sent) = %d, want 1 (no-op coalesced update should not re-send)", len(sent))
	}
}
