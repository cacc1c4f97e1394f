package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeStreamWorker struct {
	mu   sync.Mutex
	fed  [][]byte
}

func (w *fakeStreamWorker) EnsureStream(userID string, keys []StreamKey) {}

func (w *fakeStreamWorker) Feed(userID string, pcm []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fed = append(w.fed, pcm)
}

func (w *fakeStreamWorker) fedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fed)
}

func newTestAudioPipe(t *testing.T) (*AudioPipe, *clock.Mock, *fakeStreamWorker, *map[string][][]byte) {
	t.Helper()
	mock := clock.NewMock()
	transcription := &fakeStreamWorker{}
	relayed := make(map[string][][]byte)
	cfg := DefaultConfig()
	var notified int
	p := NewAudioPipe(cfg, mock, AudioPipeDeps{
		OnAudioReceived: func() { notified++ },
		Transcription:   transcription,
		RelayPCM: func(pkg string, pcm []byte) {
			relayed[pkg] = append(relayed[pkg], pcm)
		},
		PackagesNeedingPCM: func() []string { return []string{"pkg"} },
	})
	t.Cleanup(p.Close)
	return p, mock, transcription, &relayed
}

func TestAudioPipeIngressAlignsOddLengthWithCarry(t *testing.T) {
	p, _, transcription, _ := newTestAudioPipe(t)

	p.Ingress([]byte{1, 2, 3}) // odd: one byte carried over
	if transcription.fedCount() != 1 {
		t.Fatalf("fedCount = %d, want 1", transcription.fedCount())
	}

	p.Ingress([]byte{4, 5}) // carried byte + these makes 3, aligned to 2 with 1 carried again
	if transcription.fedCount() != 2 {
		t.Fatalf("fedCount = %d, want 2", transcription.fedCount())
	}
}

func TestAudioPipeIngressNotifiesEvenWhenBufferEmpty(t *testing.T) {
	p, _, _, _ := newTestAudioPipe(t)
	calls := 0
	p.onAudioReceived = func() { calls++ }

	p.Ingress([]byte{1}) // single byte: fully carried, nothing to emit

	if calls != 1 {
		t.Errorf("onAudioReceived calls = %d, want 1", calls)
	}
}

func TestAudioPipeIngressRelaysToPackagesNeedingPCM(t *testing.T) {
	p, _, _, relayed := newTestAudioPipe(t)

	p.Ingress([]byte{1, 2, 3, 4})

	if len((*relayed)["pkg"]) != 1 {
		t.Fatalf("expected one relay to pkg, got %d", len((*relayed)["pkg"]))
	}
}

func TestAudioPipeIngressSequencedDrainsInOrder(t *testing.T) {
	p, mock, _, relayed := newTestAudioPipe(t)

	now := mock.Now()
	p.IngressSequenced(SequencedAudioFrame{Sequence: 2, Payload: []byte{5, 6}, Timestamp: now})
	p.IngressSequenced(SequencedAudioFrame{Sequence: 0, Payload: []byte{1, 2}, Timestamp: now})
	p.IngressSequenced(SequencedAudioFrame{Sequence: 1, Payload: []byte{3, 4}, Timestamp: now})

	mock.Add(DefaultConfig().AudioOrderedTick)
	mock.Add(time.Millisecond)

	if len((*relayed)["pkg"]) != 3 {
		t.Fatalf("expected all 3 frames drained in order, got %d", len((*relayed)["pkg"]))
	}
	if string((*relayed)["pkg"][0]) != "\x01\x02" {
		t.Errorf("first drained frame = %v, want seq 0's payload first", (*relayed)["pkg"][0])
	}
}

func TestAudioPipeIngressSequencedIgnoresDuplicatesAndStale(t *testing.T) {
	p, mock, _, relayed := newTestAudioPipe(t)
	now := mock.Now()

	p.IngressSequenced(SequencedAudioFrame{Sequence: 0, Payload: []byte{1, 2}, Timestamp: now})
	mock.Add(DefaultConfig().AudioOrderedTick)
	mock.Add(time.Millisecond)

	p.IngressSequenced(SequencedAudioFrame{Sequence: 0, Payload: []byte{9, 9}, Timestamp: now}) // stale
	mock.Add(DefaultConfig().AudioOrderedTick)
	mock.Add(time.Millisecond)

	if len((*relayed)["pkg"]) != 1 {
		t.Errorf("expected stale/duplicate sequence to be ignored, got %d relays", len((*relayed)["pkg"]))
	}
}
