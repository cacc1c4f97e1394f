package hub

import (
	"sort"
	"sync"
	"time"
)

// SequencedAudioFrame is one frame of the optional ordered audio path
// (§3, §4.5).
type SequencedAudioFrame struct {
	Sequence    uint64
	Timestamp   time.Time
	Payload     []byte
	IsEncodedLC3 bool
	ReceivedAt  time.Time
}

// AudioPipe normalizes inbound device audio, aligns it to PCM16 byte
// boundaries, and fans it out to the transcription worker, translation
// worker, and apps-needing-pcm in that fixed order (§4.5, §5).
type AudioPipe struct {
	mu      sync.Mutex
	carry   []byte // ≤1 byte carry-over between frames

	lastAudioAt time.Time
	clock       Clock

	onAudioReceived func()
	transcription   StreamWorker
	translation     StreamWorker
	relayPCM        func(pkg string, pcm []byte)
	packagesNeedingPCM func() []string

	cfg Config

	seqMu      sync.Mutex
	seqBuf     map[uint64]SequencedAudioFrame
	nextSeq    uint64
	haveNext   bool
	processing bool
	seqTicker  Ticker
	drain      func(SequencedAudioFrame)

	log componentLogger
}

// AudioPipeDeps wires the capability interfaces AudioPipe needs.
type AudioPipeDeps struct {
	OnAudioReceived    func()
	Transcription      StreamWorker
	Translation        StreamWorker
	RelayPCM           func(pkg string, pcm []byte)
	PackagesNeedingPCM func() []string
}

// NewAudioPipe constructs a pipe for one Session's device audio.
func NewAudioPipe(cfg Config, clock Clock, deps AudioPipeDeps) *AudioPipe {
	p := &AudioPipe{
		clock:              clock,
		onAudioReceived:    deps.OnAudioReceived,
		transcription:      deps.Transcription,
		translation:        deps.Translation,
		relayPCM:           deps.RelayPCM,
		packagesNeedingPCM: deps.PackagesNeedingPCM,
		cfg:                cfg,
		seqBuf:             make(map[uint64]SequencedAudioFrame),
		log:                newLogger("audio"),
	}
	p.drain = p.emit
	p.seqTicker = clock.Ticker(cfg.AudioOrderedTick)
	go p.runOrderedDrain()
	return p
}

// Ingress is the direct (unordered) audio path: normalize, align,
// notify the mic controller, and fan out in fixed order.
func (p *AudioPipe) Ingress(raw []byte) {
	p.mu.Lock()
	p.lastAudioAt = p.clock.Now()
	buf := make([]byte, 0, len(p.carry)+len(raw))
	buf = append(buf, p.carry...)
	buf = append(buf, raw...)
	if len(buf)%2 != 0 {
		p.carry = buf[len(buf)-1:]
		buf = buf[:len(buf)-1]
	} else {
		p.carry = nil
	}
	p.mu.Unlock()

	if p.onAudioReceived != nil {
		p.onAudioReceived()
	}
	if len(buf) == 0 {
		return
	}
	p.emitPCM(buf)
}

func (p *AudioPipe) emitPCM(pcm []byte) {
	if p.transcription != nil {
		p.transcription.Feed("", pcm)
	}
	if p.translation != nil {
		p.translation.Feed("", pcm)
	}
	if p.relayPCM != nil && p.packagesNeedingPCM != nil {
		for _, pkg := range p.packagesNeedingPCM() {
			p.relayPCM(pkg, pcm)
		}
	}
}

// IngressSequenced accepts a frame for the ordered path: buffered up to
// AudioOrderedQueueSize, drained strictly in sequence order, duplicates
// skipped.
func (p *AudioPipe) IngressSequenced(frame SequencedAudioFrame) {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()

	if p.haveNext && frame.Sequence < p.nextSeq {
		return // duplicate or stale
	}
	if _, exists := p.seqBuf[frame.Sequence]; exists {
		return
	}
	if len(p.seqBuf) >= p.cfg.AudioOrderedQueueSize {
		p.evictOldestLocked()
	}
	p.seqBuf[frame.Sequence] = frame
}

func (p *AudioPipe) lowestBufferedLocked() uint64 {
	var min uint64
	first := true
	for seq := range p.seqBuf {
		if first || seq < min {
			min = seq
			first = false
		}
	}
	return min
}

func (p *AudioPipe) evictOldestLocked() {
	keys := make([]uint64, 0, len(p.seqBuf))
	for k := range p.seqBuf {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if len(keys) > 0 {
		delete(p.seqBuf, keys[0])
	}
}

func (p *AudioPipe) runOrderedDrain() {
	for range p.seqTicker.C {
		p.drainSequenced()
	}
}

func (p *AudioPipe) drainSequenced() {
	p.seqMu.Lock()
	if p.processing {
		p.seqMu.Unlock()
		return
	}
	p.processing = true
	defer func() {
		p.seqMu.Lock()
		p.processing = false
		p.seqMu.Unlock()
	}()
	p.seqMu.Unlock()

	for {
		p.seqMu.Lock()
		if !p.haveNext {
			if len(p.seqBuf) == 0 {
				p.seqMu.Unlock()
				return
			}
			p.haveNext = true
			p.nextSeq = p.lowestBufferedLocked()
		}
		frame, ok := p.seqBuf[p.nextSeq]
		if !ok {
			p.seqMu.Unlock()
			return
		}
		delete(p.seqBuf, p.nextSeq)
		p.nextSeq++
		p.seqMu.Unlock()
		p.drain(frame)
	}
}

func (p *AudioPipe) emit(frame SequencedAudioFrame) {
	p.Ingress(frame.Payload)
}

// Close stops the ordered-path ticker. Called from Session.dispose.
func (p *AudioPipe) Close() {
	if p.seqTicker != nil {
		p.seqTicker.Stop()
	}
}
