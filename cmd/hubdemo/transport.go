package main

import (
	"bufio"
	"context"
	"io"
	"log"
	"sync"

	"github.com/quic-go/webtransport-go"

	"glasseshub/hub"
)

// wtTransportHandle adapts a *webtransport.Session's control stream to
// hub.TransportHandle: one newline-delimited JSON stream for text
// envelopes, datagrams for PCM audio.
type wtTransportHandle struct {
	sess *webtransport.Session

	writeMu sync.Mutex
	ctrl    *webtransport.Stream

	closeMu  sync.Mutex
	onClose  func(hub.CloseCode, string)
	closed   bool
}

func newWTTransportHandle(sess *webtransport.Session, ctrl *webtransport.Stream) *wtTransportHandle {
	return &wtTransportHandle{sess: sess, ctrl: ctrl}
}

func (t *wtTransportHandle) SendText(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.ctrl == nil {
		return &hub.TransportClosedError{Who: "webtransport"}
	}
	_, err := t.ctrl.Write(append(data, '\n'))
	return err
}

func (t *wtTransportHandle) SendBinary(data []byte) error {
	return t.sess.SendDatagram(data)
}

func (t *wtTransportHandle) Close(code hub.CloseCode, reason string) error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	cb := t.onClose
	t.closeMu.Unlock()

	err := t.sess.CloseWithError(webtransport.SessionErrorCode(code), reason)
	if cb != nil {
		cb(code, reason)
	}
	return err
}

func (t *wtTransportHandle) OnClose(fn func(hub.CloseCode, string)) {
	t.closeMu.Lock()
	t.onClose = fn
	t.closeMu.Unlock()
}

func (t *wtTransportHandle) IsOpen() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return !t.closed
}

// pumpControl reads newline-delimited JSON envelopes from the control
// stream and invokes dispatch for each one until the stream closes.
func pumpControl(ctx context.Context, t *wtTransportHandle, dispatch func(hub.Envelope) error) {
	scanner := bufio.NewScanner(t.ctrl)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		env, err := hub.DecodeEnvelope(scanner.Bytes())
		if err != nil {
			log.Printf("[transport] invalid envelope: %v", err)
			continue
		}
		if err := dispatch(env); err != nil {
			log.Printf("[transport] dispatch %s failed: %v", env.Type, err)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		log.Printf("[transport] control read error: %v", err)
	}
	_ = t.Close(hub.CloseNormal, "stream closed")
}

// pumpDatagrams relays incoming PCM datagrams to onAudio until the
// session closes, grounded on client.go's ReceiveDatagram loop.
func pumpDatagrams(ctx context.Context, sess *webtransport.Session, onAudio func([]byte)) {
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		onAudio(data)
	}
}
