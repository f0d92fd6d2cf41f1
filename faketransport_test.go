package wsync

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport+Framed double for exercising a
// Session's dispatch loop without a real socket. Inbound frames are queued
// with push; outbound sends are recorded in order.
type fakeTransport struct {
	mu     sync.Mutex
	closed bool
	sent   []sentFrame

	inbox chan frameMsg
}

type sentFrame struct {
	text   string
	binary []byte
}

type frameMsg struct {
	kind FrameKind
	text string
	data []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan frameMsg, 256)}
}

func (f *fakeTransport) pushText(s string) { f.inbox <- frameMsg{kind: FrameText, text: s} }
func (f *fakeTransport) pushBinary(b []byte) {
	f.inbox <- frameMsg{kind: FrameBinary, data: b}
}
func (f *fakeTransport) stop() { close(f.inbox) }

func (f *fakeTransport) ReceiveText(ctx context.Context) (string, error) {
	msg, ok := <-f.inbox
	if !ok {
		return "", io.EOF
	}
	return msg.text, nil
}

func (f *fakeTransport) ReceiveBytes(ctx context.Context) ([]byte, error) {
	msg, ok := <-f.inbox
	if !ok {
		return nil, io.EOF
	}
	return msg.data, nil
}

func (f *fakeTransport) ReceiveFrame(ctx context.Context) (FrameKind, string, []byte, error) {
	msg, ok := <-f.inbox
	if !ok {
		return 0, "", nil, io.EOF
	}
	return msg.kind, msg.text, msg.data, nil
}

func (f *fakeTransport) SendText(ctx context.Context, s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{text: s})
	return nil
}

func (f *fakeTransport) SendBytes(ctx context.Context, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{binary: append([]byte(nil), b...)})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// drain clears recorded sent frames, typically used right after Attach to
// discard the initial full-SET resend before asserting on a later Sync.
func (f *fakeTransport) drain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// envelopes decodes every recorded text send, in order, failing the test on
// any that don't parse as an Envelope.
func (f *fakeTransport) envelopes(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.sent))
	for _, s := range f.sent {
		if s.binary != nil {
			continue
		}
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(s.text), &env))
		out = append(out, env)
	}
	return out
}

var _ Transport = (*fakeTransport)(nil)
var _ Framed = (*fakeTransport)(nil)
