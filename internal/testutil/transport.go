package testutil

import (
	"context"
	"sync"
	"testing"

	"meshstat/internal/mesh"
	"meshstat/internal/wire"
)

// Frame is one frame sent through a RecordingTransport. To is empty for
// broadcasts.
type Frame struct {
	To   string
	Data []byte
}

// RecordingTransport records every outbound frame and lets tests inject
// inbound ones.
type RecordingTransport struct {
	Addr string
	// Err, when set, is returned by every send.
	Err error
	// OnSend, when set, is called after a frame is recorded.
	OnSend func(Frame)

	mu     sync.Mutex
	frames []Frame
	inbox  chan mesh.Packet
	once   sync.Once
}

var _ mesh.Transport = (*RecordingTransport)(nil)

func NewRecordingTransport(addr string) *RecordingTransport {
	return &RecordingTransport{Addr: addr, inbox: make(chan mesh.Packet, 64)}
}

func (t *RecordingTransport) LocalAddr() string { return t.Addr }

func (t *RecordingTransport) Broadcast(ctx context.Context, data []byte) error {
	return t.record(ctx, Frame{Data: data})
}

func (t *RecordingTransport) SendTo(ctx context.Context, peer string, data []byte) error {
	return t.record(ctx, Frame{To: peer, Data: data})
}

func (t *RecordingTransport) record(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Err != nil {
		return t.Err
	}
	buf := make([]byte, len(f.Data))
	copy(buf, f.Data)
	f.Data = buf

	t.mu.Lock()
	t.frames = append(t.frames, f)
	hook := t.OnSend
	t.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (t *RecordingTransport) Receive() <-chan mesh.Packet { return t.inbox }

// Inject queues an inbound packet.
func (t *RecordingTransport) Inject(p mesh.Packet) {
	t.inbox <- p
}

func (t *RecordingTransport) Close() error {
	t.once.Do(func() { close(t.inbox) })
	return nil
}

// Frames returns a copy of the frames sent so far.
func (t *RecordingTransport) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.frames...)
}

// Reset forgets the recorded frames.
func (t *RecordingTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}

// Messages decodes every recorded frame, failing the test on a decode error.
func (t *RecordingTransport) Messages(tb testing.TB) []wire.Message {
	tb.Helper()
	frames := t.Frames()
	out := make([]wire.Message, 0, len(frames))
	for i, f := range frames {
		m, err := wire.Unmarshal(f.Data)
		if err != nil {
			tb.Fatalf("frame %d: %v", i, err)
		}
		out = append(out, m)
	}
	return out
}
