package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lanternops/streamd/internal/wire"
)

type fakeListener struct {
	mu            sync.Mutex
	helloResume   string
	helloCalled   bool
	authPassword  string
	authResult    error
	setStreamCfg  Config
	setStreamSeen bool
	controlLines  []string
	audioUp       [][]byte
	backpressure  int
	pressureClear int
	closed        bool
}

func (f *fakeListener) OnHello(s *Session, resumeToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.helloCalled = true
	f.helloResume = resumeToken
}

func (f *fakeListener) OnAuth(s *Session, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authPassword = password
	return f.authResult
}

func (f *fakeListener) OnSetStream(s *Session, cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStreamCfg = cfg
	f.setStreamSeen = true
}

func (f *fakeListener) OnControl(s *Session, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlLines = append(f.controlLines, line)
}

func (f *fakeListener) OnAudioUp(s *Session, pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioUp = append(f.audioUp, pcm)
}

func (f *fakeListener) OnBackpressure(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backpressure++
}

func (f *fakeListener) OnPressureClear(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressureClear++
}

func (f *fakeListener) OnClosed(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func newTestSession(t *testing.T) (*Session, net.Conn, *fakeListener) {
	t.Helper()
	server, client := net.Pipe()
	l := &fakeListener{}
	s := New(server, "sess-1", l, nil)
	go s.Run()
	t.Cleanup(func() { s.Close(); client.Close() })
	return s, client, l
}

func writeRecord(t *testing.T, conn net.Conn, typ wire.RecordType, payload []byte) {
	t.Helper()
	if err := wire.WriteRecord(conn, typ, payload); err != nil {
		t.Fatalf("write record: %v", err)
	}
}

func TestHandshakeHelloAuthSetStream(t *testing.T) {
	_, client, l := newTestSession(t)

	writeRecord(t, client, wire.TypeHello, []byte("resume=prior-token"))
	time.Sleep(20 * time.Millisecond)
	l.mu.Lock()
	if !l.helloCalled || l.helloResume != "prior-token" {
		l.mu.Unlock()
		t.Fatalf("expected OnHello with resume token")
	}
	l.authResult = nil
	l.mu.Unlock()

	writeRecord(t, client, wire.TypeAuth, []byte("hunter2"))
	rec, err := wire.ReadRecord(client)
	if err != nil {
		t.Fatalf("read AUTH_OK: %v", err)
	}
	if rec.Type != wire.TypeControl || string(rec.Payload) != "AUTH_OK" {
		t.Fatalf("got %+v, want AUTH_OK", rec)
	}

	writeRecord(t, client, wire.TypeSetStream, []byte("width=1280|height=720|bitrate=2000000|fps=30"))
	time.Sleep(20 * time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.setStreamSeen || l.setStreamCfg.Width != 1280 || l.setStreamCfg.FPS != 30 {
		t.Fatalf("got %+v", l.setStreamCfg)
	}
}

func TestAuthFailureClosesAfterMaxAttempts(t *testing.T) {
	_, client, l := newTestSession(t)
	l.mu.Lock()
	l.authResult = errAuthDenied
	l.mu.Unlock()

	writeRecord(t, client, wire.TypeHello, []byte(""))
	for i := 0; i < maxAuthFailures; i++ {
		writeRecord(t, client, wire.TypeAuth, []byte("wrong"))
		rec, err := wire.ReadRecord(client)
		if err != nil {
			t.Fatalf("read AUTH_FAIL %d: %v", i, err)
		}
		if string(rec.Payload) != "AUTH_FAIL" {
			t.Fatalf("got %q, want AUTH_FAIL", rec.Payload)
		}
	}

	deadline := time.After(time.Second)
	for {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected session to close after max auth failures")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPongUpdatesLastPongAtWithoutForwarding(t *testing.T) {
	s, client, l := newTestSession(t)
	writeRecord(t, client, wire.TypeControl, []byte("PONG"))
	time.Sleep(20 * time.Millisecond)

	l.mu.Lock()
	n := len(l.controlLines)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected PONG not forwarded to listener, got %v", l.controlLines)
	}
	if time.Since(s.LastPongAt()) > time.Second {
		t.Fatalf("expected last pong to be recent")
	}
}

func TestEnqueueFrameDropsWrongEpoch(t *testing.T) {
	s, client, _ := newTestSession(t)
	s.EnableStreaming(true)
	s.SetStreamEpoch(5)

	s.EnqueueFrame(Frame{Data: []byte{1, 2, 3}, Epoch: 1})
	s.EnqueueFrame(Frame{Data: []byte{9}, Epoch: 5, IsKeyframe: true})

	rec, err := wire.ReadRecord(client)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if rec.Type != wire.TypeFrame {
		t.Fatalf("type = %v, want frame", rec.Type)
	}
	f, err := wire.DecodeFrame(rec.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.NAL[0] != 9 {
		t.Fatalf("expected the epoch-5 frame to be delivered, got %v", f.NAL)
	}
}

func TestSendControlAtomicDeliversBothInOrder(t *testing.T) {
	s, client, _ := newTestSession(t)
	s.SendControlAtomic("STREAM_ACCEPTED|epoch=1", "2|epoch=1")

	first, err := wire.ReadRecord(client)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	second, err := wire.ReadRecord(client)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if string(first.Payload) != "STREAM_ACCEPTED|epoch=1" || string(second.Payload) != "2|epoch=1" {
		t.Fatalf("got %q then %q", first.Payload, second.Payload)
	}
}

var errAuthDenied = &authError{"bad password"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }
