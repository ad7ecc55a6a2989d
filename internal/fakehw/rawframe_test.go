package fakehw

import (
	"sync"
	"testing"
	"time"

	"github.com/lanternops/streamd/internal/encoder"
)

type recordingPusher struct {
	mu     sync.Mutex
	frames []encoder.RawFrame
}

func (p *recordingPusher) PushRaw(f encoder.RawFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func TestRawFrameSourceProducesFrames(t *testing.T) {
	pusher := &recordingPusher{}
	src := NewRawFrameSource(pusher)

	if err := src.Start(160, 120, 50); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !src.IsActive() {
		t.Fatal("expected source to be active after Start")
	}
	if err := src.Start(160, 120, 50); err == nil {
		t.Fatal("expected double-start to fail")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for pusher.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	src.Stop()
	if src.IsActive() {
		t.Fatal("expected source to be inactive after Stop")
	}

	if pusher.count() < 3 {
		t.Fatalf("expected at least 3 frames pushed at 50fps within 500ms, got %d", pusher.count())
	}
	for _, f := range pusher.frames {
		if len(f.Data) != 160*120*4 {
			t.Fatalf("expected RGBA frame of %d bytes, got %d", 160*120*4, len(f.Data))
		}
	}
}

func TestRawFrameSourceStopIsIdempotent(t *testing.T) {
	src := NewRawFrameSource(&recordingPusher{})
	src.Stop() // never started
	if src.IsActive() {
		t.Fatal("expected inactive source")
	}
}

func TestRenderFrameBurnsOverlay(t *testing.T) {
	src := NewRawFrameSource(&recordingPusher{})
	src.mu.Lock()
	src.width, src.height = 200, 100
	src.mu.Unlock()

	img := src.renderFrame(1, time.Now())

	background := img.RGBAAt(190, 90)
	if background.R != 32 || background.G != 32 || background.B != 32 {
		t.Fatalf("expected untouched background pixel, got %+v", background)
	}

	overlay := img.RGBAAt(11, 18)
	if overlay == background {
		t.Fatal("expected overlay pixel to differ from background")
	}
}
