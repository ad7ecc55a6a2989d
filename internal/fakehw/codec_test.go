package fakehw

import (
	"testing"
	"time"

	"github.com/lanternops/streamd/internal/encoder"
)

func TestCodecFactoryAcceptsSizedStrategy(t *testing.T) {
	factory := NewCodecFactory()
	codec, err := factory(encoder.Strategy{Width: 1280, Height: 720}, encoder.Config{Width: 1280, Height: 720, BitrateBPS: 2_000_000, FPS: 30, GOPSeconds: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if codec == nil {
		t.Fatal("expected non-nil codec")
	}
}

func TestCodecFactoryRejectsUnsizedBufferMode(t *testing.T) {
	factory := NewCodecFactory()
	codec, err := factory(encoder.Strategy{Mode: encoder.ModeBuffer}, encoder.Config{BitrateBPS: 1_000_000, FPS: 30, GOPSeconds: 2})
	if err != encoder.ErrConfigUnsupported {
		t.Fatalf("err = %v, want ErrConfigUnsupported", err)
	}
	if codec != nil {
		t.Fatal("expected nil codec on rejection")
	}
}

func TestCodecEmitsConfigBeforeFrames(t *testing.T) {
	factory := NewCodecFactory()
	codec, _ := factory(encoder.Strategy{Width: 640, Height: 480}, encoder.Config{Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 10, GOPSeconds: 2})

	out, ok, err := codec.PollOutput(100 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected a config output, got ok=%v err=%v", ok, err)
	}
	if len(out.SPS) == 0 || len(out.PPS) == 0 {
		t.Fatalf("expected non-empty SPS/PPS in first output, got %+v", out)
	}
	if len(out.Data) != 0 {
		t.Fatalf("expected config output to carry no frame data")
	}
}

func TestCodecKeyframeCadence(t *testing.T) {
	factory := NewCodecFactory()
	codec, _ := factory(encoder.Strategy{Width: 640, Height: 480}, encoder.Config{Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 10, GOPSeconds: 1})

	if _, _, err := codec.PollOutput(100 * time.Millisecond); err != nil {
		t.Fatalf("drain config output: %v", err)
	}

	for i := 0; i < 25; i++ {
		if err := codec.PushRaw(encoder.RawFrame{Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("push raw %d: %v", i, err)
		}
	}

	var keyframes, frames int
	for frames < 25 {
		out, ok, err := codec.PollOutput(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("poll output: %v", err)
		}
		if !ok {
			break
		}
		frames++
		if out.IsKeyframe {
			keyframes++
		}
	}
	if frames != 25 {
		t.Fatalf("expected 25 frames, got %d", frames)
	}
	if keyframes < 2 {
		t.Fatalf("expected multiple keyframes over 25 frames at a 10fps/1s GOP, got %d", keyframes)
	}
}

func TestCodecRequestKeyframeForcesNext(t *testing.T) {
	factory := NewCodecFactory()
	codec, _ := factory(encoder.Strategy{Width: 640, Height: 480}, encoder.Config{Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 10, GOPSeconds: 100})
	codec.PollOutput(100 * time.Millisecond) // drain config

	if err := codec.PushRaw(encoder.RawFrame{}); err != nil {
		t.Fatalf("push raw: %v", err)
	}
	out, ok, _ := codec.PollOutput(100 * time.Millisecond)
	if !ok || !out.IsKeyframe {
		t.Fatalf("expected first pushed frame to be a keyframe, got %+v", out)
	}

	if err := codec.RequestKeyframe(); err != nil {
		t.Fatalf("request keyframe: %v", err)
	}
	if err := codec.PushRaw(encoder.RawFrame{}); err != nil {
		t.Fatalf("push raw: %v", err)
	}
	out, ok, _ = codec.PollOutput(100 * time.Millisecond)
	if !ok || !out.IsKeyframe {
		t.Fatalf("expected forced keyframe after RequestKeyframe, got %+v", out)
	}
}

func TestCodecCloseEndsPolling(t *testing.T) {
	factory := NewCodecFactory()
	codec, _ := factory(encoder.Strategy{}, encoder.Config{FPS: 30, GOPSeconds: 2})
	codec.PollOutput(100 * time.Millisecond) // drain config

	if err := codec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := codec.PollOutput(10 * time.Millisecond); err == nil {
		t.Fatalf("expected an error after close")
	}
	if err := codec.PushRaw(encoder.RawFrame{}); err == nil {
		t.Fatalf("expected push after close to fail")
	}
}
