package encoder

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCodec struct {
	mu         sync.Mutex
	out        []Output
	keyframes  int
	bitrates   []int
	closed     bool
	failPoll   error
}

func (f *fakeCodec) PushRaw(RawFrame) error { return nil }

func (f *fakeCodec) PollOutput(timeout time.Duration) (Output, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPoll != nil {
		return Output{}, false, f.failPoll
	}
	if len(f.out) == 0 {
		time.Sleep(time.Millisecond)
		return Output{}, false, nil
	}
	o := f.out[0]
	f.out = f.out[1:]
	return o, true, nil
}

func (f *fakeCodec) RequestKeyframe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyframes++
	return nil
}

func (f *fakeCodec) AdjustBitrate(bps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bitrates = append(f.bitrates, bps)
	return nil
}

func (f *fakeCodec) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCodec) push(o Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, o)
}

type fakeListener struct {
	mu        sync.Mutex
	configs   int
	frames    []EncodedFrame
	recovered int
}

func (l *fakeListener) OnCodecConfig(sps, pps []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs++
}

func (l *fakeListener) OnEncodedFrame(f EncodedFrame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *fakeListener) OnRecoveryNeeded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recovered++
}

func (l *fakeListener) frameCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func TestStartSucceedsOnFirstStrategy(t *testing.T) {
	codec := &fakeCodec{}
	factory := func(s Strategy, cfg Config) (Codec, error) { return codec, nil }
	listener := &fakeListener{}
	core := New(factory, listener, nil, false, false)

	if err := core.Start(Config{Width: 1280, Height: 720, BitrateBPS: 2_000_000, FPS: 30, GOPSeconds: 2}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if core.State() != StateRunning {
		t.Fatalf("state = %v, want running", core.State())
	}
	core.Stop()
	if !codec.closed {
		t.Fatalf("expected codec to be closed after stop")
	}
}

func TestStartFallsBackThroughStrategies(t *testing.T) {
	attempts := 0
	codec := &fakeCodec{}
	factory := func(s Strategy, cfg Config) (Codec, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("boom")
		}
		return codec, nil
	}
	listener := &fakeListener{}
	core := New(factory, listener, nil, false, false)

	if err := core.Start(Config{Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 24, GOPSeconds: 2}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	core.Stop()
}

func TestStartFailsWhenAllStrategiesFail(t *testing.T) {
	factory := func(s Strategy, cfg Config) (Codec, error) { return nil, errors.New("boom") }
	listener := &fakeListener{}
	core := New(factory, listener, nil, false, false)

	err := core.Start(Config{Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 24, GOPSeconds: 2})
	if !errors.Is(err, ErrAllStrategiesFailed) {
		t.Fatalf("err = %v, want ErrAllStrategiesFailed", err)
	}
}

func TestPTSDisciplineIsStrictlyIncreasing(t *testing.T) {
	codec := &fakeCodec{}
	factory := func(s Strategy, cfg Config) (Codec, error) { return codec, nil }
	listener := &fakeListener{}
	core := New(factory, listener, nil, false, false)
	_ = core.Start(Config{Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 24, GOPSeconds: 2})

	codec.push(Output{Data: []byte{1}, PTSRaw: 1000})
	codec.push(Output{Data: []byte{2}, PTSRaw: 1000}) // duplicate: must bump by 1us
	codec.push(Output{Data: []byte{3}, PTSRaw: 500})  // regressive: must bump by 1us

	deadline := time.After(time.Second)
	for listener.frameCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for frames, got %d", listener.frameCount())
		case <-time.After(time.Millisecond):
		}
	}
	core.Stop()

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.frames[0].PTSMicros != 0 {
		t.Fatalf("first pts = %d, want 0", listener.frames[0].PTSMicros)
	}
	for i := 1; i < len(listener.frames); i++ {
		if listener.frames[i].PTSMicros <= listener.frames[i-1].PTSMicros {
			t.Fatalf("pts not strictly increasing: %v", listener.frames)
		}
	}
}

func TestRequestKeyframeIsThrottled(t *testing.T) {
	codec := &fakeCodec{}
	factory := func(s Strategy, cfg Config) (Codec, error) { return codec, nil }
	core := New(factory, &fakeListener{}, nil, false, false)
	_ = core.Start(Config{Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 24, GOPSeconds: 2})

	core.RequestKeyframe()
	core.RequestKeyframe()
	core.RequestKeyframe()

	codec.mu.Lock()
	got := codec.keyframes
	codec.mu.Unlock()
	if got != 1 {
		t.Fatalf("keyframes requested = %d, want 1 (throttled)", got)
	}
	core.Stop()
}

func TestAdjustBitrateIgnoresNoOpAndThrottles(t *testing.T) {
	codec := &fakeCodec{}
	factory := func(s Strategy, cfg Config) (Codec, error) { return codec, nil }
	core := New(factory, &fakeListener{}, nil, false, false)
	_ = core.Start(Config{Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 24, GOPSeconds: 2})

	core.AdjustBitrate(1_000_000) // same as current: no-op
	core.AdjustBitrate(1_500_000) // applied
	core.AdjustBitrate(2_000_000) // throttled, too soon

	codec.mu.Lock()
	got := len(codec.bitrates)
	codec.mu.Unlock()
	if got != 1 {
		t.Fatalf("bitrate changes applied = %d, want 1", got)
	}
	if core.CurrentBitrate() != 1_500_000 {
		t.Fatalf("current bitrate = %d, want 1500000", core.CurrentBitrate())
	}
	core.Stop()
}

func TestForceBufferModeSelectsBufferStrategies(t *testing.T) {
	var seen []InputMode
	codec := &fakeCodec{}
	factory := func(s Strategy, cfg Config) (Codec, error) {
		seen = append(seen, s.Mode)
		return codec, nil
	}
	core := New(factory, &fakeListener{}, nil, true, false)
	_ = core.Start(Config{Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 24, GOPSeconds: 2})
	core.Stop()

	if len(seen) == 0 || seen[0] != ModeBuffer {
		t.Fatalf("expected first attempted strategy to be buffer mode, got %v", seen)
	}
}

func TestFatalCodecErrorTriggersRecovery(t *testing.T) {
	codec := &fakeCodec{failPoll: errors.New("device lost")}
	factory := func(s Strategy, cfg Config) (Codec, error) { return codec, nil }
	listener := &fakeListener{}
	core := New(factory, listener, nil, false, false)
	_ = core.Start(Config{Width: 640, Height: 480, BitrateBPS: 1_000_000, FPS: 24, GOPSeconds: 2})

	deadline := time.After(time.Second)
	for {
		listener.mu.Lock()
		r := listener.recovered
		listener.mu.Unlock()
		if r > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected OnRecoveryNeeded to be called")
		case <-time.After(time.Millisecond):
		}
	}
}
