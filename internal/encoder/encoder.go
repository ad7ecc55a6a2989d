// Package encoder implements EncoderCore (C3, §4.3): the wrapper around
// one hardware video encoder. It owns the encoder's input-mode selection,
// configuration-strategy fallback ladder, bitrate/keyframe throttling,
// timestamp discipline, and the stall/keyframe-drought watchdogs.
//
// The actual hardware codec is an out-of-scope external collaborator
// (spec.md §1, §6.3); Core talks to it only through the Codec interface,
// allocated per configuration attempt by a CodecFactory. Tests and local
// demo runs use internal/fakehw's reference Codec.
package encoder

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// State is the typestate from Design Note §9: Running -> Stopping (rejects
// new input atomically) -> Joined -> Released. No worker may touch a
// Released Core's codec handle.
type State int

const (
	StateReleased State = iota
	StateRunning
	StateStopping
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateReleased:
		return "released"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// InputMode selects how raw frames reach the codec.
type InputMode int

const (
	ModeSurface InputMode = iota
	ModeBuffer
)

// Profile is the H.264 profile requested of a configuration strategy.
type Profile int

const (
	ProfileBaseline Profile = iota
	ProfileHigh
)

// Strategy is one entry in the configuration fallback ladder (§4.3):
// explicit aligned size + baseline, standard size + baseline,
// 0x0 surface-derived + baseline, high profile.
type Strategy struct {
	Width, Height int
	Profile       Profile
	Mode          InputMode
}

// Config is the StreamConfig the caller asked the encoder to run at (§3).
type Config struct {
	Width, Height, BitrateBPS, FPS, GOPSeconds int
}

// RawFrame is one input frame pushed into buffer-mode encoding.
type RawFrame struct {
	Data               []byte
	CaptureTimestampUS int64
	CaptureEpochMS     int64
}

// Output is one unit of codec output: either a plain frame or, for codecs
// that emit SPS/PPS as a distinct event, a codec-config unit (SPS/PPS set,
// Data empty).
type Output struct {
	Data           []byte
	PTSRaw         int64
	IsKeyframe     bool
	CaptureEpochMS int64
	SPS, PPS       []byte
}

// Codec models one allocated hardware encoder instance for one Strategy.
// PollOutput returns ok=false with a nil error to mean "no output yet,
// keep polling" (CodecTransient, §7); a non-nil error is fatal to this
// codec instance.
type Codec interface {
	PushRaw(RawFrame) error
	PollOutput(timeout time.Duration) (Output, bool, error)
	RequestKeyframe() error
	AdjustBitrate(bps int) error
	Close() error
}

// CodecFactory allocates a Codec for one configuration strategy. The real
// implementation binds the platform's hardware encoder; out of scope here.
type CodecFactory func(strategy Strategy, cfg Config) (Codec, error)

// Listener receives EncoderCore's output signals (§4.3).
type Listener interface {
	OnCodecConfig(sps, pps []byte)
	OnEncodedFrame(f EncodedFrame)
	OnRecoveryNeeded()
}

// EncodedFrame is one encoder output delivered to the listener.
type EncodedFrame struct {
	Data           []byte
	IsKeyframe     bool
	PTSMicros      int64
	CaptureEpochMS int64
}

var (
	ErrAllStrategiesFailed = errors.New("encoder: all configuration strategies failed")
	ErrNotRunning          = errors.New("encoder: not running")
	ErrAlreadyRunning      = errors.New("encoder: already running")
	// ErrConfigUnsupported is returned by a CodecFactory when the
	// requested Strategy is fundamentally unsupportable on this device
	// (§7 CodecFatal item 8) — as opposed to merely failing for this one
	// strategy attempt. Start latches this onto the Core so every later
	// strategy ladder it builds skips straight to buffer mode.
	ErrConfigUnsupported = errors.New("encoder: configuration unsupported")
)

const (
	keyframeRequestMinInterval = 400 * time.Millisecond
	bitrateChangeMinInterval   = 2 * time.Second
	watchdogTick               = 2 * time.Second
	stallThreshold             = 5 * time.Second
	stopJoinTimeout            = time.Second
)

// Core wraps a single hardware video encoder.
type Core struct {
	factory CodecFactory
	listener Listener
	logger   *log.Logger

	forceBufferMode bool // (a) user configuration requests buffer mode
	noSurfaceCapable bool // (b) device has no surface-capable encoder

	mu               sync.Mutex
	state            State
	codec            Codec
	cfg              Config
	mode             InputMode
	runningWidth     int
	runningHeight    int
	surfaceFailed    bool // (c) persists across restarts on this Core
	unsupportedCombo bool // (d) persists across restarts on this Core

	lastEmittedPTS int64
	havePTS        bool
	ptsBase        int64

	inputCount  int64
	outputCount int64
	lastOutput  time.Time
	lastIDR     time.Time
	started     time.Time

	lastKeyframeRequest time.Time
	lastBitrateAdjust   time.Time
	currentBitrate      int

	configEmitted bool

	running  atomic.Bool // true once Start succeeds, false once stop begins
	stopping atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Core. forceBufferMode and noSurfaceCapable correspond to
// preconditions (a) and (b) of the input-mode selection rule in §4.3;
// (c) and (d) are tracked internally as they are discovered at runtime.
func New(factory CodecFactory, listener Listener, logger *log.Logger, forceBufferMode, noSurfaceCapable bool) *Core {
	if logger == nil {
		logger = log.Default()
	}
	return &Core{
		factory:          factory,
		listener:         listener,
		logger:           logger,
		forceBufferMode:  forceBufferMode,
		noSurfaceCapable: noSurfaceCapable,
		state:            StateReleased,
	}
}

// State returns the encoder's current typestate.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// buildStrategies returns the ordered configuration fallback ladder for cfg.
func (c *Core) buildStrategies(cfg Config) []Strategy {
	mode := ModeSurface
	if c.forceBufferMode || c.noSurfaceCapable || c.surfaceFailed || c.unsupportedCombo {
		mode = ModeBuffer
	}

	alignedW, alignedH := alignTo16(cfg.Width), alignTo16(cfg.Height)
	if mode == ModeBuffer {
		alignedW, alignedH = clampPortrait34(cfg.Width, cfg.Height)
	}

	return []Strategy{
		{Width: alignedW, Height: alignedH, Profile: ProfileBaseline, Mode: mode},
		{Width: cfg.Width, Height: cfg.Height, Profile: ProfileBaseline, Mode: mode},
		{Width: 0, Height: 0, Profile: ProfileBaseline, Mode: mode},
		{Width: alignedW, Height: alignedH, Profile: ProfileHigh, Mode: mode},
	}
}

func alignTo16(n int) int {
	if n <= 0 {
		return 0
	}
	return ((n + 15) / 16) * 16
}

// clampPortrait34 clamps to the device-validated 3:4 buffer-mode sizes:
// portrait 720x960 or landscape 960x720 (§4.3).
func clampPortrait34(w, h int) (int, int) {
	if w >= h {
		return 960, 720
	}
	return 720, 960
}

// Start allocates the encoder for cfg, trying each configuration strategy
// in order until one succeeds. All strategies failing is a fatal start
// error (CodecFatal, §7).
func (c *Core) Start(cfg Config) error {
	c.mu.Lock()
	if c.state != StateReleased && c.state != StateJoined {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	strategies := c.buildStrategies(cfg)
	c.mu.Unlock()

	var lastErr error
	var codec Codec
	var chosen Strategy
	for _, s := range strategies {
		cd, err := c.factory(s, cfg)
		if err == nil {
			codec = cd
			chosen = s
			break
		}
		lastErr = err
		if errors.Is(err, ErrConfigUnsupported) {
			c.mu.Lock()
			c.unsupportedCombo = true
			c.mu.Unlock()
		}
		if s.Mode == ModeSurface {
			c.mu.Lock()
			c.surfaceFailed = true
			c.mu.Unlock()
		}
	}
	if codec == nil {
		c.logger.Printf("[encoder] all configuration strategies failed: %v", lastErr)
		return ErrAllStrategiesFailed
	}

	c.mu.Lock()
	c.codec = codec
	c.cfg = cfg
	c.mode = chosen.Mode
	c.runningWidth = chosen.Width
	c.runningHeight = chosen.Height
	c.currentBitrate = cfg.BitrateBPS
	c.state = StateRunning
	c.havePTS = false
	c.configEmitted = false
	c.inputCount = 0
	c.outputCount = 0
	now := time.Now()
	c.started = now
	c.lastOutput = now
	c.lastIDR = now
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	c.running.Store(true)
	c.stopping.Store(false)

	go c.drainLoop()

	c.logger.Printf("[encoder] started mode=%v size=%dx%d bitrate=%d fps=%d", chosen.Mode, chosen.Width, chosen.Height, cfg.BitrateBPS, cfg.FPS)
	return nil
}

// PushRaw feeds a raw frame to the codec in buffer mode. Calls arriving
// after Stop has been initiated are dropped silently (§4.3) because the
// raw-frame producer runs on a separate thread and cannot be synchronized
// with the stop sequence.
func (c *Core) PushRaw(f RawFrame) {
	if !c.running.Load() || c.stopping.Load() {
		return
	}
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()
	if codec == nil {
		return
	}
	atomic.AddInt64(&c.inputCount, 1)
	if err := codec.PushRaw(f); err != nil {
		c.logger.Printf("[encoder] push_raw error: %v", err)
	}
}

// RequestKeyframe asks the codec to emit an IDR next, throttled to at
// most one request per keyframeRequestMinInterval (§4.3, §8 idempotence).
func (c *Core) RequestKeyframe() {
	c.mu.Lock()
	codec := c.codec
	now := time.Now()
	if codec == nil || now.Sub(c.lastKeyframeRequest) < keyframeRequestMinInterval {
		c.mu.Unlock()
		return
	}
	c.lastKeyframeRequest = now
	c.mu.Unlock()

	if err := codec.RequestKeyframe(); err != nil {
		c.logger.Printf("[encoder] request_keyframe error: %v", err)
	}
}

// AdjustBitrate applies a seamless bitrate change without a codec restart,
// rate-limited to at most one application per bitrateChangeMinInterval and
// debounced against oscillation (§4.3, §8 idempotence).
func (c *Core) AdjustBitrate(bps int) {
	c.mu.Lock()
	codec := c.codec
	now := time.Now()
	if codec == nil || bps == c.currentBitrate || now.Sub(c.lastBitrateAdjust) < bitrateChangeMinInterval {
		c.mu.Unlock()
		return
	}
	c.lastBitrateAdjust = now
	c.currentBitrate = bps
	c.mu.Unlock()

	if err := codec.AdjustBitrate(bps); err != nil {
		c.logger.Printf("[encoder] adjust_bitrate error: %v", err)
	}
}

// CurrentBitrate returns the last bitrate applied (or requested at start).
func (c *Core) CurrentBitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBitrate
}

// RunningSize returns the width/height the chosen configuration strategy
// actually applied, which may differ from the requested Config (alignment,
// clamping, or the 0x0 surface-derived fallback). ok is false when the
// encoder is not running.
func (c *Core) RunningSize() (width, height int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return 0, 0, false
	}
	return c.runningWidth, c.runningHeight, true
}

// Reconfigure is logically stop(); start(cfg) (§4.3): it does not itself
// decide whether a reconfiguration is warranted or bump any epoch — that
// arbitration is StreamServer's job alone.
func (c *Core) Reconfigure(cfg Config) error {
	c.Stop()
	return c.Start(cfg)
}

// Stop signals end-of-stream, waits for the drain worker with a bounded
// timeout, then releases the codec (§4.3, §5).
func (c *Core) Stop() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	stopCh := c.stopCh
	doneCh := c.doneCh
	codec := c.codec
	c.mu.Unlock()

	c.stopping.Store(true)
	c.running.Store(false)
	close(stopCh)

	select {
	case <-doneCh:
	case <-time.After(stopJoinTimeout):
		c.logger.Printf("[encoder] stop: drain worker join timed out after %v", stopJoinTimeout)
	}

	if codec != nil {
		if err := codec.Close(); err != nil {
			c.logger.Printf("[encoder] codec close error: %v", err)
		}
	}

	c.mu.Lock()
	c.state = StateJoined
	c.codec = nil
	c.mu.Unlock()

	c.mu.Lock()
	c.state = StateReleased
	c.mu.Unlock()
}

// drainLoop pulls codec output, performs timestamp discipline, runs the
// stall and keyframe-drought watchdogs every watchdogTick, and forwards
// output to the listener.
func (c *Core) drainLoop() {
	defer close(c.doneCh)

	c.mu.Lock()
	stopCh := c.stopCh
	codec := c.codec
	c.mu.Unlock()

	watchdog := time.NewTicker(watchdogTick)
	defer watchdog.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-watchdog.C:
			c.runWatchdogs()
		default:
		}

		out, ok, err := codec.PollOutput(100 * time.Millisecond)
		if err != nil {
			c.logger.Printf("[encoder] fatal codec error: %v", err)
			c.listener.OnRecoveryNeeded()
			return
		}
		if !ok {
			continue
		}

		atomic.AddInt64(&c.outputCount, 1)
		c.mu.Lock()
		c.lastOutput = time.Now()
		c.mu.Unlock()

		if len(out.SPS) > 0 || len(out.PPS) > 0 {
			c.mu.Lock()
			already := c.configEmitted
			c.configEmitted = true
			c.mu.Unlock()
			if !already {
				c.listener.OnCodecConfig(out.SPS, out.PPS)
			}
			if len(out.Data) == 0 {
				continue
			}
		} else if !c.hasEmittedConfig() {
			// Vendor did not emit a separate config event; extract SPS/PPS
			// from the first output frames (§4.3).
			if sps, pps, ok := extractSPSPPS(out.Data); ok {
				c.mu.Lock()
				c.configEmitted = true
				c.mu.Unlock()
				c.listener.OnCodecConfig(sps, pps)
			}
		}

		pts := c.disciplinePTS(out.PTSRaw)
		if out.IsKeyframe {
			c.mu.Lock()
			c.lastIDR = time.Now()
			c.mu.Unlock()
		}

		c.listener.OnEncodedFrame(EncodedFrame{
			Data:           out.Data,
			IsKeyframe:     out.IsKeyframe,
			PTSMicros:      pts,
			CaptureEpochMS: out.CaptureEpochMS,
		})
	}
}

func (c *Core) hasEmittedConfig() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configEmitted
}

// disciplinePTS normalizes output pts to zero at the first frame (every
// later pts is taken relative to that first raw value) and enforces
// strict monotonicity thereafter, adding 1us on any violation (§4.3).
func (c *Core) disciplinePTS(raw int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.havePTS {
		c.havePTS = true
		c.ptsBase = raw
		c.lastEmittedPTS = 0
		return 0
	}

	pts := raw - c.ptsBase
	if pts <= c.lastEmittedPTS {
		pts = c.lastEmittedPTS + 1
	}
	c.lastEmittedPTS = pts
	return pts
}

// runWatchdogs implements the stall and keyframe-drought watchdogs (§4.3).
func (c *Core) runWatchdogs() {
	c.mu.Lock()
	input := c.inputCount
	output := c.outputCount
	gop := time.Duration(c.cfg.GOPSeconds) * time.Second
	if gop <= 0 {
		gop = 2 * time.Second
	}
	lastOutput := c.lastOutput
	lastIDR := c.lastIDR
	c.mu.Unlock()

	now := time.Now()

	if input > 20 && input == output {
		c.RequestKeyframe()
		if now.Sub(lastOutput) > stallThreshold {
			c.logger.Printf("[encoder] stall watchdog: no output for %v, requesting recovery", now.Sub(lastOutput))
			c.listener.OnRecoveryNeeded()
			return
		}
	}

	sinceIDR := now.Sub(lastIDR)
	if sinceIDR > 2*gop {
		c.RequestKeyframe()
	}
	if sinceIDR > 3*gop {
		c.logger.Printf("[encoder] keyframe-drought watchdog: no IDR for %v, requesting recovery", sinceIDR)
		c.listener.OnRecoveryNeeded()
	}
}

// extractSPSPPS scans Annex-B NAL data for SPS (type 7) and PPS (type 8)
// units when the codec did not emit a separate config event.
func extractSPSPPS(data []byte) (sps, pps []byte, ok bool) {
	nals := splitAnnexB(data)
	for _, n := range nals {
		if len(n) == 0 {
			continue
		}
		nalType := n[0] & 0x1F
		switch nalType {
		case 7:
			sps = n
		case 8:
			pps = n
		}
	}
	return sps, pps, len(sps) > 0 && len(pps) > 0
}

func splitAnnexB(data []byte) [][]byte {
	var nals [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				nals = append(nals, data[start:i])
			}
			start = i + 3
			i += 3
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nals = append(nals, data[start:])
	}
	return nals
}
