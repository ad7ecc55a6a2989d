package fakehw

import (
	"errors"
	"sync"
	"time"

	"github.com/lanternops/streamd/internal/encoder"
)

// NewCodecFactory returns an encoder.CodecFactory that allocates a
// synthetic Codec for almost every strategy it's asked to try, so the
// configuration fallback ladder always resolves on the first strategy
// attempted (§4.3). The one strategy it genuinely rejects is a buffer-mode
// request with no explicit width/height: that 0x0 entry in the ladder
// only makes sense for a surface-derived size, and a buffer-mode codec
// has no surface to derive one from, so it returns
// encoder.ErrConfigUnsupported (§7 CodecFatal item 8) rather than
// fabricating a size.
func NewCodecFactory() encoder.CodecFactory {
	return func(strategy encoder.Strategy, cfg encoder.Config) (encoder.Codec, error) {
		if strategy.Mode == encoder.ModeBuffer && (strategy.Width <= 0 || strategy.Height <= 0) {
			return nil, encoder.ErrConfigUnsupported
		}
		return newCodec(strategy, cfg), nil
	}
}

// Codec is a reference encoder.Codec. It does not actually compress
// anything; it wraps each pushed raw frame in an Annex-B-shaped NAL and
// emits one synthetic SPS/PPS pair before the first frame, then a
// keyframe every GOPSeconds*FPS frames thereafter.
type Codec struct {
	strategy encoder.Strategy

	mu         sync.Mutex
	gopFrames  int64
	frameIndex int64
	bitrate    int
	closed     bool

	outputs chan encoder.Output
}

func newCodec(strategy encoder.Strategy, cfg encoder.Config) *Codec {
	fps := cfg.FPS
	if fps <= 0 {
		fps = defaultFPS
	}
	gop := cfg.GOPSeconds
	if gop <= 0 {
		gop = 2
	}

	c := &Codec{
		strategy:  strategy,
		gopFrames: int64(gop * fps),
		bitrate:   cfg.BitrateBPS,
		outputs:   make(chan encoder.Output, 64),
	}
	if c.gopFrames <= 0 {
		c.gopFrames = 1
	}

	sps, pps := syntheticParameterSets(strategy)
	c.outputs <- encoder.Output{SPS: sps, PPS: pps}
	return c
}

// PushRaw encodes f synchronously and enqueues the result for PollOutput.
// A full output queue drops the frame, mirroring how a real hardware
// encoder sheds input it can't keep up with rather than blocking the
// producer.
func (c *Codec) PushRaw(f encoder.RawFrame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("fakehw: codec closed")
	}
	idx := c.frameIndex
	c.frameIndex++
	isKey := idx%c.gopFrames == 0
	c.mu.Unlock()

	out := encoder.Output{
		Data:           syntheticSliceNAL(isKey, f.Data),
		PTSRaw:         f.CaptureTimestampUS,
		IsKeyframe:     isKey,
		CaptureEpochMS: f.CaptureEpochMS,
	}

	select {
	case c.outputs <- out:
	default:
	}
	return nil
}

// PollOutput returns the next queued output, or ok=false if none arrived
// within timeout (CodecTransient, §7).
func (c *Codec) PollOutput(timeout time.Duration) (encoder.Output, bool, error) {
	select {
	case out, ok := <-c.outputs:
		if !ok {
			return encoder.Output{}, false, errors.New("fakehw: codec closed")
		}
		return out, true, nil
	case <-time.After(timeout):
		return encoder.Output{}, false, nil
	}
}

// RequestKeyframe resets the GOP counter so the next pushed frame is
// emitted as a keyframe.
func (c *Codec) RequestKeyframe() error {
	c.mu.Lock()
	c.frameIndex = 0
	c.mu.Unlock()
	return nil
}

// AdjustBitrate records the requested bitrate. A real codec would apply
// this to its rate controller; this reference codec has none.
func (c *Codec) AdjustBitrate(bps int) error {
	c.mu.Lock()
	c.bitrate = bps
	c.mu.Unlock()
	return nil
}

func (c *Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outputs)
	}
	return nil
}

// syntheticParameterSets fabricates NAL-type-tagged SPS/PPS payloads that
// encode the strategy's chosen size, so a downstream reader inspecting
// the first byte sees the same NAL type markers extractSPSPPS looks for
// (types 7 and 8).
func syntheticParameterSets(s encoder.Strategy) (sps, pps []byte) {
	sps = []byte{0x67, byte(s.Width >> 8), byte(s.Width), byte(s.Height >> 8), byte(s.Height)}
	pps = []byte{0x68, byte(s.Profile)}
	return sps, pps
}

// syntheticSliceNAL wraps payload in a minimal Annex-B start code plus a
// slice NAL header: type 5 (IDR) for keyframes, type 1 (non-IDR) otherwise.
func syntheticSliceNAL(isKeyframe bool, payload []byte) []byte {
	header := byte(0x41)
	if isKeyframe {
		header = 0x65
	}
	out := make([]byte, 0, len(payload)+5)
	out = append(out, 0, 0, 0, 1, header)
	out = append(out, payload...)
	return out
}
