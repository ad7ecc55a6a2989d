// Package fakehw provides reference implementations of the hardware
// collaborators the rest of this module treats as out-of-scope external
// dependencies (§6.3): a synthetic encoder.Codec/CodecFactory, a synthetic
// recording.Muxer, and a RawFrameSource that stands in for camera capture.
// These exist so the whole pipeline can run end to end — and be tested —
// without real video hardware; cmd/streamd wires them in under
// -fake-hardware.
package fakehw

const (
	defaultWidth  = 1280
	defaultHeight = 720
	defaultFPS    = 30
)
