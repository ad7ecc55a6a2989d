package main

import (
	"sync"

	"github.com/lanternops/streamd/internal/encoder"
	"github.com/lanternops/streamd/internal/recording"
	"github.com/lanternops/streamd/internal/streamserver"
)

// streamEventRouter implements encoder.Listener and fans EncoderCore's
// output out to both collaborators that need it: the StreamServer, which
// owns arbitration and FrameBus publish, and — whenever a recording is
// active — the RecordingTee muxing the same stream to a file.
// EncoderCore only ever holds one Listener, and RecordingTee is a second
// consumer of that single encoder's output rather than a second encoder
// instance (§9 REDESIGN), so this router is what makes both true at once.
type streamEventRouter struct {
	srv *streamserver.Server

	mu  sync.Mutex
	tee *recording.Tee
}

func (r *streamEventRouter) setTee(tee *recording.Tee) {
	r.mu.Lock()
	r.tee = tee
	r.mu.Unlock()
}

// clearTee detaches and returns the active tee, or nil if none is active.
func (r *streamEventRouter) clearTee() *recording.Tee {
	r.mu.Lock()
	tee := r.tee
	r.tee = nil
	r.mu.Unlock()
	return tee
}

func (r *streamEventRouter) currentTee() *recording.Tee {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tee
}

func (r *streamEventRouter) OnCodecConfig(sps, pps []byte) {
	r.srv.OnCodecConfig(sps, pps)
	tee := r.currentTee()
	if tee == nil {
		return
	}
	stats := r.srv.Stats()
	if err := tee.OnCodecConfig(sps, pps, stats.ActiveConfig.Width, stats.ActiveConfig.Height); err != nil {
		tee.Stop()
	}
}

func (r *streamEventRouter) OnEncodedFrame(f encoder.EncodedFrame) {
	r.srv.OnEncodedFrame(f)
	if tee := r.currentTee(); tee != nil {
		tee.OnEncodedFrame(f.Data, f.PTSMicros, f.IsKeyframe)
	}
}

func (r *streamEventRouter) OnRecoveryNeeded() {
	r.srv.OnRecoveryNeeded()
}
