package main

import (
	"io"
	"log"
	"time"

	"github.com/lanternops/streamd/internal/commandbus"
	"github.com/lanternops/streamd/internal/controllers"
	"github.com/lanternops/streamd/internal/encoder"
	"github.com/lanternops/streamd/internal/fakehw"
	"github.com/lanternops/streamd/internal/recording"
	"github.com/lanternops/streamd/internal/store"
	"github.com/lanternops/streamd/internal/streamserver"
)

// commandHandler is the CommandBus control worker (§4.2): every mutation
// of encoder, camera or recording state lands here, on the one goroutine
// the Bus guarantees runs commands serially, so its own fields (recording,
// cameraFront) need no locking of their own.
type commandHandler struct {
	logger      *log.Logger
	encoderCore *encoder.Core
	srv         *streamserver.Server
	controller  *controllers.Controller
	router      *streamEventRouter
	store       *store.Store
	gopSeconds  int

	cameraFront bool
	recording   *recording.Tee
}

func (h *commandHandler) handle(cmd commandbus.Command) {
	switch c := cmd.(type) {
	case commandbus.StartRecording:
		h.startRecording(c)
	case commandbus.StopRecording:
		h.stopRecording()
	case commandbus.RequestKeyframe:
		h.encoderCore.RequestKeyframe()
	case commandbus.AdjustBitrate:
		h.encoderCore.AdjustBitrate(c.BitrateBPS)
	case commandbus.ReconfigureStream:
		h.reconfigure(c)
	case commandbus.SwitchCamera:
		h.cameraFront = !h.cameraFront
		h.srv.BroadcastCameraFacing(h.cameraFront)
	case commandbus.Zoom:
		h.logger.Printf("[streamd] zoom ratio=%.2f requested (camera zoom is an out-of-scope hardware collaborator, §6.3)", c.Ratio)
	case commandbus.Backpressure:
		h.controller.RecordBackpressure()
	case commandbus.PressureClear:
		h.controller.RecordPressureClear()
	default:
		h.logger.Printf("[streamd] unhandled command type %T", cmd)
	}
}

// startRecording requires FD to be an io.WriteCloser (fakehw.Muxer's only
// dependency on it); anything else is rejected. If FD also has an
// *os.File-shaped Name(), the finished recording is indexed by that
// path; otherwise it is indexed with an empty path.
func (h *commandHandler) startRecording(c commandbus.StartRecording) {
	if h.recording != nil {
		h.logger.Printf("[streamd] start_recording: a recording is already active, ignoring")
		return
	}
	wc, ok := c.FD.(io.WriteCloser)
	if !ok {
		h.logger.Printf("[streamd] start_recording: FD is not an io.WriteCloser (%T)", c.FD)
		return
	}
	path := ""
	if named, ok := c.FD.(interface{ Name() string }); ok {
		path = named.Name()
	}

	stats := h.srv.Stats()
	outcome := &recordingOutcomeListener{
		store:  h.store,
		logger: h.logger,
		rec: store.Recording{
			Path:        path,
			StartedAtMS: time.Now().UnixMilli(),
			Width:       stats.ActiveConfig.Width,
			Height:      stats.ActiveConfig.Height,
			HadAudio:    false,
		},
	}

	muxer := fakehw.NewMuxer(wc)
	tee := recording.New(muxer, wc, false, 0, outcome, h.logger)
	h.router.setTee(tee)
	h.recording = tee

	h.srv.BroadcastRecordingState(true)
	h.controller.SetRecordingActive(true)
}

func (h *commandHandler) stopRecording() {
	if h.recording == nil {
		return
	}
	h.recording = nil
	if tee := h.router.clearTee(); tee != nil {
		tee.Stop() // synchronously fires recordingOutcomeListener.OnRecordingStopped
	}
	h.srv.BroadcastRecordingState(false)
	h.controller.SetRecordingActive(false)
}

// reconfigure applies the encoder.Config StreamServer's arbitration (or a
// Controller-driven governor change) has already decided on — it is never
// this handler's job to decide whether a reconfiguration is warranted.
func (h *commandHandler) reconfigure(c commandbus.ReconfigureStream) {
	cfg, ok := c.Config.(encoder.Config)
	if !ok {
		h.logger.Printf("[streamd] reconfigure_stream: unexpected config type %T", c.Config)
		return
	}
	if err := h.encoderCore.Reconfigure(cfg); err != nil {
		h.logger.Printf("[streamd] reconfigure_stream: %v", err)
		return
	}
	h.srv.ResyncActualConfig()
	h.controller.SetActiveConfig(controllers.Config{
		Width:      cfg.Width,
		Height:     cfg.Height,
		BitrateBPS: cfg.BitrateBPS,
		FPS:        cfg.FPS,
	})
}

// recordingOutcomeListener persists one recording's metadata once its tee
// reports the terminal outcome.
type recordingOutcomeListener struct {
	store  *store.Store
	logger *log.Logger
	rec    store.Recording
}

func (l *recordingOutcomeListener) OnRecordingStopped(err error) {
	if err != nil {
		l.logger.Printf("[streamd] recording %q stopped with error: %v", l.rec.Path, err)
	}
	now := time.Now().UnixMilli()
	l.rec.StoppedAtMS = now
	l.rec.DurationMS = now - l.rec.StartedAtMS
	if werr := l.store.RecordFinishedRecording(l.rec); werr != nil {
		l.logger.Printf("[streamd] failed to persist recording metadata for %q: %v", l.rec.Path, werr)
	}
}
