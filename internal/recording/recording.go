// Package recording implements RecordingTee / MuxSink (C4, §4.4): the
// second consumer of the encoder's output, writing a container to a
// caller-supplied file descriptor alongside the live FrameBus fan-out.
package recording

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

// State is the typestate from §4.4: Opening (constructed, waiting for
// track formats) -> TracksPending (at least one track added, waiting for
// the rest) -> Started (muxer running, accepting samples) -> Stopping ->
// Closed.
type State int

const (
	StateOpening State = iota
	StateTracksPending
	StateStarted
	StateStopping
	StateClosed
)

// TrackKind distinguishes which muxer track a sample belongs to.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

// VideoTrackFormat is the format of the video track added at start.
type VideoTrackFormat struct {
	Width, Height int
	SPS, PPS      []byte
}

// AudioTrackFormat is the format of the optional audio track.
type AudioTrackFormat struct {
	SampleRate int
	Channels   int
}

// Sample is one unit of media handed to the muxer.
type Sample struct {
	Data       []byte
	PTSMicros  int64
	IsKeyframe bool
}

var ErrMuxerFatal = errors.New("recording: muxer reported invalid state")

// Muxer models the container muxer collaborator bound to one already-open
// writable file descriptor (§4.4: "the tee does not create the file").
type Muxer interface {
	AddVideoTrack(VideoTrackFormat) error
	AddAudioTrack(AudioTrackFormat) error
	Start(orientationDeg int) error
	WriteSample(kind TrackKind, s Sample) error
	Stop() error
	Close() error
}

// Listener receives the terminal outcome of one recording.
type Listener interface {
	OnRecordingStopped(err error)
}

// Tee is one recording session: a video track (always) and, if
// WithAudio, an audio track, muxed to the caller's fd.
type Tee struct {
	muxer          Muxer
	fd             io.Closer
	withAudio      bool
	orientationDeg int
	listener       Listener
	logger         *log.Logger

	mu            sync.Mutex
	state         State
	videoAdded    bool
	audioAdded    bool
	muxerStopped  bool // MuxerFatal latch — drop all subsequent samples
	videoHavePTS  bool
	videoBasePTS  int64
	videoLastPTS  int64
	audioHavePTS  bool
	audioBasePTS  int64
	audioLastPTS  int64
	startedAt     time.Time
	stoppedAt     time.Time
}

// New constructs a Tee in the Opening state. orientationDeg is the
// container orientation hint recorded at start (§4.4 step 3): 0/90/180/270
// in surface mode, always 0 in buffer mode.
func New(muxer Muxer, fd io.Closer, withAudio bool, orientationDeg int, listener Listener, logger *log.Logger) *Tee {
	if logger == nil {
		logger = log.Default()
	}
	return &Tee{
		muxer:          muxer,
		fd:             fd,
		withAudio:      withAudio,
		orientationDeg: orientationDeg,
		listener:       listener,
		logger:         logger,
		state:          StateOpening,
		startedAt:      time.Now(),
	}
}

// State returns the tee's current typestate.
func (t *Tee) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnCodecConfig is step 1 of the start sequence: add the video track at
// the requested recording dimensions with SPS/PPS copied into the track
// format, full-frame crop.
func (t *Tee) OnCodecConfig(sps, pps []byte, width, height int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpening && t.state != StateTracksPending {
		return nil
	}
	if err := t.muxer.AddVideoTrack(VideoTrackFormat{Width: width, Height: height, SPS: sps, PPS: pps}); err != nil {
		return err
	}
	t.videoAdded = true
	t.state = StateTracksPending
	return t.tryStartLocked()
}

// OnAudioFormat is step 2 of the start sequence: add the audio track once
// the audio encoder's output format becomes available.
func (t *Tee) OnAudioFormat(sampleRate, channels int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.withAudio || (t.state != StateOpening && t.state != StateTracksPending) {
		return nil
	}
	if err := t.muxer.AddAudioTrack(AudioTrackFormat{SampleRate: sampleRate, Channels: channels}); err != nil {
		return err
	}
	t.audioAdded = true
	t.state = StateTracksPending
	return t.tryStartLocked()
}

// tryStartLocked is step 3: start the muxer only once every required
// track has been added. Caller holds t.mu.
func (t *Tee) tryStartLocked() error {
	if t.state == StateStarted {
		return nil
	}
	if !t.videoAdded {
		return nil
	}
	if t.withAudio && !t.audioAdded {
		return nil
	}
	if err := t.muxer.Start(t.orientationDeg); err != nil {
		return err
	}
	t.state = StateStarted
	return nil
}

// OnEncodedFrame applies the per-sample rules (§4.4) for one video frame
// and writes it to the muxer: codec-config buffers are never routed here
// (the caller filters those to OnCodecConfig), pts is normalized to zero
// on the first sample and held strictly monotonic thereafter, and the
// keyframe flag is preserved.
func (t *Tee) OnEncodedFrame(data []byte, ptsMicros int64, isKeyframe bool) {
	t.mu.Lock()
	if t.state != StateStarted || t.muxerStopped {
		t.mu.Unlock()
		return
	}
	pts := t.disciplineVideoPTSLocked(ptsMicros)
	muxer := t.muxer
	t.mu.Unlock()

	if err := muxer.WriteSample(TrackVideo, Sample{Data: data, PTSMicros: pts, IsKeyframe: isKeyframe}); err != nil {
		t.handleMuxerFatal(err)
	}
}

// OnAudioSample writes one encoded audio sample, applying the same pts
// discipline independently per track.
func (t *Tee) OnAudioSample(data []byte, ptsMicros int64) {
	t.mu.Lock()
	if t.state != StateStarted || t.muxerStopped || !t.withAudio {
		t.mu.Unlock()
		return
	}
	pts := t.disciplineAudioPTSLocked(ptsMicros)
	muxer := t.muxer
	t.mu.Unlock()

	if err := muxer.WriteSample(TrackAudio, Sample{Data: data, PTSMicros: pts}); err != nil {
		t.handleMuxerFatal(err)
	}
}

func (t *Tee) disciplineVideoPTSLocked(raw int64) int64 {
	if !t.videoHavePTS {
		t.videoHavePTS = true
		t.videoBasePTS = raw
		t.videoLastPTS = 0
		return 0
	}
	pts := raw - t.videoBasePTS
	if pts <= t.videoLastPTS {
		pts = t.videoLastPTS + 1
	}
	t.videoLastPTS = pts
	return pts
}

func (t *Tee) disciplineAudioPTSLocked(raw int64) int64 {
	if !t.audioHavePTS {
		t.audioHavePTS = true
		t.audioBasePTS = raw
		t.audioLastPTS = 0
		return 0
	}
	pts := raw - t.audioBasePTS
	if pts <= t.audioLastPTS {
		pts = t.audioLastPTS + 1
	}
	t.audioLastPTS = pts
	return pts
}

// handleMuxerFatal latches the muxer as stopped and drops all subsequent
// samples without further writes (§4.4 MuxerFatal policy).
func (t *Tee) handleMuxerFatal(err error) {
	t.mu.Lock()
	already := t.muxerStopped
	t.muxerStopped = true
	t.mu.Unlock()
	if !already {
		t.logger.Printf("[recording] muxer fatal, dropping subsequent samples: %v", err)
	}
}

// Stop runs the strictly-ordered stop sequence (§4.4 steps 4-5 as owned
// by this package; steps 1-3, marking "recording stopping" and draining
// the shared encoder, are the caller's responsibility since RecordingTee
// is a second consumer of the one EncoderCore's output, not a second
// encoder instance — §9 REDESIGN). Any step failing does not abort the
// remaining steps. On completion, listener.OnRecordingStopped(err) fires
// with the first error encountered, if any, and the fd is guaranteed
// closed strictly after the muxer is released.
func (t *Tee) Stop() {
	t.mu.Lock()
	if t.state == StateClosed || t.state == StateStopping {
		t.mu.Unlock()
		return
	}
	t.state = StateStopping
	alreadyStopped := t.muxerStopped
	t.mu.Unlock()

	var stopErr error
	if !alreadyStopped {
		if err := t.muxer.Stop(); err != nil {
			stopErr = err
			t.logger.Printf("[recording] muxer stop error: %v", err)
		}
	}
	if err := t.muxer.Close(); err != nil && stopErr == nil {
		stopErr = err
		t.logger.Printf("[recording] muxer close error: %v", err)
	}
	if err := t.fd.Close(); err != nil && stopErr == nil {
		stopErr = err
		t.logger.Printf("[recording] fd close error: %v", err)
	}

	t.mu.Lock()
	t.state = StateClosed
	t.stoppedAt = time.Now()
	t.mu.Unlock()

	if t.listener != nil {
		t.listener.OnRecordingStopped(stopErr)
	}
}

// Duration returns how long the tee was (or has been) open.
func (t *Tee) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stoppedAt.IsZero() {
		return time.Since(t.startedAt)
	}
	return t.stoppedAt.Sub(t.startedAt)
}

// StartedAt returns when the tee was constructed.
func (t *Tee) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}
