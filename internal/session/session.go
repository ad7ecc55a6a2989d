// Package session implements ViewerSession (C5, §4.5): the per-connection
// protocol state machine — handshake, authentication, negotiation,
// streaming, talkback ingest, half-close — plus the bounded,
// keyframe-priority outbound frame queue and backpressure reporting.
//
// A Session never touches the encoder, camera or recording tee directly;
// every recognized inbound command is forwarded to its Listener, which is
// the only thing allowed to post to the CommandBus (§4.5, §5 zero-deadlock
// discipline).
package session

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lanternops/streamd/internal/framebus"
	"github.com/lanternops/streamd/internal/wire"
)

// State is the protocol state machine from §4.5.
type State int

const (
	StateNew State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config is a StreamConfig hint requested by the viewer (§3).
type Config struct {
	Width, Height, BitrateBPS, FPS int
}

// Frame is an encoder output handed to the session for delivery; it
// mirrors framebus.Frame so the server's fan-out loop can pass the same
// value straight through to every session's Enqueue.
type Frame = framebus.Frame

const (
	maxAuthFailures = 3

	outboundFrameCapacity = 60
	controlQueueCapacity  = 32
	highWaterFraction     = 0.75
	lowWaterFraction      = 0.25

	pingInterval = 10 * time.Second
	pongTimeout  = 30 * time.Second

	writerPollInterval = 50 * time.Millisecond
)

// Listener receives every recognized inbound event. Implementations must
// not block — heavy work is posted to CommandBus by the implementation,
// never performed inline (§5).
type Listener interface {
	OnHello(s *Session, resumeToken string)
	OnAuth(s *Session, password string) error
	OnSetStream(s *Session, cfg Config)
	OnControl(s *Session, line string)
	OnAudioUp(s *Session, pcm []byte)
	OnBackpressure(s *Session)
	OnPressureClear(s *Session)
	OnClosed(s *Session)
}

// Session is one viewer connection.
type Session struct {
	conn     net.Conn
	logger   *log.Logger
	listener Listener

	mu               sync.Mutex
	id               string
	state            State
	authFailures     int
	streamingEnabled bool
	currentEpoch     uint64
	requestedConfig  *Config
	lastPongAt       time.Time
	overHighWater    bool

	frames  *framebus.Bus
	control chan []byte

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New wraps conn as a Session in the New state, identified by id (the
// opaque session id the server assigns at accept time).
func New(conn net.Conn, id string, listener Listener, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		conn:       conn,
		logger:     logger,
		listener:   listener,
		id:         id,
		state:      StateNew,
		lastPongAt: time.Now(),
		frames:     framebus.New(outboundFrameCapacity),
		control:    make(chan []byte, controlQueueCapacity),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// ID returns the session's current id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// AdoptID replaces the session's id, used when a resume succeeds and the
// prior session id recovered from the viewer's resume token is
// reinstated in place of the one assigned at accept.
func (s *Session) AdoptID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// State returns the session's current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestedConfig returns the viewer's last SET_STREAM request, if any.
func (s *Session) RequestedConfig() (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestedConfig == nil {
		return Config{}, false
	}
	return *s.requestedConfig, true
}

// Run starts the reader and writer loops and blocks until the session
// closes. Intended to be called from the accept worker's per-session
// goroutine.
func (s *Session) Run() {
	go s.writeLoop()
	s.readLoop()
	<-s.doneCh
}

func (s *Session) readLoop() {
	defer s.Close()
	for {
		rec, err := wire.ReadRecord(s.conn)
		if err != nil {
			return
		}
		if !s.handleRecord(rec) {
			return
		}
	}
}

func (s *Session) handleRecord(rec wire.Record) bool {
	switch rec.Type {
	case wire.TypeHello:
		return s.handleHello(rec.Payload)
	case wire.TypeAuth:
		return s.handleAuth(rec.Payload)
	case wire.TypeSetStream:
		return s.handleSetStream(rec.Payload)
	case wire.TypeControl:
		return s.handleControl(string(rec.Payload))
	case wire.TypeAudioUp:
		s.listener.OnAudioUp(s, rec.Payload)
		return true
	default:
		s.logger.Printf("[session:%s] unexpected record type %d in current phase", s.id, rec.Type)
		return true
	}
}

func (s *Session) handleHello(payload []byte) bool {
	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return true
	}
	s.state = StateAwaitingAuth
	s.mu.Unlock()

	fields := wire.ParseFields(string(payload))
	resume, _ := fields.String("resume")
	s.listener.OnHello(s, resume)
	return true
}

func (s *Session) handleAuth(payload []byte) bool {
	s.mu.Lock()
	if s.state != StateAwaitingAuth {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	err := s.listener.OnAuth(s, string(payload))
	if err == nil {
		s.mu.Lock()
		s.state = StateAuthenticated
		s.mu.Unlock()
		s.sendControlText("AUTH_OK")
		return true
	}

	s.mu.Lock()
	s.authFailures++
	fail := s.authFailures
	s.mu.Unlock()
	if fail >= maxAuthFailures {
		// Write the last AUTH_FAIL directly: returning false closes the
		// socket before the writer loop would reach a queued copy.
		if raw := encodeControlRecord("AUTH_FAIL"); raw != nil {
			_, _ = s.conn.Write(raw)
		}
		return false
	}
	s.sendControlText("AUTH_FAIL")
	return true
}

func (s *Session) handleSetStream(payload []byte) bool {
	s.mu.Lock()
	if s.state != StateAuthenticated && s.state != StateStreaming {
		s.mu.Unlock()
		return true
	}
	fields := wire.ParseFields(string(payload))
	width, _ := fields.Int("width")
	height, _ := fields.Int("height")
	bitrate, _ := fields.Int("bitrate")
	fps, _ := fields.Int("fps")
	cfg := Config{Width: width, Height: height, BitrateBPS: bitrate, FPS: fps}
	s.requestedConfig = &cfg
	s.state = StateStreaming
	s.mu.Unlock()

	s.listener.OnSetStream(s, cfg)
	return true
}

func (s *Session) handleControl(line string) bool {
	switch line {
	case "PONG":
		s.mu.Lock()
		s.lastPongAt = time.Now()
		s.mu.Unlock()
		return true
	case "PING":
		s.sendControlText("PONG")
		return true
	default:
		s.listener.OnControl(s, line)
		return true
	}
}

// --- Outbound operations exposed to StreamServer (§4.5) ---

// SendCSD sends the current codec config for epoch e.
func (s *Session) SendCSD(sps, pps []byte, epoch uint64) {
	payload := wire.EncodeCSD(wire.CSDRecord{Epoch: epoch, SPS: sps, PPS: pps})
	s.enqueueControl(wire.TypeCSD, payload)
}

// SendEncoderRotation sends an ENC_ROT control line.
func (s *Session) SendEncoderRotation(deg int) {
	s.sendControlText(fmt.Sprintf("ENC_ROT|%d", deg))
}

// SendRecordingState sends a RECORDING control line.
func (s *Session) SendRecordingState(active bool) {
	s.sendControlText(fmt.Sprintf("RECORDING|active=%s", boolStr(active)))
}

// SendCameraFacing sends a CAMERA control line.
func (s *Session) SendCameraFacing(front bool) {
	s.sendControlText(fmt.Sprintf("CAMERA|front=%s", boolStr(front)))
}

// SendControl sends an arbitrary control line.
func (s *Session) SendControl(text string) {
	s.sendControlText(text)
}

// SendControlAtomic guarantees a and b appear back-to-back on the wire,
// with nothing else interleaved (§4.5, §6.1 atomic control pairs).
func (s *Session) SendControlAtomic(a, b string) {
	combined := append(encodeControlRecord(a), encodeControlRecord(b)...)
	s.enqueueRaw(combined)
}

// SendStreamAccepted sends the negotiated StreamConfig for epoch e,
// identifying this session by sessionID (its resume token, §6.1).
func (s *Session) SendStreamAccepted(epoch uint64, sessionID string, cfg Config) {
	text := fmt.Sprintf("epoch=%d|width=%d|height=%d|bitrate=%d|fps=%d|session=%s",
		epoch, cfg.Width, cfg.Height, cfg.BitrateBPS, cfg.FPS, sessionID)
	s.enqueueControl(wire.TypeStreamAccepted, []byte(text))
}

func (s *Session) sendStreamState(code int, epoch uint64) {
	s.enqueueControl(wire.TypeStreamState, []byte(fmt.Sprintf("%d|epoch=%d", code, epoch)))
}

// SendStreamStateStreaming sends STREAM_STATE|1 (STREAMING).
func (s *Session) SendStreamStateStreaming(epoch uint64) {
	s.sendStreamState(wire.StreamStateStreaming, epoch)
}

// SendStreamStateStopped sends STREAM_STATE|3 (STOPPED).
func (s *Session) SendStreamStateStopped() {
	s.sendStreamState(wire.StreamStateStopped, s.currentEpochValue())
}

// SendStreamStateReconfiguring sends STREAM_STATE|2 (RECONFIGURING) on its
// own, used when recovery is underway and no STREAM_ACCEPTED accompanies
// it (§7 WatchdogRecoveryRequested).
func (s *Session) SendStreamStateReconfiguring(epoch uint64) {
	s.sendStreamState(wire.StreamStateReconfiguring, epoch)
}

// SendStreamAcceptedAndReconfiguring atomically sends STREAM_ACCEPTED
// followed by STREAM_STATE|RECONFIGURING, so a viewer never observes one
// without the other (§4.6, §6.1 atomic control pairs).
func (s *Session) SendStreamAcceptedAndReconfiguring(epoch uint64, sessionID string, cfg Config) {
	accepted := fmt.Sprintf("epoch=%d|width=%d|height=%d|bitrate=%d|fps=%d|session=%s",
		epoch, cfg.Width, cfg.Height, cfg.BitrateBPS, cfg.FPS, sessionID)
	state := fmt.Sprintf("%d|epoch=%d", wire.StreamStateReconfiguring, epoch)

	a, errA := wire.EncodeRecordBytes(wire.TypeStreamAccepted, []byte(accepted))
	b, errB := wire.EncodeRecordBytes(wire.TypeStreamState, []byte(state))
	if errA != nil || errB != nil {
		s.logger.Printf("[session:%s] encode stream-accepted pair: %v / %v", s.id, errA, errB)
		return
	}
	s.enqueueRaw(append(a, b...))
}

// SendAudioDown sends one downlink audio unit.
func (s *Session) SendAudioDown(pcm []byte, ptsUS int64, rate uint32, channels uint8, compressed bool) {
	rec := wire.EncodeAudioDown(wire.AudioDownRecord{
		PTSMicros:  ptsUS,
		SampleRate: rate,
		Channels:   channels,
		Compressed: compressed,
		PCM:        pcm,
	})
	s.enqueueControl(wire.TypeAudioDown, rec)
}

// EnqueueFrame offers f to the outbound frame queue, dropping it if its
// epoch does not match the session's current epoch, and otherwise
// applying the framebus keyframe-priority drop policy under pressure.
func (s *Session) EnqueueFrame(f Frame) {
	s.mu.Lock()
	epoch := s.currentEpoch
	streaming := s.streamingEnabled
	s.mu.Unlock()

	if !streaming || f.Epoch != epoch {
		return
	}
	s.frames.Publish(f)
	s.checkBackpressure()
}

func (s *Session) checkBackpressure() {
	size := s.frames.Size()
	high := int(float64(outboundFrameCapacity) * highWaterFraction)
	low := int(float64(outboundFrameCapacity) * lowWaterFraction)

	s.mu.Lock()
	switch {
	case !s.overHighWater && size >= high:
		s.overHighWater = true
		s.mu.Unlock()
		s.listener.OnBackpressure(s)
	case s.overHighWater && size <= low:
		s.overHighWater = false
		s.mu.Unlock()
		s.listener.OnPressureClear(s)
	default:
		s.mu.Unlock()
	}
}

// SetStreamEpoch sets the epoch this session will accept frames for.
func (s *Session) SetStreamEpoch(e uint64) {
	s.mu.Lock()
	s.currentEpoch = e
	s.mu.Unlock()
}

func (s *Session) currentEpochValue() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentEpoch
}

// EnableStreaming toggles whether EnqueueFrame accepts frames at all.
func (s *Session) EnableStreaming(enabled bool) {
	s.mu.Lock()
	s.streamingEnabled = enabled
	s.mu.Unlock()
}

// LastPongAt returns when the last PONG was observed (the session's
// creation time until the first one arrives).
func (s *Session) LastPongAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPongAt
}

// Close idempotently tears down the session: closes the socket, stops
// both loops, and notifies the listener exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()

		close(s.stopCh)
		s.conn.Close()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		s.listener.OnClosed(s)
	})
}

// --- writer loop ---

func (s *Session) writeLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if time.Since(s.LastPongAt()) > pongTimeout {
				s.logger.Printf("[session:%s] pong timeout, closing", s.ID())
				go s.Close()
				return
			}
			s.sendControlText("PING")
			continue
		case b, ok := <-s.control:
			if !ok {
				return
			}
			if _, err := s.conn.Write(b); err != nil {
				go s.Close()
				return
			}
			continue
		default:
		}

		f, ok := s.frames.PollWithTimeout(writerPollInterval)
		if !ok {
			s.checkBackpressure()
			continue
		}
		if err := s.writeFrame(f); err != nil {
			go s.Close()
			return
		}
		s.checkBackpressure()
	}
}

func (s *Session) writeFrame(f Frame) error {
	rec := wire.EncodeFrame(wire.FrameRecord{
		Epoch:          f.Epoch,
		PTSMicros:      f.PTSMicros,
		IsKeyframe:     f.IsKeyframe,
		CaptureEpochMS: f.CaptureEpochMS,
		NAL:            f.Data,
	})
	raw, err := wire.EncodeRecordBytes(wire.TypeFrame, rec)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(raw)
	return err
}

func (s *Session) sendControlText(text string) {
	s.enqueueRaw(encodeControlRecord(text))
}

func (s *Session) enqueueControl(t wire.RecordType, payload []byte) {
	raw, err := wire.EncodeRecordBytes(t, payload)
	if err != nil {
		s.logger.Printf("[session:%s] encode record type %d: %v", s.id, t, err)
		return
	}
	s.enqueueRaw(raw)
}

func (s *Session) enqueueRaw(raw []byte) {
	select {
	case s.control <- raw:
	default:
		s.logger.Printf("[session:%s] control queue full, dropping message", s.id)
	}
}

func encodeControlRecord(text string) []byte {
	raw, err := wire.EncodeRecordBytes(wire.TypeControl, []byte(text))
	if err != nil {
		return nil
	}
	return raw
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
