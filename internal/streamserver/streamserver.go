// Package streamserver implements StreamServer (C6, §4.6): the listening
// socket, the bounded session set, configuration arbitration, stream-epoch
// discipline, and the fan-out sender loop that feeds every viewer session
// from the shared FrameBus.
//
// Server is the single authority for when STREAM_STATE is emitted;
// ViewerSession is the only thing allowed to put it on the wire (§4.6).
// It also plays the "owner" role the encoder/recording packages refer to:
// it implements encoder.Listener directly, since arbitration, epoch
// bumps and CSD caching for late joiners are exactly its job.
package streamserver

import (
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanternops/streamd/internal/authn"
	"github.com/lanternops/streamd/internal/commandbus"
	"github.com/lanternops/streamd/internal/encoder"
	"github.com/lanternops/streamd/internal/framebus"
	"github.com/lanternops/streamd/internal/session"
	"github.com/lanternops/streamd/internal/store"
)

const (
	acceptRetryDelay      = 500 * time.Millisecond
	resumeFreshnessWindow = 30 * time.Second
	senderPollInterval    = 100 * time.Millisecond
)

// Config is the StreamConfig a viewer requests and the server arbitrates
// over (§3). It is the same shape ViewerSession parses off SET_STREAM.
type Config = session.Config

// Stats is a read-only snapshot for the admin feed (SPEC_FULL C6 addition).
type Stats struct {
	SessionCount    int
	Epoch           uint64
	ActiveConfig    Config
	HaveActive      bool
	RecordingActive bool
}

type sessionEntry struct {
	sess            *session.Session
	pendingResume   string
	requestedConfig Config
	hasRequested    bool
	authenticatedAt time.Time
}

// Options configures a new Server. Frames and Commands are required;
// Authenticator, ResumeToken, Store and Encoder may be nil (authentication
// disabled, resume disabled, no persistence, no live encoder yet).
type Options struct {
	Addr              string
	MaxActiveSessions int
	GOPSeconds        int
	Frames            *framebus.Bus
	Commands          *commandbus.Bus
	Authenticator     *authn.Authenticator
	ResumeToken       *authn.ResumeToken
	Store             *store.Store
	Encoder           *encoder.Core
	Logger            *log.Logger
}

// Server owns the listening socket, the session set (bounded at
// MaxActiveSessions), the last known codec config, the current stream
// epoch, and every session's requested config (§4.6).
type Server struct {
	addr              string
	maxActiveSessions int
	gopSeconds        int

	frames        *framebus.Bus
	commands      *commandbus.Bus
	authenticator *authn.Authenticator
	resumeToken   *authn.ResumeToken
	store         *store.Store
	encoderCore   *encoder.Core
	logger        *log.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session.Session]*sessionEntry
	byID     map[string]*session.Session

	epoch           uint64
	activeConfig    Config
	haveActive      bool
	lastSPS, lastPPS []byte
	haveCSD         bool
	recordingActive bool
	cameraFront     bool
	rotationDeg     int

	closing bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Server in the unbound state; call Serve to bind and run.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	gop := opts.GOPSeconds
	if gop <= 0 {
		gop = 2
	}
	return &Server{
		addr:              opts.Addr,
		maxActiveSessions: opts.MaxActiveSessions,
		gopSeconds:        gop,
		frames:            opts.Frames,
		commands:          opts.Commands,
		authenticator:     opts.Authenticator,
		resumeToken:       opts.ResumeToken,
		store:             opts.Store,
		encoderCore:       opts.Encoder,
		logger:            logger,
		sessions:          make(map[*session.Session]*sessionEntry),
		byID:              make(map[string]*session.Session),
		stopCh:            make(chan struct{}),
	}
}

// Serve binds the listening socket and runs the accept loop and the
// fan-out sender loop until Close is called. It blocks for the life of
// the server (§4.6 "bind once; accept loop runs for the server's
// lifetime").
func (srv *Server) Serve() error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("streamserver: listen: %w", err)
	}
	srv.mu.Lock()
	srv.listener = ln
	srv.mu.Unlock()

	srv.wg.Add(1)
	go srv.senderLoop()

	srv.logger.Printf("[server] listening on %s", ln.Addr())
	srv.acceptLoop(ln)
	srv.wg.Wait()
	return nil
}

// acceptLoop never tears the listener down on its own account: a bounded
// back-off on accept error keeps the socket alive for the server's whole
// lifetime, even while the encoder is stalled or cycling (§4.6) — only
// Close (which closes the listener itself) ends the loop.
func (srv *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-srv.stopCh:
				return
			default:
			}
			srv.logger.Printf("[server] accept error: %v, retrying in %v", err, acceptRetryDelay)
			time.Sleep(acceptRetryDelay)
			continue
		}
		go srv.handleConn(conn)
	}
}

func (srv *Server) handleConn(conn net.Conn) {
	id := uuid.NewString()
	sess := session.New(conn, id, srv, srv.logger)

	srv.mu.Lock()
	srv.sessions[sess] = &sessionEntry{sess: sess}
	srv.byID[id] = sess
	srv.mu.Unlock()

	sess.Run()
}

// ActiveSessionCount reports how many viewers are currently connected,
// negotiated or not. Publish-side load shedding in OnEncodedFrame counts
// only sessions that have sent SET_STREAM, not this number.
func (srv *Server) ActiveSessionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// Stats returns a snapshot for the admin feed.
func (srv *Server) Stats() Stats {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return Stats{
		SessionCount:    len(srv.sessions),
		Epoch:           srv.epoch,
		ActiveConfig:    srv.activeConfig,
		HaveActive:      srv.haveActive,
		RecordingActive: srv.recordingActive,
	}
}

// Close stops the accept loop, closes the listener and every session, and
// waits for the sender loop to exit.
func (srv *Server) Close() error {
	srv.mu.Lock()
	if srv.closing {
		srv.mu.Unlock()
		return nil
	}
	srv.closing = true
	ln := srv.listener
	toClose := make([]*session.Session, 0, len(srv.sessions))
	for sess := range srv.sessions {
		toClose = append(toClose, sess)
	}
	srv.mu.Unlock()

	close(srv.stopCh)
	if ln != nil {
		ln.Close()
	}
	for _, sess := range toClose {
		sess.Close()
	}
	srv.wg.Wait()
	return nil
}

// BroadcastStopped implements scenario 6 (§8): the owner paused capture,
// viewers stay connected and are told to show the idle state.
func (srv *Server) BroadcastStopped() {
	srv.mu.Lock()
	sessions := srv.sessionSnapshotLocked()
	srv.mu.Unlock()

	for _, sess := range sessions {
		sess.SendStreamStateStopped()
		sess.EnableStreaming(false)
	}
}

// BroadcastRecordingState updates the cached recording indicator and
// notifies every session; RECORDING|active=<b> is the sole authority for
// the viewer's recording indicator (§7).
func (srv *Server) BroadcastRecordingState(active bool) {
	srv.mu.Lock()
	srv.recordingActive = active
	sessions := srv.sessionSnapshotLocked()
	srv.mu.Unlock()

	for _, sess := range sessions {
		sess.SendRecordingState(active)
	}
}

// BroadcastCameraFacing updates the cached camera-facing flag and
// notifies every session.
func (srv *Server) BroadcastCameraFacing(front bool) {
	srv.mu.Lock()
	srv.cameraFront = front
	sessions := srv.sessionSnapshotLocked()
	srv.mu.Unlock()

	for _, sess := range sessions {
		sess.SendCameraFacing(front)
	}
}

// BroadcastEncoderRotation updates the cached rotation hint and notifies
// every session. Per §9 REDESIGN, the encoder is never restarted for a
// device rotation — only this metadata message changes.
func (srv *Server) BroadcastEncoderRotation(deg int) {
	srv.mu.Lock()
	srv.rotationDeg = deg
	sessions := srv.sessionSnapshotLocked()
	srv.mu.Unlock()

	for _, sess := range sessions {
		sess.SendEncoderRotation(deg)
	}
}

// sessionSnapshotLocked returns every session that has sent at least one
// SET_STREAM, i.e. every session arbitration and broadcast should reach.
// Caller must hold srv.mu.
func (srv *Server) sessionSnapshotLocked() []*session.Session {
	out := make([]*session.Session, 0, len(srv.sessions))
	for sess, entry := range srv.sessions {
		if entry.hasRequested {
			out = append(out, sess)
		}
	}
	return out
}

// --- session.Listener ---

func (srv *Server) OnHello(s *session.Session, resumeToken string) {
	if resumeToken == "" {
		return
	}
	srv.mu.Lock()
	if entry, ok := srv.sessions[s]; ok {
		entry.pendingResume = resumeToken
	}
	srv.mu.Unlock()
}

func (srv *Server) OnAuth(s *session.Session, password string) error {
	if srv.authenticator == nil || !srv.authenticator.Enabled() {
		// No password configured (-auth-disabled): every viewer is
		// admitted without a check rather than every AUTH failing.
		srv.onAuthenticated(s)
		return nil
	}
	if err := srv.authenticator.Check(password); err != nil {
		return err
	}
	srv.onAuthenticated(s)
	return nil
}

func (srv *Server) onAuthenticated(s *session.Session) {
	srv.mu.Lock()
	entry, ok := srv.sessions[s]
	if !ok {
		srv.mu.Unlock()
		return
	}
	entry.authenticatedAt = time.Now()
	pending := entry.pendingResume
	srv.mu.Unlock()

	if pending != "" {
		srv.tryResume(s, pending)
	}
	srv.enforceSessionCap()
}

// tryResume implements the resume protocol (§4.5, §8 scenario 3): only a
// signed, still-fresh-per-ResumeState token is honored.
func (srv *Server) tryResume(s *session.Session, token string) {
	if srv.resumeToken == nil || srv.store == nil {
		s.SendControl("RESUME_FAIL")
		return
	}
	sid, err := srv.resumeToken.Validate(token)
	if err != nil {
		s.SendControl("RESUME_FAIL")
		return
	}
	rs, found, err := srv.store.GetResumeState(sid)
	if err != nil || !found {
		s.SendControl("RESUME_FAIL")
		return
	}
	if time.Since(time.UnixMilli(rs.TimestampMS)) > resumeFreshnessWindow {
		s.SendControl("RESUME_FAIL")
		_ = srv.store.DeleteResumeState(sid)
		return
	}

	srv.mu.Lock()
	oldID := s.ID()
	delete(srv.byID, oldID)
	s.AdoptID(sid)
	srv.byID[sid] = s
	if entry, ok := srv.sessions[s]; ok {
		entry.requestedConfig = Config{Width: rs.Width, Height: rs.Height, BitrateBPS: rs.BitrateBPS, FPS: rs.FPS}
		entry.hasRequested = true
	}
	srv.mu.Unlock()

	s.SendControl("RESUME_OK")
	changed := srv.arbitrate()
	if !changed {
		srv.catchUp(s)
	}
	srv.commands.Post(commandbus.RequestKeyframe{})
}

// enforceSessionCap closes the oldest authenticated sessions once a fresh
// authentication pushes the count past MaxActiveSessions (§4.6).
func (srv *Server) enforceSessionCap() {
	if srv.maxActiveSessions <= 0 {
		return
	}
	srv.mu.Lock()
	type aged struct {
		sess *session.Session
		at   time.Time
	}
	var authenticated []aged
	for sess, entry := range srv.sessions {
		if !entry.authenticatedAt.IsZero() {
			authenticated = append(authenticated, aged{sess, entry.authenticatedAt})
		}
	}
	var toClose []*session.Session
	if len(authenticated) > srv.maxActiveSessions {
		sort.Slice(authenticated, func(i, j int) bool { return authenticated[i].at.Before(authenticated[j].at) })
		excess := len(authenticated) - srv.maxActiveSessions
		for i := 0; i < excess; i++ {
			toClose = append(toClose, authenticated[i].sess)
		}
	}
	srv.mu.Unlock()

	for _, sess := range toClose {
		srv.logger.Printf("[server] closing session %s: max_active_sessions exceeded", sess.ID())
		sess.Close()
	}
}

func (srv *Server) OnSetStream(s *session.Session, cfg Config) {
	srv.mu.Lock()
	entry, ok := srv.sessions[s]
	if !ok {
		srv.mu.Unlock()
		return
	}
	entry.requestedConfig = cfg
	entry.hasRequested = true
	srv.mu.Unlock()

	changed := srv.arbitrate()
	if !changed {
		srv.catchUp(s)
	}
}

func (srv *Server) OnControl(s *session.Session, line string) {
	switch {
	case line == "REQ_KEYFRAME":
		srv.commands.Post(commandbus.RequestKeyframe{})
	case strings.HasPrefix(line, "ADJUST_BITRATE|"):
		if bps, err := strconv.Atoi(strings.TrimPrefix(line, "ADJUST_BITRATE|")); err == nil {
			srv.commands.Post(commandbus.AdjustBitrate{BitrateBPS: bps})
		}
	case line == "SWITCH_CAMERA":
		srv.commands.Post(commandbus.SwitchCamera{})
	case strings.HasPrefix(line, "ZOOM|"):
		if ratio, err := strconv.ParseFloat(strings.TrimPrefix(line, "ZOOM|"), 64); err == nil {
			srv.commands.Post(commandbus.Zoom{Ratio: ratio})
		}
	default:
		srv.logger.Printf("[server] session %s sent unrecognized control: %q", s.ID(), line)
	}
}

func (srv *Server) OnAudioUp(s *session.Session, pcm []byte) {
	// Talkback ingest has no consumer wired at this layer; the collaborator
	// that owns playback is external (§6.3 AudioSource is the P-side only).
}

func (srv *Server) OnBackpressure(s *session.Session) {
	srv.commands.Post(commandbus.Backpressure{SessionID: s.ID()})
}

func (srv *Server) OnPressureClear(s *session.Session) {
	srv.commands.Post(commandbus.PressureClear{SessionID: s.ID()})
}

func (srv *Server) OnClosed(s *session.Session) {
	srv.mu.Lock()
	entry, ok := srv.sessions[s]
	if ok {
		delete(srv.sessions, s)
		delete(srv.byID, s.ID())
	}
	count := len(srv.sessions)
	srv.mu.Unlock()

	if ok && srv.store != nil && entry.hasRequested {
		if err := srv.store.SaveResumeState(store.ResumeState{
			SessionID:   s.ID(),
			Width:       entry.requestedConfig.Width,
			Height:      entry.requestedConfig.Height,
			BitrateBPS:  entry.requestedConfig.BitrateBPS,
			FPS:         entry.requestedConfig.FPS,
			TimestampMS: time.Now().UnixMilli(),
		}); err != nil {
			srv.logger.Printf("[server] save resume state for %s: %v", s.ID(), err)
		}
	}

	srv.logger.Printf("[server] session %s closed, %d active", s.ID(), count)
	srv.arbitrate()
}

// --- encoder.Listener (the "owner" role §4.3/§7 refer to) ---

func (srv *Server) OnCodecConfig(sps, pps []byte) {
	srv.mu.Lock()
	srv.lastSPS = sps
	srv.lastPPS = pps
	srv.haveCSD = true
	epoch := srv.epoch
	sessions := srv.sessionSnapshotLocked()
	srv.mu.Unlock()

	for _, sess := range sessions {
		sess.SendCSD(sps, pps, epoch)
		sess.SendStreamStateStreaming(epoch)
	}
}

func (srv *Server) OnEncodedFrame(f encoder.EncodedFrame) {
	srv.mu.Lock()
	epoch := srv.epoch
	count := len(srv.sessionSnapshotLocked())
	srv.mu.Unlock()

	if count == 0 {
		// Load shedding (§4.6): nobody is watching, keep the encoder warm
		// but do not pay for a queue that no one drains.
		return
	}
	srv.frames.Publish(framebus.Frame{
		Data:           f.Data,
		IsKeyframe:     f.IsKeyframe,
		PTSMicros:      f.PTSMicros,
		CaptureEpochMS: f.CaptureEpochMS,
		Epoch:          epoch,
	})
}

func (srv *Server) OnRecoveryNeeded() {
	srv.mu.Lock()
	haveActive := srv.haveActive
	epoch := srv.epoch
	cfg := srv.activeConfig
	sessions := srv.sessionSnapshotLocked()
	srv.mu.Unlock()
	if !haveActive {
		return
	}

	srv.logger.Printf("[server] encoder recovery requested at epoch %d", epoch)
	for _, sess := range sessions {
		sess.SendStreamStateReconfiguring(epoch)
	}
	srv.commands.Post(commandbus.ReconfigureStream{Config: encoderConfigFrom(cfg, srv.gopSeconds)})
}

// ResyncActualConfig re-reads the live encoder's running width/height
// after a CommandBus-driven Reconfigure (whether arbitration-triggered or
// recovery-triggered) and bumps the epoch exactly once iff the actual
// config changed (§4.6, §9 REDESIGN epoch-thrash fix) — it is the single
// place that re-check happens, so both reconfigure paths share it.
func (srv *Server) ResyncActualConfig() {
	srv.mu.Lock()
	if !srv.haveActive {
		srv.mu.Unlock()
		return
	}
	actual := srv.activeConfig
	if w, h, ok := srv.runningSizeLocked(); ok {
		actual.Width, actual.Height = w, h
	}
	if actual == srv.activeConfig {
		srv.mu.Unlock()
		return
	}
	srv.epoch++
	epoch := srv.epoch
	srv.activeConfig = actual
	sessions := srv.sessionSnapshotLocked()
	srv.mu.Unlock()

	srv.broadcastAccepted(epoch, actual, sessions)
	srv.commands.Post(commandbus.RequestKeyframe{})
}

// --- arbitration ---

// arbitrate recomputes the winning requested config, substitutes the live
// encoder's actual width/height, and — only if that actual config differs
// from the currently active one — bumps the epoch, posts
// ReconfigureStream, and broadcasts the atomic STREAM_ACCEPTED +
// STREAM_STATE|RECONFIGURING pair (§4.6). Returns whether anything changed.
func (srv *Server) arbitrate() bool {
	srv.mu.Lock()
	var candidates []Config
	for _, entry := range srv.sessions {
		if entry.hasRequested {
			candidates = append(candidates, entry.requestedConfig)
		}
	}
	if len(candidates) == 0 {
		srv.mu.Unlock()
		return false
	}

	winner := pickWinner(candidates)
	actual := winner
	if w, h, ok := srv.runningSizeLocked(); ok {
		actual.Width, actual.Height = w, h
	}

	if srv.haveActive && actual == srv.activeConfig {
		srv.mu.Unlock()
		return false
	}

	srv.epoch++
	epoch := srv.epoch
	srv.activeConfig = actual
	srv.haveActive = true
	sessions := srv.sessionSnapshotLocked()
	srv.mu.Unlock()

	srv.commands.Post(commandbus.ReconfigureStream{Config: encoderConfigFrom(actual, srv.gopSeconds)})
	srv.broadcastAccepted(epoch, actual, sessions)
	srv.commands.Post(commandbus.RequestKeyframe{})
	return true
}

func (srv *Server) broadcastAccepted(epoch uint64, cfg Config, sessions []*session.Session) {
	for _, sess := range sessions {
		sess.SetStreamEpoch(epoch)
		sess.EnableStreaming(true)
		sess.SendStreamAcceptedAndReconfiguring(epoch, srv.resumeHandleFor(sess), cfg)
	}
}

// resumeHandleFor returns the value sent as STREAM_ACCEPTED's session=
// field, which the viewer presents in HELLO|resume= to reclaim sess: a
// ResumeToken minted for its id, or the bare id when no signer is set.
func (srv *Server) resumeHandleFor(sess *session.Session) string {
	id := sess.ID()
	if srv.resumeToken == nil {
		return id
	}
	token, err := srv.resumeToken.Mint(id)
	if err != nil {
		srv.logger.Printf("[server] mint resume token for %s: %v", id, err)
		return id
	}
	return token
}

// catchUp brings one session (a late joiner, or a resumed session whose
// request did not itself trigger a change) up to the currently active
// config, CSD and cached control state without bumping the epoch.
func (srv *Server) catchUp(s *session.Session) {
	srv.mu.Lock()
	if !srv.haveActive {
		srv.mu.Unlock()
		return
	}
	epoch := srv.epoch
	cfg := srv.activeConfig
	sps, pps, haveCSD := srv.lastSPS, srv.lastPPS, srv.haveCSD
	recording := srv.recordingActive
	front := srv.cameraFront
	rot := srv.rotationDeg
	srv.mu.Unlock()

	s.SetStreamEpoch(epoch)
	s.EnableStreaming(true)
	s.SendStreamAccepted(epoch, srv.resumeHandleFor(s), cfg)
	if haveCSD {
		s.SendCSD(sps, pps, epoch)
	}
	s.SendStreamStateStreaming(epoch)
	s.SendRecordingState(recording)
	s.SendCameraFacing(front)
	s.SendEncoderRotation(rot)
}

// runningSizeLocked reads the live encoder's applied width/height.
// Caller must hold srv.mu.
func (srv *Server) runningSizeLocked() (int, int, bool) {
	if srv.encoderCore == nil {
		return 0, 0, false
	}
	return srv.encoderCore.RunningSize()
}

func encoderConfigFrom(cfg Config, gopSeconds int) encoder.Config {
	return encoder.Config{
		Width:      cfg.Width,
		Height:     cfg.Height,
		BitrateBPS: cfg.BitrateBPS,
		FPS:        cfg.FPS,
		GOPSeconds: gopSeconds,
	}
}

// pickWinner implements the lowest-common-denominator arbitration rule
// (§4.6): minimize width*height*bitrate, tie-breaking on lower fps, then
// lower bitrate, then lower width (DESIGN.md Open Question decision #3).
func pickWinner(candidates []Config) Config {
	best := candidates[0]
	bestScore := configScore(best)
	for _, c := range candidates[1:] {
		s := configScore(c)
		if s < bestScore || (s == bestScore && tiebreakLess(c, best)) {
			best, bestScore = c, s
		}
	}
	return best
}

func configScore(c Config) int64 {
	return int64(c.Width) * int64(c.Height) * int64(c.BitrateBPS)
}

func tiebreakLess(a, b Config) bool {
	if a.FPS != b.FPS {
		return a.FPS < b.FPS
	}
	if a.BitrateBPS != b.BitrateBPS {
		return a.BitrateBPS < b.BitrateBPS
	}
	return a.Width < b.Width
}

// --- fan-out sender loop ---

func (srv *Server) senderLoop() {
	defer srv.wg.Done()
	for {
		select {
		case <-srv.stopCh:
			return
		default:
		}

		f, ok := srv.frames.PollWithTimeout(senderPollInterval)
		if !ok {
			continue
		}
		batch := append([]framebus.Frame{f}, srv.frames.DrainAll()...)
		send, ok := framebus.CoalesceNewest(batch)
		if !ok {
			continue
		}

		srv.mu.Lock()
		sessions := srv.sessionSnapshotLocked()
		srv.mu.Unlock()

		for _, sess := range sessions {
			sess.EnqueueFrame(send)
		}
	}
}
