// Package controllers implements C7: the AIMD bitrate controller, the
// downgrade-only camera-FPS governor, and low-power idle (§4.7). All
// three are driven by one periodic governor tick and never mutate the
// encoder directly — every change goes through CommandBus, preserving
// the zero-deadlock discipline the rest of this system follows (§5).
package controllers

import (
	"log"
	"sync"
	"time"

	"github.com/lanternops/streamd/internal/commandbus"
)

// ThermalLevel is the device thermal state, reported by an external
// sensor collaborator (out of scope, like the camera and encoder
// hardware themselves) via ReportThermal.
type ThermalLevel int

const (
	ThermalNormal ThermalLevel = iota
	ThermalSevere
	ThermalCritical
	ThermalEmergency
)

func (t ThermalLevel) String() string {
	switch t {
	case ThermalNormal:
		return "normal"
	case ThermalSevere:
		return "severe"
	case ThermalCritical:
		return "critical"
	case ThermalEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Config mirrors the negotiated StreamConfig shape (§3) that controllers
// act on. It is a plain struct, not an alias of streamserver.Config, so
// this package does not import streamserver — ReconfigureFunc is the
// seam that bridges them.
type Config struct {
	Width, Height, BitrateBPS, FPS int
}

const (
	bitrateFloorBPS          = 300_000
	bitrateIncStepBPS        = 250_000
	bitrateIncInterval       = 2 * time.Second
	bitrateChangeMinInterval = 2 * time.Second
	congestionQuietWindow    = 5 * time.Second
	decreaseEventThreshold   = 3
	decreaseEventWindow      = 10 * time.Second

	fpsGraceDuration      = 5 * time.Second
	fpsCooldown           = 30 * time.Second
	atMinBitrateThreshold = 10 * time.Second
	fpsLastEventMax       = 6 * time.Second

	idleWidth, idleHeight = 480, 640
	idleFPSCap            = 15
	idleBitrateCap        = 900_000

	tickInterval = 2 * time.Second
)

// fpsLadder is the downgrade-only rung sequence; index 0 is the nominal
// rate and the governor only ever moves forward through it.
var fpsLadder = []int{30, 24, 15}

// ReconfigureFunc applies a new encoder configuration by posting
// ReconfigureStream to CommandBus. Supplied by the owner (cmd/streamd)
// rather than constructed here, since the CommandBus Config field must
// carry the same concrete type the StreamServer arbitration path uses
// (encoder.Config), which this package does not import.
type ReconfigureFunc func(cfg Config)

// Options configures a new Controller.
type Options struct {
	Commands      *commandbus.Bus
	Reconfigure   ReconfigureFunc
	MaxBitrateBPS int // device-profile ceiling for AIMD additive-increase
	Logger        *log.Logger
}

// Stats is a read-only snapshot for the admin feed (SPEC_FULL C7 addition).
type Stats struct {
	CurrentBitrateBPS int
	FPS               int
	LowPowerIdle      bool
	Thermal           ThermalLevel
}

// Controller runs the AIMD bitrate controller, FPS governor and
// low-power idle mode on one periodic tick (§5 "governor worker").
type Controller struct {
	commands      *commandbus.Bus
	reconfigure   ReconfigureFunc
	maxBitrateBPS int
	logger        *log.Logger

	mu sync.Mutex

	active     Config
	haveActive bool

	sessionCount int
	recording    bool
	uiVisible    bool
	thermal      ThermalLevel

	currentBitrate      int
	lastBitrateChangeAt time.Time
	atMinBitrateSince   time.Time

	backpressureEvents  []time.Time
	lastBackpressureAt  time.Time
	lastPressureClearAt time.Time

	fpsRung         int
	lastFPSChangeAt time.Time
	graceUntil      time.Time

	lowPower        bool
	preIdleSnapshot Config
	haveSnapshot    bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Controller. It does not start ticking until Start is
// called.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxBitrate := opts.MaxBitrateBPS
	if maxBitrate <= 0 {
		maxBitrate = 4_000_000
	}
	return &Controller{
		commands:      opts.Commands,
		reconfigure:   opts.Reconfigure,
		maxBitrateBPS: maxBitrate,
		logger:        logger,
		uiVisible:     true,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the governor tick goroutine.
func (c *Controller) Start() {
	go c.run()
}

// Close stops the governor tick goroutine and waits for it to exit.
func (c *Controller) Close() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Controller) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// SetActiveConfig tells the controller the StreamConfig StreamServer's
// arbitration most recently settled on. Called by cmd/streamd's
// CommandBus handler whenever arbitration changes the active config.
func (c *Controller) SetActiveConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = cfg
	c.haveActive = true
	c.currentBitrate = cfg.BitrateBPS
	c.fpsRung = fpsRungFor(cfg.FPS)
}

func fpsRungFor(fps int) int {
	for i, f := range fpsLadder {
		if f == fps {
			return i
		}
	}
	return 0
}

// SetSessionCount reports the current viewer count, used by the
// low-power idle precondition.
func (c *Controller) SetSessionCount(n int) {
	c.mu.Lock()
	c.sessionCount = n
	c.mu.Unlock()
}

// SetRecordingActive reports whether the recording tee is currently
// writing, used by the low-power idle precondition.
func (c *Controller) SetRecordingActive(active bool) {
	c.mu.Lock()
	c.recording = active
	c.mu.Unlock()
}

// SetUIVisible reports the Primary device's own foreground UI state,
// used by the low-power idle precondition. Defaults to true.
func (c *Controller) SetUIVisible(visible bool) {
	c.mu.Lock()
	c.uiVisible = visible
	c.mu.Unlock()
}

// ReportThermal records the device's current thermal severity.
func (c *Controller) ReportThermal(level ThermalLevel) {
	c.mu.Lock()
	c.thermal = level
	c.mu.Unlock()
}

// RecordBackpressure registers one session crossing its high-water mark.
// Called by cmd/streamd's CommandBus handler when it executes a
// commandbus.Backpressure command.
func (c *Controller) RecordBackpressure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.lastBackpressureAt = now
	c.backpressureEvents = append(c.backpressureEvents, now)
}

// RecordPressureClear registers a session draining below its low-water
// mark. It does not itself clear accumulated backpressure events — those
// age out of the sliding window on their own — it only records the
// timestamp for admin observability.
func (c *Controller) RecordPressureClear() {
	c.mu.Lock()
	c.lastPressureClearAt = time.Now()
	c.mu.Unlock()
}

// Stats returns a snapshot of controller state for the admin feed.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	fps := 0
	if c.haveActive {
		fps = fpsLadder[c.fpsRung]
	}
	return Stats{
		CurrentBitrateBPS: c.currentBitrate,
		FPS:               fps,
		LowPowerIdle:      c.lowPower,
		Thermal:           c.thermal,
	}
}

func (c *Controller) tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evaluateLowPowerLocked(now)
	if c.lowPower {
		// Low-power idle freezes AIMD/FPS evaluation (§4.7): the snapshot
		// config stays in force until sessions/UI/recording change again.
		return
	}
	c.evaluateAIMDLocked(now)
	c.evaluateFPSGovernorLocked(now)
}

// evaluateLowPowerLocked enters idle when sessions == 0 AND the UI is not
// visible AND nothing is recording, snapshotting the active config so it
// can be restored verbatim on exit (§4.7).
func (c *Controller) evaluateLowPowerLocked(now time.Time) {
	wantIdle := c.haveActive && c.sessionCount == 0 && !c.uiVisible && !c.recording

	switch {
	case wantIdle && !c.lowPower:
		c.preIdleSnapshot = c.active
		c.haveSnapshot = true
		c.lowPower = true
		target := Config{
			Width:      idleWidth,
			Height:     idleHeight,
			FPS:        idleFPSCap,
			BitrateBPS: clampInt(idleBitrateCap, bitrateFloorBPS, idleBitrateCap),
		}
		c.logger.Printf("[controllers] entering low-power idle: %dx%d@%d %dbps", target.Width, target.Height, target.FPS, target.BitrateBPS)
		c.applyLocked(target, now)
	case !wantIdle && c.lowPower:
		c.lowPower = false
		if c.haveSnapshot {
			restored := c.preIdleSnapshot
			c.logger.Printf("[controllers] exiting low-power idle, restoring %dx%d@%d %dbps", restored.Width, restored.Height, restored.FPS, restored.BitrateBPS)
			c.applyLocked(restored, now)
		}
	}
}

func (c *Controller) applyLocked(cfg Config, now time.Time) {
	c.active = cfg
	c.currentBitrate = cfg.BitrateBPS
	c.fpsRung = fpsRungFor(cfg.FPS)
	c.lastBitrateChangeAt = now
	c.lastFPSChangeAt = now
	c.graceUntil = now.Add(fpsGraceDuration)
	if c.reconfigure != nil {
		c.reconfigure(cfg)
	}
}

// evaluateAIMDLocked applies at most one bitrate change per tick: a
// multiplicative decrease takes priority over an additive increase in
// the same tick (§4.7).
func (c *Controller) evaluateAIMDLocked(now time.Time) {
	if !c.haveActive {
		return
	}

	events := c.recentBackpressureEventsLocked(now, decreaseEventWindow)
	if events >= decreaseEventThreshold && now.Sub(c.lastBitrateChangeAt) >= bitrateChangeMinInterval {
		target := int(float64(c.currentBitrate) * 0.7)
		if target < bitrateFloorBPS {
			target = bitrateFloorBPS
		}
		if target != c.currentBitrate {
			c.currentBitrate = target
			c.lastBitrateChangeAt = now
			if target <= bitrateFloorBPS {
				c.atMinBitrateSince = now
			} else {
				c.atMinBitrateSince = time.Time{}
			}
			c.commands.Post(commandbus.AdjustBitrate{BitrateBPS: target})
		}
		return
	}

	if c.currentBitrate <= bitrateFloorBPS {
		if c.atMinBitrateSince.IsZero() {
			c.atMinBitrateSince = now
		}
	} else {
		c.atMinBitrateSince = time.Time{}
	}

	quiet := c.lastBackpressureAt.IsZero() || now.Sub(c.lastBackpressureAt) >= congestionQuietWindow
	readyToIncrease := now.Sub(c.lastBitrateChangeAt) >= bitrateIncInterval
	if quiet && readyToIncrease && c.currentBitrate < c.maxBitrateBPS {
		target := c.currentBitrate + bitrateIncStepBPS
		if target > c.maxBitrateBPS {
			target = c.maxBitrateBPS
		}
		c.currentBitrate = target
		c.lastBitrateChangeAt = now
		c.commands.Post(commandbus.AdjustBitrate{BitrateBPS: target})
	}
}

// evaluateFPSGovernorLocked downgrades the fps rung at most once per
// cooldown, never auto-increases, and ignores metrics during the grace
// window immediately after a change (§4.7).
func (c *Controller) evaluateFPSGovernorLocked(now time.Time) {
	if !c.haveActive || c.fpsRung >= len(fpsLadder)-1 {
		return
	}
	if now.Before(c.graceUntil) {
		return
	}
	if !c.lastFPSChangeAt.IsZero() && now.Sub(c.lastFPSChangeAt) < fpsCooldown {
		return
	}

	thermalTrigger := c.thermal >= ThermalSevere

	events := c.recentBackpressureEventsLocked(now, decreaseEventWindow)
	sustainedBackpressure := events >= decreaseEventThreshold &&
		!c.lastBackpressureAt.IsZero() && now.Sub(c.lastBackpressureAt) <= fpsLastEventMax
	atFloorLongEnough := !c.atMinBitrateSince.IsZero() && now.Sub(c.atMinBitrateSince) >= atMinBitrateThreshold
	bitrateTrigger := atFloorLongEnough && sustainedBackpressure

	if !thermalTrigger && !bitrateTrigger {
		return
	}

	c.fpsRung++
	newFPS := fpsLadder[c.fpsRung]
	cfg := c.active
	cfg.FPS = newFPS
	c.active = cfg
	c.lastFPSChangeAt = now
	c.graceUntil = now.Add(fpsGraceDuration)
	c.logger.Printf("[controllers] fps governor downgrading to %d (thermal=%v bitrate_floor=%v)", newFPS, thermalTrigger, bitrateTrigger)
	if c.reconfigure != nil {
		c.reconfigure(cfg)
	}
}

// recentBackpressureEventsLocked prunes events older than window and
// returns how many remain.
func (c *Controller) recentBackpressureEventsLocked(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	kept := c.backpressureEvents[:0]
	for _, t := range c.backpressureEvents {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.backpressureEvents = kept
	return len(kept)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
