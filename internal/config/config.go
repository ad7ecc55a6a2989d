// Package config defines the single Config struct this module is wired
// from and Load, which applies flag and environment-variable overrides
// on top of the defaults enumerated in §6.2, in the same
// flag.String(...)-then-os.Getenv(...) style cmd/orbo/main.go uses —
// no viper/cobra (see DESIGN.md for why those stay unwired).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is every tunable this module reads at startup. cmd/streamd
// applies Addr, the auth fields, MaxActiveSessions, FrameQueueCapacity,
// GOPSeconds, StorePath, the admin fields and FakeHardware. The bitrate,
// keyframe/watchdog and session-timing fields and ResumeStateCap are
// parsed but not read by any component; controllers, encoder, session
// and store use their own built-in values for those.
type Config struct {
	Addr string // host:port the stream listener binds

	Password     string // nonempty required unless AuthDisabled
	AuthDisabled bool
	ResumeSecret string // HMAC secret for resume-token signing

	MaxActiveSessions int
	FrameQueueCapacity int
	GOPSeconds        int

	BitrateMinBPS            int
	BitrateIncStepBPS        int
	BitrateIncInterval       time.Duration
	BitrateChangeMinInterval time.Duration

	KeyframeRequestMinInterval time.Duration
	StallWatchdogThreshold     time.Duration
	KeyframeDroughtRequestMul  int
	KeyframeDroughtRecoveryMul int

	SessionJoinTimeout time.Duration
	ForceCloseGrace    time.Duration

	StorePath       string
	ResumeStateCap  int

	AdminEnabled bool
	AdminAddr    string

	FakeHardware bool
}

// Default returns Config populated with every §6.2 default.
func Default() Config {
	return Config{
		Addr: "0.0.0.0:8765",

		ResumeSecret: "",

		MaxActiveSessions:  2,
		FrameQueueCapacity: 60,
		GOPSeconds:         2,

		BitrateMinBPS:            300_000,
		BitrateIncStepBPS:        250_000,
		BitrateIncInterval:       2 * time.Second,
		BitrateChangeMinInterval: 2 * time.Second,

		KeyframeRequestMinInterval: 400 * time.Millisecond,
		StallWatchdogThreshold:     5 * time.Second,
		KeyframeDroughtRequestMul:  2,
		KeyframeDroughtRecoveryMul: 3,

		SessionJoinTimeout: 5 * time.Second,
		ForceCloseGrace:    200 * time.Millisecond,

		StorePath:      "streamd.db",
		ResumeStateCap: 64,

		AdminEnabled: false,
		AdminAddr:    "0.0.0.0:8766",

		FakeHardware: false,
	}
}

// Load parses args (normally os.Args[1:]) against flag defaults drawn
// from Default(), then lets a handful of secrets/paths that don't
// warrant a flag fall back to environment variables, mirroring
// cmd/orbo/main.go's flag-then-getenv layering. It validates that a
// password is present unless auth is explicitly disabled.
func Load(args []string) (Config, error) {
	d := Default()
	fs := flag.NewFlagSet("streamd", flag.ContinueOnError)

	addr := fs.String("addr", d.Addr, "listen address for the stream server")
	authDisabled := fs.Bool("auth-disabled", d.AuthDisabled, "disable password authentication (testing only)")
	maxActiveSessions := fs.Int("max-active-sessions", d.MaxActiveSessions, "maximum concurrent authenticated viewer sessions")
	frameQueueCapacity := fs.Int("frame-queue-capacity", d.FrameQueueCapacity, "capacity of the shared encoded-frame queue feeding every session")
	gopSeconds := fs.Int("gop-seconds", d.GOPSeconds, "encoder GOP length in seconds")
	bitrateMinBPS := fs.Int("bitrate-min-bps", d.BitrateMinBPS, "AIMD bitrate floor")
	bitrateIncStepBPS := fs.Int("bitrate-inc-step-bps", d.BitrateIncStepBPS, "AIMD additive-increase step")
	sessionJoinTimeout := fs.Duration("session-join-timeout", d.SessionJoinTimeout, "handshake deadline for a new connection")
	forceCloseGrace := fs.Duration("force-close-grace", d.ForceCloseGrace, "grace period before force-closing a slow session")
	storePath := fs.String("store-path", d.StorePath, "sqlite database path")
	resumeStateCap := fs.Int("resume-state-cap", d.ResumeStateCap, "bounded LRU capacity for persisted resume state")
	adminEnabled := fs.Bool("admin-enabled", d.AdminEnabled, "enable the read-only admin HTTP+WebSocket feed")
	adminAddr := fs.String("admin-addr", d.AdminAddr, "listen address for the admin feed")
	fakeHardware := fs.Bool("fake-hardware", d.FakeHardware, "use internal/fakehw's synthetic camera/codec/muxer instead of real hardware")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := d
	cfg.Addr = *addr
	cfg.AuthDisabled = *authDisabled
	cfg.MaxActiveSessions = *maxActiveSessions
	cfg.FrameQueueCapacity = *frameQueueCapacity
	cfg.GOPSeconds = *gopSeconds
	cfg.BitrateMinBPS = *bitrateMinBPS
	cfg.BitrateIncStepBPS = *bitrateIncStepBPS
	cfg.SessionJoinTimeout = *sessionJoinTimeout
	cfg.ForceCloseGrace = *forceCloseGrace
	cfg.StorePath = *storePath
	cfg.ResumeStateCap = *resumeStateCap
	cfg.AdminEnabled = *adminEnabled
	cfg.AdminAddr = *adminAddr
	cfg.FakeHardware = *fakeHardware

	cfg.Password = os.Getenv("STREAMD_PASSWORD")
	cfg.ResumeSecret = os.Getenv("STREAMD_RESUME_SECRET")
	if cfg.ResumeSecret == "" {
		cfg.ResumeSecret = "streamd-dev-resume-secret-change-me"
	}

	if v := os.Getenv("STREAMD_BITRATE_INC_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.BitrateIncInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("STREAMD_BITRATE_CHANGE_MIN_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.BitrateChangeMinInterval = time.Duration(ms) * time.Millisecond
		}
	}

	if !cfg.AuthDisabled && cfg.Password == "" {
		return Config{}, fmt.Errorf("config: STREAMD_PASSWORD must be set unless -auth-disabled is passed")
	}

	return cfg, nil
}
