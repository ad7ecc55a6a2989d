// Command streamd is the single-source, multi-viewer live streaming
// server: it wires FrameBus, CommandBus, EncoderCore, RecordingTee,
// StreamServer, the bitrate/FPS/low-power Controller and the read-only
// admin feed together, then runs until SIGINT/SIGTERM.
//
// Wiring and shutdown sequencing follow cmd/orbo/main.go's shape: flags
// plus environment-variable fallback for secrets, a plain *log.Logger,
// signal.Notify feeding a done channel, and an explicit, ordered
// shutdown rather than defer soup.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanternops/streamd/internal/adminws"
	"github.com/lanternops/streamd/internal/authn"
	"github.com/lanternops/streamd/internal/commandbus"
	"github.com/lanternops/streamd/internal/config"
	"github.com/lanternops/streamd/internal/controllers"
	"github.com/lanternops/streamd/internal/encoder"
	"github.com/lanternops/streamd/internal/fakehw"
	"github.com/lanternops/streamd/internal/framebus"
	"github.com/lanternops/streamd/internal/store"
	"github.com/lanternops/streamd/internal/streamserver"
)

const (
	fakeCaptureWidth  = 1280
	fakeCaptureHeight = 720
	fakeCaptureFPS    = 30
)

func main() {
	logger := log.New(os.Stderr, "[streamd] ", log.Ltime)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	if !cfg.FakeHardware {
		logger.Fatalf("no hardware codec factory is wired in this build; run with -fake-hardware")
	}

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}

	password := cfg.Password
	if cfg.AuthDisabled {
		password = ""
	}
	authenticator, err := authn.New(password)
	if err != nil {
		logger.Fatalf("authn: %v", err)
	}
	resumeToken := authn.NewResumeToken(cfg.ResumeSecret)

	frames := framebus.New(cfg.FrameQueueCapacity)
	commands := commandbus.New(logger)

	router := &streamEventRouter{}
	encoderCore := encoder.New(fakehw.NewCodecFactory(), router, logger, true, true)

	srv := streamserver.New(streamserver.Options{
		Addr:              cfg.Addr,
		MaxActiveSessions: cfg.MaxActiveSessions,
		GOPSeconds:        cfg.GOPSeconds,
		Frames:            frames,
		Commands:          commands,
		Authenticator:     authenticator,
		ResumeToken:       resumeToken,
		Store:             st,
		Encoder:           encoderCore,
		Logger:            logger,
	})
	router.srv = srv

	controller := controllers.New(controllers.Options{
		Commands:      commands,
		MaxBitrateBPS: 4_000_000,
		Logger:        logger,
		Reconfigure: func(c controllers.Config) {
			commands.Post(commandbus.ReconfigureStream{Config: encoder.Config{
				Width:      c.Width,
				Height:     c.Height,
				BitrateBPS: c.BitrateBPS,
				FPS:        c.FPS,
				GOPSeconds: cfg.GOPSeconds,
			}})
		},
	})

	handler := &commandHandler{
		logger:      logger,
		encoderCore: encoderCore,
		srv:         srv,
		controller:  controller,
		router:      router,
		store:       st,
		gopSeconds:  cfg.GOPSeconds,
	}
	commands.Start(handler.handle)
	controller.Start()

	adminSrv := adminws.New(adminws.Options{
		Addr:    cfg.AdminAddr,
		Enabled: cfg.AdminEnabled,
		Logger:  logger,
		Snapshot: func() adminws.Snapshot {
			srvStats := srv.Stats()
			return adminws.Snapshot{
				SessionCount: srvStats.SessionCount,
				Epoch:        srvStats.Epoch,
				ActiveConfig: adminws.ConfigView{
					Width:      srvStats.ActiveConfig.Width,
					Height:     srvStats.ActiveConfig.Height,
					BitrateBPS: srvStats.ActiveConfig.BitrateBPS,
					FPS:        srvStats.ActiveConfig.FPS,
				},
				HaveActive:      srvStats.HaveActive,
				RecordingActive: srvStats.RecordingActive,
				FrameBus:        frames.Stats(),
				CommandBus:      commands.Stats(),
				Controller:      controller.Stats(),
			}
		},
	})

	rawSource := fakehw.NewRawFrameSource(encoderCore)
	if err := rawSource.Start(fakeCaptureWidth, fakeCaptureHeight, fakeCaptureFPS); err != nil {
		logger.Printf("fake raw frame source: %v", err)
	}

	errc := make(chan error, 2)
	go func() {
		if err := srv.Serve(); err != nil {
			errc <- err
		}
	}()
	go func() {
		if err := adminSrv.Serve(); err != nil {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		logger.Printf("received %v, shutting down", sig)
	case err := <-errc:
		logger.Printf("server error, shutting down: %v", err)
	}

	shutdown(shutdownDeps{
		logger:      logger,
		rawSource:   rawSource,
		srv:         srv,
		adminSrv:    adminSrv,
		encoderCore: encoderCore,
		controller:  controller,
		commands:    commands,
		router:      router,
		store:       st,
	})

	logger.Println("exited")
}

type shutdownDeps struct {
	logger      *log.Logger
	rawSource   *fakehw.RawFrameSource
	srv         *streamserver.Server
	adminSrv    *adminws.Server
	encoderCore *encoder.Core
	controller  *controllers.Controller
	commands    *commandbus.Bus
	router      *streamEventRouter
	store       *store.Store
}

// shutdown runs the structured stop sequence: stop raw capture, tell
// every viewer the stream has stopped, stop any active recording, stop
// the encoder, close both listeners, stop the governor and command
// worker, then close the database — each step strictly ordered so a
// later one never touches a resource an earlier one already released.
func shutdown(d shutdownDeps) {
	d.rawSource.Stop()

	d.srv.BroadcastStopped()

	if tee := d.router.clearTee(); tee != nil {
		tee.Stop()
	}

	d.encoderCore.Stop()

	if err := d.srv.Close(); err != nil {
		d.logger.Printf("stream server close: %v", err)
	}
	if err := d.adminSrv.Close(); err != nil {
		d.logger.Printf("admin server close: %v", err)
	}

	d.controller.Close()
	d.commands.Close()

	if err := d.store.Close(); err != nil {
		d.logger.Printf("store close: %v", err)
	}

	// Give the command worker a brief window to drain anything already
	// queued (e.g. a keyframe request from the final arbitration) before
	// the process exits.
	time.Sleep(50 * time.Millisecond)
}
