package controllers

import (
	"testing"
	"time"

	"github.com/lanternops/streamd/internal/commandbus"
)

func newTestController(t *testing.T) (*Controller, *commandbus.Bus) {
	t.Helper()
	bus := commandbus.New(nil)
	var executed []commandbus.Command
	bus.Start(func(cmd commandbus.Command) { executed = append(executed, cmd) })
	t.Cleanup(bus.Close)

	c := New(Options{
		Commands:      bus,
		MaxBitrateBPS: 4_000_000,
	})
	c.SetActiveConfig(Config{Width: 1280, Height: 720, BitrateBPS: 2_000_000, FPS: 30})
	return c, bus
}

func TestAIMDIncreasesAfterQuietPeriod(t *testing.T) {
	c, bus := newTestController(t)

	now := time.Now()
	c.mu.Lock()
	c.lastBitrateChangeAt = now.Add(-3 * time.Second)
	c.mu.Unlock()

	c.tick(now)
	time.Sleep(10 * time.Millisecond)

	stats := c.Stats()
	if stats.CurrentBitrateBPS != 2_250_000 {
		t.Fatalf("bitrate = %d, want 2250000", stats.CurrentBitrateBPS)
	}
	if bus.Stats().Posted == 0 {
		t.Fatalf("expected AdjustBitrate to be posted")
	}
}

func TestAIMDDecreasesOnSustainedBackpressure(t *testing.T) {
	c, _ := newTestController(t)

	now := time.Now()
	for i := 0; i < 3; i++ {
		c.RecordBackpressure()
	}
	c.mu.Lock()
	c.lastBitrateChangeAt = now.Add(-3 * time.Second)
	c.mu.Unlock()

	c.tick(now)

	stats := c.Stats()
	if stats.CurrentBitrateBPS != 1_400_000 {
		t.Fatalf("bitrate = %d, want 1400000 (2000000 * 0.7)", stats.CurrentBitrateBPS)
	}
}

func TestAIMDDecreaseFloorsAtMinimum(t *testing.T) {
	c, _ := newTestController(t)
	c.SetActiveConfig(Config{Width: 1280, Height: 720, BitrateBPS: 350_000, FPS: 30})

	now := time.Now()
	for i := 0; i < 3; i++ {
		c.RecordBackpressure()
	}
	c.mu.Lock()
	c.lastBitrateChangeAt = now.Add(-3 * time.Second)
	c.mu.Unlock()

	c.tick(now)

	if got := c.Stats().CurrentBitrateBPS; got != bitrateFloorBPS {
		t.Fatalf("bitrate = %d, want floor %d", got, bitrateFloorBPS)
	}
}

func TestFPSGovernorDowngradesOnThermalSevere(t *testing.T) {
	c, _ := newTestController(t)
	c.ReportThermal(ThermalSevere)

	now := time.Now()
	c.mu.Lock()
	c.graceUntil = now.Add(-time.Second)
	c.lastFPSChangeAt = now.Add(-time.Minute)
	c.lastBitrateChangeAt = now.Add(-time.Minute)
	c.mu.Unlock()

	c.tick(now)

	if got := c.Stats().FPS; got != 24 {
		t.Fatalf("fps = %d, want 24 after one downgrade", got)
	}
}

func TestFPSGovernorRespectsCooldown(t *testing.T) {
	c, _ := newTestController(t)
	c.ReportThermal(ThermalCritical)

	now := time.Now()
	c.mu.Lock()
	c.graceUntil = now.Add(-time.Second)
	c.lastFPSChangeAt = now.Add(-5 * time.Second) // inside the 30s cooldown
	c.lastBitrateChangeAt = now.Add(-time.Minute)
	c.mu.Unlock()

	c.tick(now)

	if got := c.Stats().FPS; got != 30 {
		t.Fatalf("fps = %d, want unchanged at 30 during cooldown", got)
	}
}

func TestFPSGovernorNeverAutoIncreases(t *testing.T) {
	c, _ := newTestController(t)
	c.SetActiveConfig(Config{Width: 1280, Height: 720, BitrateBPS: 2_000_000, FPS: 15})

	now := time.Now()
	c.mu.Lock()
	c.graceUntil = now.Add(-time.Second)
	c.lastFPSChangeAt = now.Add(-time.Minute)
	c.lastBitrateChangeAt = now.Add(-time.Minute)
	c.mu.Unlock()

	c.tick(now)

	if got := c.Stats().FPS; got != 15 {
		t.Fatalf("fps = %d, want unchanged at floor rung 15", got)
	}
}

func TestLowPowerIdleSnapshotsAndRestores(t *testing.T) {
	c, _ := newTestController(t)
	var applied []Config
	c.reconfigure = func(cfg Config) { applied = append(applied, cfg) }

	c.SetSessionCount(0)
	c.SetUIVisible(false)
	c.SetRecordingActive(false)

	now := time.Now()
	c.tick(now)

	stats := c.Stats()
	if !stats.LowPowerIdle {
		t.Fatalf("expected low-power idle to be entered")
	}
	if stats.FPS != idleFPSCap {
		t.Fatalf("fps = %d, want idle cap %d", stats.FPS, idleFPSCap)
	}
	if len(applied) != 1 || applied[0].Width != idleWidth || applied[0].Height != idleHeight {
		t.Fatalf("expected one idle reconfigure, got %+v", applied)
	}

	c.SetSessionCount(1)
	c.tick(now.Add(time.Millisecond))

	stats = c.Stats()
	if stats.LowPowerIdle {
		t.Fatalf("expected low-power idle to be exited")
	}
	if stats.CurrentBitrateBPS != 2_000_000 || stats.FPS != 30 {
		t.Fatalf("expected restore to original config, got %+v", stats)
	}
	if len(applied) != 2 {
		t.Fatalf("expected a second reconfigure on exit, got %d", len(applied))
	}
}
