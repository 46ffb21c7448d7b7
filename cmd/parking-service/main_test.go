package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"parking-service/internal/config"
	"parking-service/internal/storage"
)

func TestRunReleasesResourcesWhenBarrierConnectFails(t *testing.T) {
	imagesDir := t.TempDir()
	cfg := &config.Config{
		HTTP:       config.HTTPConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Database:   config.DatabaseConfig{Driver: "memory"},
		Relay:      config.RelayConfig{StaleAfter: 10 * time.Second, Pace: time.Second / 30},
		Detections: config.DetectionsConfig{Capacity: 10, ImagesDir: imagesDir},
		Barrier: config.BarrierConfig{
			Broker:   "tcp://127.0.0.1:1",
			Topic:    "parking/barrier",
			ClientID: "parking-test",
			Timeout:  time.Second,
		},
	}

	if err := run(cfg, zerolog.Nop()); err == nil {
		t.Fatal("run succeeded against an unreachable broker")
	}

	// Badger locks its directory until Close, so reopening proves the
	// deferred close ran.
	images, err := storage.OpenBadger(imagesDir, false, zerolog.Nop())
	if err != nil {
		t.Fatalf("image store still locked after run returned: %v", err)
	}
	images.Close()
}
