package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"flowboard/internal/collab"
	"flowboard/internal/config"
)

// A terminal client for watching a collaboration session: joins a run,
// prints every event as it arrives and reports connection health once a
// minute. Useful for exercising the engine against a running server.
func main() {
	sessionID := flag.String("session", "", "run/session id to join (required)")
	cursor := flag.String("cursor", "", "node id to announce as this user's cursor on join")
	flag.Parse()

	if *sessionID == "" {
		log.Fatal("❌ -session is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "cli-" + uuid.NewString()[:8]
	}

	engine, err := collab.NewEngine(collab.Options{
		BaseURL:          cfg.CollabBaseURL,
		UserID:           userID,
		UserName:         cfg.UserName,
		JournalPath:      cfg.JournalPath,
		RetryCeiling:     cfg.RetryCeiling,
		ReconnectCeiling: cfg.ReconnectCeiling,
		PollInterval:     cfg.PollInterval,
		PingInterval:     cfg.PingInterval,
	})
	if err != nil {
		log.Fatalf("❌ Failed to build engine: %v", err)
	}
	defer engine.Close()

	events, cancel := engine.Subscribe()
	defer cancel()

	engine.Connect(*sessionID)
	if *cursor != "" {
		engine.SendCursorMove(*cursor)
	}

	healthTicker := time.NewTicker(time.Minute)
	defer healthTicker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			seq := "-"
			if ev.Sequenced() {
				seq = strconv.FormatInt(*ev.SequenceNumber, 10)
			}
			log.Printf("[seq %s] %s from %s: %s", seq, ev.EventType, ev.UserID, string(ev.Data))

		case <-healthTicker.C:
			h := engine.Health()
			p := engine.Presence()
			log.Printf("health: score=%.0f status=%s latency=%.0fms reconnects=%d queued=%d fallback=%v users=[%s]",
				h.QualityScore, h.HealthStatus, h.Latency, h.ReconnectionCount,
				engine.QueuedMessageCount(), engine.IsUsingFallback(),
				strings.Join(p.ActiveUsers, ", "))

		case <-quit:
			log.Println("\n🛑 Leaving session...")
			engine.Disconnect()
			return
		}
	}
}
