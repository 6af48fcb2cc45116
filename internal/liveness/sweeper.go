// Package liveness runs the background offline sweep: a single
// ticker-driven goroutine loop that periodically ages out stale devices.
package liveness

import (
	"context"
	"log"
	"time"

	"tr069acs/internal/store"
	"tr069acs/internal/ws"
)

// Sweeper periodically flips online to false for devices whose
// last_inform has exceeded the offline threshold.
type Sweeper struct {
	store     *store.Store
	hub       *ws.Hub
	interval  time.Duration
	threshold time.Duration
}

// New builds a Sweeper that runs every interval and considers a device
// offline once its last_inform is older than threshold. hub may be nil.
func New(s *store.Store, hub *ws.Hub, interval, threshold time.Duration) *Sweeper {
	return &Sweeper{store: s, hub: hub, interval: interval, threshold: threshold}
}

// Run blocks, sweeping at the configured cadence until ctx is canceled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweepOnce()
		}
	}
}

func (sw *Sweeper) sweepOnce() {
	cutoff := time.Now().UTC().Add(-sw.threshold)
	ids, err := sw.store.SweepOffline(cutoff)
	if err != nil {
		log.Printf("liveness: sweep failed: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	log.Printf("liveness: marked %d device(s) offline", len(ids))
	if sw.hub == nil {
		return
	}
	for _, id := range ids {
		sw.hub.Broadcast(ws.Message{Type: ws.EventDeviceOffline, DeviceID: id})
	}
}
