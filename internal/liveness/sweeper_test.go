package liveness

import (
	"path/filepath"
	"testing"
	"time"

	"tr069acs/internal/models"
	"tr069acs/internal/store"
)

func TestSweepOnceMarksStaleDevicesOffline(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	old := time.Now().UTC().Add(-2 * time.Hour)
	device := &models.Device{ID: "A-B-C", OUI: "A", ProductClass: "B", SerialNumber: "C", LastInform: old}
	if err := s.UpsertDevice(device); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if err := s.TouchLiveness(device.ID, "192.0.2.1", old); err != nil {
		t.Fatalf("TouchLiveness: %v", err)
	}

	sw := New(s, nil, time.Minute, time.Hour)
	sw.sweepOnce()

	got, err := s.GetDevice("A-B-C")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.Online {
		t.Fatal("expected device offline after sweep")
	}
	if !got.LastInform.Equal(old) {
		t.Fatalf("sweep must not touch last_inform: got %v, want %v", got.LastInform, old)
	}
}

func TestSweepOnceLeavesFreshDevicesOnline(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	now := time.Now().UTC()
	device := &models.Device{ID: "A-B-C", OUI: "A", ProductClass: "B", SerialNumber: "C", LastInform: now}
	if err := s.UpsertDevice(device); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if err := s.TouchLiveness(device.ID, "192.0.2.1", now); err != nil {
		t.Fatalf("TouchLiveness: %v", err)
	}

	sw := New(s, nil, time.Minute, time.Hour)
	sw.sweepOnce()

	got, err := s.GetDevice("A-B-C")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if !got.Online {
		t.Fatal("expected fresh device to remain online")
	}
}
