package reconciler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tr069acs/internal/cwmp"
	"tr069acs/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close(); os.RemoveAll(dir) })
	return s
}

func sampleInform() *cwmp.Inform {
	return &cwmp.Inform{
		DeviceID: cwmp.DeviceIdentity{
			Manufacturer: "Acme",
			OUI:          "001122",
			ProductClass: "Gateway",
			SerialNumber: "SN001",
		},
		EventCodes: []string{"0 BOOTSTRAP"},
		Parameters: []cwmp.ParamValue{
			{Name: "Device.DeviceInfo.SoftwareVersion", Value: "1.0.0"},
			{Name: "Device.DeviceInfo.HardwareVersion", Value: "rev-a"},
		},
	}
}

func TestReconcileCreatesNewDevice(t *testing.T) {
	s := newTestStore(t)
	r := New(s)

	res, err := r.Reconcile(sampleInform(), "10.0.0.5", time.Now())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.IsNew {
		t.Fatal("expected IsNew = true on first contact")
	}
	if res.Device.ID != "001122-Gateway-SN001" {
		t.Fatalf("Device.ID = %q", res.Device.ID)
	}
	if res.Device.SoftwareVersion != "1.0.0" || res.Device.HardwareVersion != "rev-a" {
		t.Fatalf("unexpected device: %+v", res.Device)
	}
	if !res.Device.Online {
		t.Fatal("expected device online after Inform")
	}

	params, err := s.ListParameters(res.Device.ID)
	if err != nil {
		t.Fatalf("ListParameters: %v", err)
	}
	if len(params) != 2 {
		t.Fatalf("len(params) = %d, want 2", len(params))
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	inform := sampleInform()
	now := time.Now()

	if _, err := r.Reconcile(inform, "10.0.0.5", now); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	res, err := r.Reconcile(inform, "10.0.0.5", now)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if res.IsNew {
		t.Fatal("expected IsNew = false on re-application")
	}

	params, err := s.ListParameters(res.Device.ID)
	if err != nil {
		t.Fatalf("ListParameters: %v", err)
	}
	if len(params) != 2 {
		t.Fatalf("re-applying the same Inform duplicated parameters: %d", len(params))
	}
}

func TestReconcilePreservesFieldsNotInLatestInform(t *testing.T) {
	s := newTestStore(t)
	r := New(s)

	if _, err := r.Reconcile(sampleInform(), "10.0.0.5", time.Now()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	followUp := &cwmp.Inform{
		DeviceID: cwmp.DeviceIdentity{OUI: "001122", ProductClass: "Gateway", SerialNumber: "SN001"},
		Parameters: []cwmp.ParamValue{
			{Name: "Device.DeviceInfo.UpTime", Value: "1234"},
		},
	}
	res, err := r.Reconcile(followUp, "10.0.0.6", time.Now())
	if err != nil {
		t.Fatalf("Reconcile follow-up: %v", err)
	}
	if res.Device.SoftwareVersion != "1.0.0" {
		t.Fatalf("SoftwareVersion lost across Informs: %q", res.Device.SoftwareVersion)
	}
	if res.Device.IPAddress != "10.0.0.6" {
		t.Fatalf("IPAddress not updated: %q", res.Device.IPAddress)
	}
}
