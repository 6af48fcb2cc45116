// Package reconciler turns a parsed Inform into store writes: resolving
// the device identity, recording liveness, promoting the handful of
// well-known scalars the management API cares about, and upserting every
// reported parameter. Promotion is limited to the scalars this ACS's data
// model carries; vendor-specific optical/PPPoE/temperature extraction is
// out of scope here.
package reconciler

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"tr069acs/internal/cwmp"
	"tr069acs/internal/models"
	"tr069acs/internal/store"
)

const (
	paramSoftwareVersionIGD = "InternetGatewayDevice.DeviceInfo.SoftwareVersion"
	paramSoftwareVersionDev = "Device.DeviceInfo.SoftwareVersion"
	paramHardwareVersionIGD = "InternetGatewayDevice.DeviceInfo.HardwareVersion"
	paramHardwareVersionDev = "Device.DeviceInfo.HardwareVersion"
	paramConnReqIGD         = "InternetGatewayDevice.ManagementServer.ConnectionRequestURL"
	paramConnReqDev         = "Device.ManagementServer.ConnectionRequestURL"
)

// Reconciler applies Informs to the store.
type Reconciler struct {
	store *store.Store
}

// New builds a Reconciler backed by the given store.
func New(s *store.Store) *Reconciler {
	return &Reconciler{store: s}
}

// Result reports what the reconciler resolved, for the engine to use when
// recording correlation and dispatching tasks.
type Result struct {
	Device *models.Device
	IsNew  bool
}

// Reconcile applies one Inform's contents to the store:
//  1. derive the device id from the DeviceId triple
//  2. upsert the device row (creating it on first contact), promoting
//     SoftwareVersion/HardwareVersion/ConnectionRequestURL when present
//  3. record liveness (last_inform, online=true, ip_address)
//  4. upsert every reported parameter
//  5. open a session row with the Inform's event codes
//
// Re-applying the same Inform produces the same device and parameter
// state; each application opens a new session row.
func (r *Reconciler) Reconcile(inform *cwmp.Inform, remoteAddr string, now time.Time) (*Result, error) {
	id, err := models.DeviceID(inform.DeviceID.OUI, inform.DeviceID.ProductClass, inform.DeviceID.SerialNumber)
	if err != nil {
		return nil, err
	}

	existing, err := r.store.GetDevice(id)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	isNew := existing == nil

	device := &models.Device{
		ID:           id,
		OUI:          inform.DeviceID.OUI,
		ProductClass: inform.DeviceID.ProductClass,
		SerialNumber: inform.DeviceID.SerialNumber,
		Manufacturer: inform.DeviceID.Manufacturer,
		IPAddress:    remoteAddr,
		LastInform:   now,
	}
	if existing != nil {
		device.SoftwareVersion = existing.SoftwareVersion
		device.HardwareVersion = existing.HardwareVersion
		device.ConnectionRequest = existing.ConnectionRequest
	}

	for _, p := range inform.Parameters {
		switch p.Name {
		case paramSoftwareVersionIGD, paramSoftwareVersionDev:
			device.SoftwareVersion = p.Value
		case paramHardwareVersionIGD, paramHardwareVersionDev:
			device.HardwareVersion = p.Value
		case paramConnReqIGD, paramConnReqDev:
			device.ConnectionRequest = p.Value
		}
	}

	if err := r.store.UpsertDevice(device); err != nil {
		return nil, err
	}
	if err := r.store.TouchLiveness(id, remoteAddr, now); err != nil {
		return nil, err
	}

	for _, p := range inform.Parameters {
		if err := r.store.UpsertParameter(id, p.Name, p.Value); err != nil {
			return nil, err
		}
	}

	if err := r.store.CreateSession(uuid.NewString(), id, inform.EventCodes, now); err != nil {
		return nil, err
	}

	resolved, err := r.store.GetDevice(id)
	if err != nil {
		return nil, err
	}
	return &Result{Device: resolved, IsNew: isNew}, nil
}
