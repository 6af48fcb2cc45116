// Package models holds the domain types shared by the store, the
// reconciler, the session engine, and the management API.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Device identity is the (OUI, ProductClass, SerialNumber) triple joined
// by "-"; a Device row exists iff at least one Inform from that identity
// has been reconciled.
type Device struct {
	ID                string            `json:"id"`
	OUI               string            `json:"oui"`
	ProductClass      string            `json:"product_class"`
	SerialNumber      string            `json:"serial_number"`
	Manufacturer      string            `json:"manufacturer"`
	SoftwareVersion   string            `json:"software_version"`
	HardwareVersion   string            `json:"hardware_version"`
	ConnectionRequest string            `json:"connection_request_url"`
	IPAddress         string            `json:"ip_address"`
	Online            bool              `json:"online"`
	FirstSeen         time.Time         `json:"first_seen"`
	LastInform        time.Time         `json:"last_inform"`
	Tags              []string          `json:"tags"`
	Metadata          map[string]string `json:"metadata"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// DeviceID derives the store's primary key from an Inform's identity
// triple. All three components must be non-empty.
func DeviceID(oui, productClass, serial string) (string, error) {
	if oui == "" || productClass == "" || serial == "" {
		return "", fmt.Errorf("incomplete device identity: oui=%q productClass=%q serial=%q", oui, productClass, serial)
	}
	return oui + "-" + productClass + "-" + serial, nil
}

// Parameter is an observed value for a fully-qualified TR-069 data model
// name on a specific device. (device_id, name) is unique; repeated
// observations overwrite Value and bump UpdatedAt.
type Parameter struct {
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Type      string    `json:"type"`
	Writable  bool      `json:"writable"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskKind is the discriminator for Task's tagged-variant payload.
type TaskKind string

const (
	TaskGetParams    TaskKind = "get_params"
	TaskSetParams    TaskKind = "set_params"
	TaskReboot       TaskKind = "reboot"
	TaskFactoryReset TaskKind = "factory_reset"
)

// TaskStatus tracks a Task through its lifecycle. Transitions form a DAG:
// pending -> sent -> {completed, failed}. No back-edges are permitted.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSent      TaskStatus = "sent"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ParamKV preserves declaration order for SetParameterValues, which a Go
// map cannot.
type ParamKV struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// GetParamsPayload is the kind-specific payload for a get_params task.
type GetParamsPayload struct {
	Names []string `json:"names"`
}

// SetParamsPayload is the kind-specific payload for a set_params task.
type SetParamsPayload struct {
	Values []ParamKV `json:"values"`
}

// Task is one operator-issued unit of management work targeting a Device.
type Task struct {
	ID          int64           `json:"id"`
	DeviceID    string          `json:"device_id"`
	Kind        TaskKind        `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      TaskStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// DecodeGetParams unmarshals Payload as a GetParamsPayload.
func (t *Task) DecodeGetParams() (GetParamsPayload, error) {
	var p GetParamsPayload
	if len(t.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(t.Payload, &p)
	return p, err
}

// DecodeSetParams unmarshals Payload as a SetParamsPayload.
func (t *Task) DecodeSetParams() (SetParamsPayload, error) {
	var p SetParamsPayload
	if len(t.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(t.Payload, &p)
	return p, err
}

// CanTransition reports whether the DAG pending -> sent -> {completed,
// failed} permits moving from `from` to `to`.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskSent
	case TaskSent:
		return to == TaskCompleted || to == TaskFailed
	default:
		return false
	}
}

// Session is a single CPE-ACS transactional burst opened by an Inform.
type Session struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"device_id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EventCodes   []string   `json:"event_codes"`
	MessageCount int        `json:"message_count"`
}

// Stats summarizes the device/task inventory for the management API.
type Stats struct {
	Total        int64 `json:"total"`
	Online       int64 `json:"online"`
	Offline      int64 `json:"offline"`
	PendingTasks int64 `json:"pending_tasks"`
}
