// Package engine is the per-HTTP-request CWMP session state machine: it
// glues the SOAP codec, the Inform reconciler, and the task queue
// together and decides the outbound message for every inbound POST. It
// is stateless between requests in the sense that matters: all durable
// state (devices, parameters, tasks) is recovered from the store on each
// call. The one piece of in-process memory it keeps, a remote-address to
// device-id map, keyed by client IP the way a session sync.Map would be,
// exists only to correlate a response from a client address back to the
// device that last Informed from it.
package engine

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"tr069acs/internal/cwmp"
	"tr069acs/internal/models"
	"tr069acs/internal/reconciler"
	"tr069acs/internal/store"
	"tr069acs/internal/ws"
)

// Disposition carries the HTTP status and body the caller (the CWMP HTTP
// handler) should write.
type Disposition struct {
	Status int
	Body   []byte
}

// Engine drives the S0-S6 state machine described by the session engine
// component.
type Engine struct {
	store      *store.Store
	reconciler *reconciler.Reconciler
	hub        *ws.Hub
	sessions   sync.Map // remoteAddr (string) -> deviceID (string)
}

// New builds an Engine over the given store. hub may be nil, in which
// case dashboard events are simply not broadcast.
func New(s *store.Store, hub *ws.Hub) *Engine {
	return &Engine{store: s, reconciler: reconciler.New(s), hub: hub}
}

func (e *Engine) notify(msg ws.Message) {
	if e.hub != nil {
		e.hub.Broadcast(msg)
	}
}

// Handle runs one HTTP request through S0 Receive .. S6 Emit and returns
// the disposition the HTTP handler should write. remoteAddr is the
// client IP (without port); it both feeds Inform reconciliation and
// correlates later responses from the same address to a device.
func (e *Engine) Handle(body []byte, remoteAddr string) *Disposition {
	now := time.Now().UTC()

	// S0 Receive
	env, err := cwmp.Decode(body)
	if err != nil {
		log.Printf("cwmp: malformed request from %s: %v", remoteAddr, err)
		empty, _ := cwmp.EncodeEmpty()
		return &Disposition{Status: 400, Body: empty}
	}

	// S1 Classify
	switch env.Method {
	case "Inform":
		return e.handleInform(env, remoteAddr, now)
	case "GetParameterValuesResponse":
		return e.handleGetParameterValuesResponse(env, remoteAddr)
	case "SetParameterValuesResponse":
		return e.handleSetParameterValuesResponse(env, remoteAddr)
	case "TransferCompleteResponse":
		return e.handleTransferCompleteResponse()
	case "Fault":
		return e.handleFault(env, remoteAddr)
	default:
		// UnknownMethod: empty body, HTTP 200, logged at INFO.
		log.Printf("cwmp: unhandled method %q from %s", env.Method, remoteAddr)
		empty, _ := cwmp.EncodeEmpty()
		return &Disposition{Status: 200, Body: empty}
	}
}

// S2 HandleInform + S3 Dispatch + S4 Idle / S6 Emit
func (e *Engine) handleInform(env *cwmp.Envelope, remoteAddr string, now time.Time) *Disposition {
	inform, err := cwmp.ParseInform(env.InnerXML)
	if err != nil {
		log.Printf("cwmp: malformed Inform from %s: %v", remoteAddr, err)
		empty, _ := cwmp.EncodeEmpty()
		return &Disposition{Status: 400, Body: empty}
	}

	result, err := e.reconciler.Reconcile(inform, remoteAddr, now)
	if err != nil {
		log.Printf("reconciler: %v", err)
		empty, _ := cwmp.EncodeEmpty()
		return &Disposition{Status: 503, Body: empty}
	}
	e.sessions.Store(remoteAddr, result.Device.ID)
	e.notify(ws.Message{Type: ws.EventDeviceOnline, DeviceID: result.Device.ID})

	body, err := e.dispatch(result.Device.ID, now)
	if err != nil {
		log.Printf("engine: dispatch for %s: %v", result.Device.ID, err)
		body, _ = cwmp.EncodeInformResponse()
	}
	return &Disposition{Status: 200, Body: body}
}

// dispatch implements S3 Dispatch with a single re-peek on conditional-
// update failure, falling back to S4 Idle (InformResponse). A device
// already holding a sent task never gets a second one dispatched on top
// of it; the CPE must resolve (or fault) the outstanding task first.
func (e *Engine) dispatch(deviceID string, now time.Time) ([]byte, error) {
	if sent, err := e.store.HasSentTask(deviceID); err != nil {
		return nil, err
	} else if sent {
		return cwmp.EncodeInformResponse()
	}

	for attempt := 0; attempt < 2; attempt++ {
		task, err := e.store.PeekPendingTask(deviceID)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return cwmp.EncodeInformResponse()
		}

		sent, err := e.store.MarkSent(task.ID)
		if err != nil {
			return nil, err
		}
		if !sent {
			continue // conditional update lost the race; re-peek once
		}
		e.notify(ws.Message{Type: ws.EventTaskDispatched, DeviceID: deviceID, Data: task.Kind})
		return e.encodeTaskRequest(task, now)
	}
	return cwmp.EncodeInformResponse()
}

func (e *Engine) encodeTaskRequest(task *models.Task, now time.Time) ([]byte, error) {
	switch task.Kind {
	case models.TaskGetParams:
		payload, err := task.DecodeGetParams()
		if err != nil {
			return nil, err
		}
		return cwmp.EncodeGetParameterValues(payload.Names)
	case models.TaskSetParams:
		payload, err := task.DecodeSetParams()
		if err != nil {
			return nil, err
		}
		return cwmp.EncodeSetParameterValues(payload.Values)
	case models.TaskReboot:
		return cwmp.EncodeReboot(now)
	case models.TaskFactoryReset:
		return cwmp.EncodeFactoryReset()
	default:
		return nil, errors.New("engine: unknown task kind " + string(task.Kind))
	}
}

// S5 HandleResponse for GetParameterValuesResponse: parses and merges the
// returned parameters into the store before completing the task.
func (e *Engine) handleGetParameterValuesResponse(env *cwmp.Envelope, remoteAddr string) *Disposition {
	empty, _ := cwmp.EncodeEmpty()

	values, err := cwmp.ParseGetParameterValuesResponse(env.InnerXML)
	if err != nil {
		log.Printf("cwmp: malformed GetParameterValuesResponse: %v", err)
		return &Disposition{Status: 200, Body: empty}
	}

	task := e.findSentTaskByKind(remoteAddr, models.TaskGetParams)
	if task != nil {
		for _, v := range values {
			if err := e.store.UpsertParameter(task.DeviceID, v.Name, v.Value); err != nil {
				log.Printf("engine: upsert parameter %s: %v", v.Name, err)
			}
		}
		result, _ := json.Marshal(values)
		if err := e.store.CompleteTask(task.ID, result); err != nil {
			log.Printf("engine: complete task %d: %v", task.ID, err)
		}
		e.notify(ws.Message{Type: ws.EventTaskCompleted, DeviceID: task.DeviceID, Data: task.Kind})
		e.closeSession(task.DeviceID)
	}
	return &Disposition{Status: 200, Body: empty}
}

func (e *Engine) handleSetParameterValuesResponse(env *cwmp.Envelope, remoteAddr string) *Disposition {
	empty, _ := cwmp.EncodeEmpty()

	status, err := cwmp.ParseSetParameterValuesResponse(env.InnerXML)
	if err != nil {
		log.Printf("cwmp: malformed SetParameterValuesResponse: %v", err)
		return &Disposition{Status: 200, Body: empty}
	}

	task := e.findSentTaskByKind(remoteAddr, models.TaskSetParams)
	if task != nil {
		result, _ := json.Marshal(struct {
			Status int `json:"status"`
		}{status})
		if err := e.store.CompleteTask(task.ID, result); err != nil {
			log.Printf("engine: complete task %d: %v", task.ID, err)
		}
		e.notify(ws.Message{Type: ws.EventTaskCompleted, DeviceID: task.DeviceID, Data: task.Kind})
		e.closeSession(task.DeviceID)
	}
	return &Disposition{Status: 200, Body: empty}
}

func (e *Engine) handleTransferCompleteResponse() *Disposition {
	body, _ := cwmp.EncodeTransferCompleteResponse()
	return &Disposition{Status: 200, Body: body}
}

func (e *Engine) handleFault(env *cwmp.Envelope, remoteAddr string) *Disposition {
	empty, _ := cwmp.EncodeEmpty()

	fault, err := cwmp.ParseFault(env.InnerXML)
	if err != nil {
		log.Printf("cwmp: malformed Fault: %v", err)
		return &Disposition{Status: 200, Body: empty}
	}

	if deviceID, ok := e.sessions.Load(remoteAddr); ok {
		id := deviceID.(string)
		task, err := e.store.LatestSentTask(id)
		if err == nil && task != nil {
			result, _ := json.Marshal(fault)
			if err := e.store.FailTask(task.ID, result); err != nil {
				log.Printf("engine: fail task %d: %v", task.ID, err)
			}
		}
		e.closeSession(id)
	}
	return &Disposition{Status: 200, Body: empty}
}

// closeSession closes the device's still-open session, since an empty-
// body response ends the CPE-ACS transactional burst the Inform opened.
func (e *Engine) closeSession(deviceID string) {
	if err := e.store.CloseLatestSession(deviceID, time.Now().UTC()); err != nil {
		log.Printf("engine: close session for %s: %v", deviceID, err)
	}
}

// findSentTaskByKind correlates a response to the most recently sent
// task of the given kind for the device that last Informed on this
// remote address. Correlation is by device id and recency only, not by
// matching the CWMP header ID issued at dispatch.
func (e *Engine) findSentTaskByKind(remoteAddr string, kind models.TaskKind) *models.Task {
	deviceID, ok := e.sessions.Load(remoteAddr)
	if !ok {
		return nil
	}
	task, err := e.store.LatestSentTask(deviceID.(string))
	if err != nil || task == nil || task.Kind != kind {
		return nil
	}
	return task
}
