// Package api is the operator-facing REST management API: list/inspect
// devices and their parameters, enqueue tasks, and read aggregate stats.
// Authentication and the HTML dashboard are out of scope here; they are
// external collaborators that sit in front of this router.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"tr069acs/internal/models"
	"tr069acs/internal/store"
)

var errInvalidTaskPayload = errors.New("invalid task payload")

// API wires the management endpoints over a store.
type API struct {
	store *store.Store
}

// New builds an API handler set.
func New(s *store.Store) *API {
	return &API{store: s}
}

// Router builds the mux.Router for the management API, wrapped in a
// permissive CORS handler since authentication is an external concern
// for this ACS.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	sub := r.PathPrefix("/api").Subrouter()

	sub.HandleFunc("/devices", a.listDevices).Methods("GET")
	sub.HandleFunc("/devices/{id}", a.getDevice).Methods("GET")
	sub.HandleFunc("/devices/{id}/parameters", a.getParameters).Methods("GET")
	sub.HandleFunc("/devices/{id}/tasks", a.createTask).Methods("POST")
	sub.HandleFunc("/devices/{id}/tasks", a.listTasks).Methods("GET")
	sub.HandleFunc("/devices/{id}/reboot", a.reboot).Methods("POST")
	sub.HandleFunc("/devices/{id}/factory-reset", a.factoryReset).Methods("POST")
	sub.HandleFunc("/stats", a.stats).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.store.ListDevices()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	device, err := a.store.GetDevice(id)
	switch {
	case err == sql.ErrNoRows:
		respondError(w, http.StatusNotFound, "device not found")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to fetch device")
		return
	}
	respondJSON(w, http.StatusOK, device)
}

func (a *API) getParameters(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !a.deviceExists(w, id) {
		return
	}
	params, err := a.store.ListParameters(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list parameters")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"parameters": params})
}

type createTaskRequest struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !a.deviceExists(w, id) {
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind := models.TaskKind(req.Type)
	if err := validateTaskPayload(kind, req.Parameters); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := a.store.CreateTask(id, kind, req.Parameters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func validateTaskPayload(kind models.TaskKind, payload json.RawMessage) error {
	switch kind {
	case models.TaskGetParams:
		var p models.GetParamsPayload
		if err := json.Unmarshal(payload, &p); err != nil || len(p.Names) == 0 {
			return errInvalidTaskPayload
		}
	case models.TaskSetParams:
		var p models.SetParamsPayload
		if err := json.Unmarshal(payload, &p); err != nil || len(p.Values) == 0 {
			return errInvalidTaskPayload
		}
	case models.TaskReboot, models.TaskFactoryReset:
		// no payload required
	default:
		return errInvalidTaskPayload
	}
	return nil
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !a.deviceExists(w, id) {
		return
	}
	tasks, err := a.store.ListTasks(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (a *API) reboot(w http.ResponseWriter, r *http.Request) {
	a.convenienceTask(w, r, models.TaskReboot)
}

func (a *API) factoryReset(w http.ResponseWriter, r *http.Request) {
	a.convenienceTask(w, r, models.TaskFactoryReset)
}

func (a *API) convenienceTask(w http.ResponseWriter, r *http.Request, kind models.TaskKind) {
	id := mux.Vars(r)["id"]
	if !a.deviceExists(w, id) {
		return
	}
	task, err := a.store.CreateTask(id, kind, nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (a *API) deviceExists(w http.ResponseWriter, id string) bool {
	_, err := a.store.GetDevice(id)
	switch {
	case err == sql.ErrNoRows:
		respondError(w, http.StatusNotFound, "device not found")
		return false
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to fetch device")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
