// Package store is the SQLite-backed persistence layer for devices,
// parameters, tasks and sessions: a thin *sql.DB wrapper using raw SQL
// and ON CONFLICT upserts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tr069acs/internal/models"
)

// Store wraps the database connection.
type Store struct {
	*sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			oui TEXT NOT NULL,
			product_class TEXT NOT NULL,
			serial_number TEXT NOT NULL,
			manufacturer TEXT,
			software_version TEXT,
			hardware_version TEXT,
			connection_request TEXT,
			ip_address TEXT,
			online BOOLEAN DEFAULT 0,
			first_seen DATETIME,
			last_inform DATETIME,
			tags TEXT DEFAULT '[]',
			metadata TEXT DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS parameters (
			device_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT,
			type TEXT DEFAULT 'string',
			writable BOOLEAN DEFAULT 1,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE,
			UNIQUE(device_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_device_status ON tasks(device_id, status)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			started_at DATETIME,
			ended_at DATETIME,
			event_codes TEXT DEFAULT '[]',
			message_count INTEGER DEFAULT 0,
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range tables {
		if _, err := s.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertDevice inserts a device row on first contact, or updates its
// identity and promoted scalars (manufacturer/versions/connection
// request) on subsequent Informs. FirstSeen and CreatedAt are preserved
// across updates; liveness (online/last_inform/ip_address) is the
// separate concern of TouchLiveness.
func (s *Store) UpsertDevice(d *models.Device) error {
	_, err := s.Exec(`
		INSERT INTO devices (id, oui, product_class, serial_number, manufacturer,
			software_version, hardware_version, connection_request, ip_address,
			online, first_seen, last_inform, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			manufacturer = excluded.manufacturer,
			software_version = excluded.software_version,
			hardware_version = excluded.hardware_version,
			connection_request = excluded.connection_request,
			updated_at = CURRENT_TIMESTAMP
	`, d.ID, d.OUI, d.ProductClass, d.SerialNumber, d.Manufacturer,
		d.SoftwareVersion, d.HardwareVersion, d.ConnectionRequest, d.IPAddress,
		d.LastInform, d.LastInform)
	return err
}

// TouchLiveness records a liveness-bearing contact from a device: sets
// ip_address, bumps last_inform to at, and marks the device online.
func (s *Store) TouchLiveness(deviceID, remoteAddr string, at time.Time) error {
	_, err := s.Exec(`
		UPDATE devices SET online = 1, ip_address = ?, last_inform = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, remoteAddr, at, deviceID)
	return err
}

// UpsertParameter records an observed parameter value, overwriting any
// prior observation for (device_id, name).
func (s *Store) UpsertParameter(deviceID, name, value string) error {
	_, err := s.Exec(`
		INSERT INTO parameters (device_id, name, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(device_id, name) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, deviceID, name, value)
	return err
}

// GetDevice fetches a single device by id.
func (s *Store) GetDevice(id string) (*models.Device, error) {
	row := s.QueryRow(`
		SELECT id, oui, product_class, serial_number, manufacturer, software_version,
			hardware_version, connection_request, ip_address, online, first_seen,
			last_inform, created_at, updated_at
		FROM devices WHERE id = ?
	`, id)
	d, err := scanDeviceRows(row)
	if err == sql.ErrNoRows {
		return nil, err
	}
	return d, err
}

// ListDevices returns every known device ordered by id.
func (s *Store) ListDevices() ([]*models.Device, error) {
	rows, err := s.Query(`
		SELECT id, oui, product_class, serial_number, manufacturer, software_version,
			hardware_version, connection_request, ip_address, online, first_seen,
			last_inform, created_at, updated_at
		FROM devices ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListParameters returns every stored parameter for a device, ordered by
// name.
func (s *Store) ListParameters(deviceID string) ([]*models.Parameter, error) {
	rows, err := s.Query(`
		SELECT device_id, name, value, type, writable, updated_at
		FROM parameters WHERE device_id = ? ORDER BY name
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []*models.Parameter
	for rows.Next() {
		var p models.Parameter
		if err := rows.Scan(&p.DeviceID, &p.Name, &p.Value, &p.Type, &p.Writable, &p.UpdatedAt); err != nil {
			return nil, err
		}
		params = append(params, &p)
	}
	return params, rows.Err()
}

// CreateTask enqueues a new task for a device in the pending state.
func (s *Store) CreateTask(deviceID string, kind models.TaskKind, payload []byte) (*models.Task, error) {
	now := time.Now().UTC()
	res, err := s.Exec(`
		INSERT INTO tasks (device_id, kind, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, deviceID, kind, string(payload), models.TaskPending, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Task{ID: id, DeviceID: deviceID, Kind: kind, Payload: payload, Status: models.TaskPending, CreatedAt: now}, nil
}

// PeekPendingTask returns the oldest pending task for a device, or nil if
// there is none. It does not change the task's status.
func (s *Store) PeekPendingTask(deviceID string) (*models.Task, error) {
	row := s.QueryRow(`
		SELECT id, device_id, kind, payload, status, result, created_at, completed_at
		FROM tasks WHERE device_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC LIMIT 1
	`, deviceID, models.TaskPending)
	task, err := scanTaskRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// MarkSent conditionally transitions a task from pending to sent. The
// affected-row count is the concurrency-safety mechanism: if two
// sessions race to dispatch the same task, only one UPDATE matches.
func (s *Store) MarkSent(taskID int64) (bool, error) {
	if !models.CanTransition(models.TaskPending, models.TaskSent) {
		return false, fmt.Errorf("store: invalid task transition %s -> %s", models.TaskPending, models.TaskSent)
	}
	res, err := s.Exec(`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		models.TaskSent, taskID, models.TaskPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HasSentTask reports whether a device currently has a task in the sent
// state, i.e. one dispatched but not yet resolved by a matching response.
func (s *Store) HasSentTask(deviceID string) (bool, error) {
	var count int
	err := s.QueryRow(`SELECT COUNT(*) FROM tasks WHERE device_id = ? AND status = ?`,
		deviceID, models.TaskSent).Scan(&count)
	return count > 0, err
}

// LatestSentTask returns the most recently sent task for a device still
// awaiting resolution, used to correlate an inbound response.
func (s *Store) LatestSentTask(deviceID string) (*models.Task, error) {
	row := s.QueryRow(`
		SELECT id, device_id, kind, payload, status, result, created_at, completed_at
		FROM tasks WHERE device_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, deviceID, models.TaskSent)
	task, err := scanTaskRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// CompleteTask conditionally transitions a sent task to completed,
// recording its result.
func (s *Store) CompleteTask(taskID int64, result []byte) error {
	if !models.CanTransition(models.TaskSent, models.TaskCompleted) {
		return fmt.Errorf("store: invalid task transition %s -> %s", models.TaskSent, models.TaskCompleted)
	}
	_, err := s.Exec(`
		UPDATE tasks SET status = ?, result = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, models.TaskCompleted, string(result), taskID, models.TaskSent)
	return err
}

// FailTask conditionally transitions a sent task to failed, recording
// the fault as its result.
func (s *Store) FailTask(taskID int64, result []byte) error {
	if !models.CanTransition(models.TaskSent, models.TaskFailed) {
		return fmt.Errorf("store: invalid task transition %s -> %s", models.TaskSent, models.TaskFailed)
	}
	_, err := s.Exec(`
		UPDATE tasks SET status = ?, result = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, models.TaskFailed, string(result), taskID, models.TaskSent)
	return err
}

// ListTasks returns every task queued for a device, most recent first.
func (s *Store) ListTasks(deviceID string) ([]*models.Task, error) {
	rows, err := s.Query(`
		SELECT id, device_id, kind, payload, status, result, created_at, completed_at
		FROM tasks WHERE device_id = ? ORDER BY created_at DESC, id DESC
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateSession opens a Session row for an accepted Inform.
func (s *Store) CreateSession(id, deviceID string, eventCodes []string, startedAt time.Time) error {
	codes, err := json.Marshal(eventCodes)
	if err != nil {
		return err
	}
	_, err = s.Exec(`
		INSERT INTO sessions (id, device_id, started_at, event_codes, message_count)
		VALUES (?, ?, ?, ?, 1)
	`, id, deviceID, startedAt, string(codes))
	return err
}

// CloseLatestSession closes the most recent still-open session for a
// device (ended_at IS NULL), bumping its message count by one for the
// request that closed it. A device with no open session is a no-op.
func (s *Store) CloseLatestSession(deviceID string, endedAt time.Time) error {
	_, err := s.Exec(`
		UPDATE sessions SET ended_at = ?, message_count = message_count + 1
		WHERE id = (
			SELECT id FROM sessions
			WHERE device_id = ? AND ended_at IS NULL
			ORDER BY started_at DESC LIMIT 1
		)
	`, endedAt, deviceID)
	return err
}

// SweepOffline flips online to false for every device whose last_inform
// is older than threshold. It never touches last_inform itself. It
// returns the ids of the devices it flipped, for callers that want to
// announce the transition.
func (s *Store) SweepOffline(threshold time.Time) ([]string, error) {
	rows, err := s.Query(`SELECT id FROM devices WHERE online = 1 AND last_inform < ?`, threshold)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.Exec(`
		UPDATE devices SET online = 0, updated_at = CURRENT_TIMESTAMP
		WHERE online = 1 AND last_inform < ?
	`, threshold)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Stats summarizes the device/task inventory for the management API.
func (s *Store) Stats() (*models.Stats, error) {
	stats := &models.Stats{}
	if err := s.QueryRow(`SELECT COUNT(*) FROM devices`).Scan(&stats.Total); err != nil {
		return nil, err
	}
	if err := s.QueryRow(`SELECT COUNT(*) FROM devices WHERE online = 1`).Scan(&stats.Online); err != nil {
		return nil, err
	}
	stats.Offline = stats.Total - stats.Online
	if err := s.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = ?`, models.TaskPending).Scan(&stats.PendingTasks); err != nil {
		return nil, err
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeviceRows(row rowScanner) (*models.Device, error) {
	var d models.Device
	var firstSeen, lastInform sql.NullTime
	if err := row.Scan(&d.ID, &d.OUI, &d.ProductClass, &d.SerialNumber, &d.Manufacturer,
		&d.SoftwareVersion, &d.HardwareVersion, &d.ConnectionRequest, &d.IPAddress,
		&d.Online, &firstSeen, &lastInform, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if firstSeen.Valid {
		d.FirstSeen = firstSeen.Time
	}
	if lastInform.Valid {
		d.LastInform = lastInform.Time
	}
	return &d, nil
}

func scanTaskRows(row rowScanner) (*models.Task, error) {
	var t models.Task
	var payload, result sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.DeviceID, &t.Kind, &payload, &t.Status, &result, &t.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	if result.Valid {
		t.Result = []byte(result.String)
	}
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
	return &t, nil
}
