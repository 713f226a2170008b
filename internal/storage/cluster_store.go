package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/cluster-supervisor/internal/model"
)

// ClusterStore defines the interface for the worker record store
type ClusterStore interface {
	// SaveWorker inserts or updates a worker record
	SaveWorker(ctx context.Context, worker *model.WorkerRecord) error

	// GetWorker retrieves a worker record by ID, nil if not found
	GetWorker(ctx context.Context, workerID string) (*model.WorkerRecord, error)

	// ListWorkers retrieves worker records, optionally filtered by status
	ListWorkers(ctx context.Context, status model.WorkerStatus, limit int) ([]*model.WorkerRecord, error)

	// LogRequest persists one worker request record
	LogRequest(ctx context.Context, req *model.RequestLog) error

	// RecordEvent persists one cluster event
	RecordEvent(ctx context.Context, event *model.ClusterEvent) error

	// ListEvents retrieves the most recent cluster events
	ListEvents(ctx context.Context, limit int) ([]*model.ClusterEvent, error)

	// DeleteBefore deletes request and event rows older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close closes the store
	Close() error
}

// SQLiteClusterStore implements ClusterStore using SQLite
type SQLiteClusterStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteClusterStore creates a new SQLite-backed cluster store
func NewSQLiteClusterStore(logger *zap.Logger, dbPath string) (*SQLiteClusterStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteClusterStore{
		logger: logger.Named("cluster-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteClusterStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cluster_workers (
			worker_id TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			cpu_usage REAL DEFAULT 0,
			memory_usage REAL DEFAULT 0,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			last_heartbeat DATETIME,
			total_requests INTEGER DEFAULT 0,
			error_count INTEGER DEFAULT 0,
			performance_score REAL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_cluster_workers_status ON cluster_workers(status);

		CREATE TABLE IF NOT EXISTS worker_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			response_time_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			endpoint TEXT,
			http_method TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_worker_requests_worker_id ON worker_requests(worker_id);
		CREATE INDEX IF NOT EXISTS idx_worker_requests_timestamp ON worker_requests(timestamp);

		CREATE TABLE IF NOT EXISTS cluster_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT,
			worker_id TEXT,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_cluster_events_timestamp ON cluster_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_cluster_events_type ON cluster_events(event_type);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// SaveWorker implements ClusterStore.SaveWorker
func (s *SQLiteClusterStore) SaveWorker(ctx context.Context, worker *model.WorkerRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cluster_workers (
			worker_id, pid, cpu_usage, memory_usage, status,
			started_at, last_heartbeat, total_requests, error_count, performance_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			pid = excluded.pid,
			cpu_usage = excluded.cpu_usage,
			memory_usage = excluded.memory_usage,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			total_requests = excluded.total_requests,
			error_count = excluded.error_count,
			performance_score = excluded.performance_score`,
		worker.ID,
		worker.PID,
		worker.CPUUsage,
		worker.MemoryUsage,
		worker.Status,
		worker.StartedAt,
		sql.NullTime{Time: worker.LastHeartbeat, Valid: !worker.LastHeartbeat.IsZero()},
		worker.TotalRequests,
		worker.ErrorCount,
		worker.PerformanceScore,
	)
	if err != nil {
		return fmt.Errorf("failed to save worker record: %w", err)
	}
	return nil
}

// GetWorker implements ClusterStore.GetWorker
func (s *SQLiteClusterStore) GetWorker(ctx context.Context, workerID string) (*model.WorkerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT worker_id, pid, cpu_usage, memory_usage, status,
			started_at, last_heartbeat, total_requests, error_count, performance_score
		FROM cluster_workers
		WHERE worker_id = ?`, workerID)

	worker, err := scanWorker(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan worker record: %w", err)
	}
	return worker, nil
}

// ListWorkers implements ClusterStore.ListWorkers
func (s *SQLiteClusterStore) ListWorkers(ctx context.Context, status model.WorkerStatus, limit int) ([]*model.WorkerRecord, error) {
	query := `
		SELECT worker_id, pid, cpu_usage, memory_usage, status,
			started_at, last_heartbeat, total_requests, error_count, performance_score
		FROM cluster_workers`
	args := make([]interface{}, 0, 2)

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker records: %w", err)
	}
	defer rows.Close()

	var workers []*model.WorkerRecord
	for rows.Next() {
		worker, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker record: %w", err)
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return workers, nil
}

// scanWorker scans one cluster_workers row via the given scan function
func scanWorker(scan func(dest ...interface{}) error) (*model.WorkerRecord, error) {
	var worker model.WorkerRecord
	var lastHeartbeat sql.NullTime

	err := scan(
		&worker.ID,
		&worker.PID,
		&worker.CPUUsage,
		&worker.MemoryUsage,
		&worker.Status,
		&worker.StartedAt,
		&lastHeartbeat,
		&worker.TotalRequests,
		&worker.ErrorCount,
		&worker.PerformanceScore,
	)
	if err != nil {
		return nil, err
	}
	if lastHeartbeat.Valid {
		worker.LastHeartbeat = lastHeartbeat.Time
	}
	return &worker, nil
}

// LogRequest implements ClusterStore.LogRequest
func (s *SQLiteClusterStore) LogRequest(ctx context.Context, req *model.RequestLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_requests (
			worker_id, timestamp, response_time_ms, success, endpoint, http_method
		) VALUES (?, ?, ?, ?, ?, ?)`,
		req.WorkerID,
		req.Timestamp,
		req.ResponseTimeMs,
		req.Success,
		req.Endpoint,
		req.Method,
	)
	if err != nil {
		return fmt.Errorf("failed to log worker request: %w", err)
	}
	return nil
}

// RecordEvent implements ClusterStore.RecordEvent
func (s *SQLiteClusterStore) RecordEvent(ctx context.Context, event *model.ClusterEvent) error {
	var detailsStr string
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		detailsStr = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cluster_events (
			timestamp, event_type, severity, description, worker_id, details
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.Timestamp,
		event.Type,
		event.Severity,
		event.Description,
		sql.NullString{String: event.WorkerID, Valid: event.WorkerID != ""},
		sql.NullString{String: detailsStr, Valid: detailsStr != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to record cluster event: %w", err)
	}
	return nil
}

// ListEvents implements ClusterStore.ListEvents
func (s *SQLiteClusterStore) ListEvents(ctx context.Context, limit int) ([]*model.ClusterEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, event_type, severity, description, worker_id, details
		FROM cluster_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster events: %w", err)
	}
	defer rows.Close()

	var events []*model.ClusterEvent
	for rows.Next() {
		event := &model.ClusterEvent{}
		var workerID, details sql.NullString

		err := rows.Scan(
			&event.Timestamp,
			&event.Type,
			&event.Severity,
			&event.Description,
			&workerID,
			&details,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster event: %w", err)
		}

		if workerID.Valid {
			event.WorkerID = workerID.String
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

// DeleteBefore implements ClusterStore.DeleteBefore
func (s *SQLiteClusterStore) DeleteBefore(ctx context.Context, before time.Time) error {
	reqResult, err := s.db.ExecContext(ctx, "DELETE FROM worker_requests WHERE timestamp < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete worker requests: %w", err)
	}

	evtResult, err := s.db.ExecContext(ctx, "DELETE FROM cluster_events WHERE timestamp < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete cluster events: %w", err)
	}

	reqDeleted, _ := reqResult.RowsAffected()
	evtDeleted, _ := evtResult.RowsAffected()

	s.logger.Info("Deleted old audit records",
		zap.Time("before", before),
		zap.Int64("requests_deleted", reqDeleted),
		zap.Int64("events_deleted", evtDeleted))

	return nil
}

// Close closes the database connection
func (s *SQLiteClusterStore) Close() error {
	return s.db.Close()
}
