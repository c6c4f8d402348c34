package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Memory retention constants
const (
	// DefaultMaxAuditEntries is the maximum number of audit entries the
	// in-memory store retains before dropping the oldest.
	DefaultMaxAuditEntries = 5000
)

// AuditEntry records one prediction or masking request. Raw clinical text
// is never stored, only shape and timing.
type AuditEntry struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id"`
	Endpoint    string    `json:"endpoint"`
	Subject     string    `json:"subject"`
	LabelCount  int       `json:"label_count"`
	EntityCount int       `json:"entity_count"`
	MaskedCount int       `json:"masked_count"`
	DurationMS  float64   `json:"duration_ms"`
	CreatedAt   time.Time `json:"timestamp"`
}

// AuditStore defines the interface for audit logging
type AuditStore interface {
	// Insert stores an audit entry
	Insert(ctx context.Context, entry AuditEntry) error

	// Recent retrieves the most recent entries, newest first
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)

	// Count returns the total number of entries
	Count(ctx context.Context) (int, error)

	// Close closes the underlying storage
	Close() error
}

// PostgresAuditStore implements AuditStore for PostgreSQL
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates a new PostgreSQL audit store
func NewPostgresAuditStore(config DatabaseConfig) (*PostgresAuditStore, error) {
	db, err := openPostgres(config)
	if err != nil {
		return nil, err
	}

	if err := createAuditTableIfNotExists(db); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	return &PostgresAuditStore{db: db}, nil
}

func createAuditTableIfNotExists(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS prediction_audit (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			label_count INTEGER NOT NULL DEFAULT 0,
			entity_count INTEGER NOT NULL DEFAULT 0,
			masked_count INTEGER NOT NULL DEFAULT 0,
			duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prediction_audit_created_at ON prediction_audit(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_prediction_audit_endpoint ON prediction_audit(endpoint)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", query, err)
		}
	}

	return nil
}

// Insert stores an audit entry
func (p *PostgresAuditStore) Insert(ctx context.Context, entry AuditEntry) error {
	query := `
	INSERT INTO prediction_audit (request_id, endpoint, subject, label_count, entity_count, masked_count, duration_ms, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err := p.db.ExecContext(ctx, query,
		entry.RequestID, entry.Endpoint, entry.Subject,
		entry.LabelCount, entry.EntityCount, entry.MaskedCount, entry.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Recent retrieves the most recent entries, newest first
func (p *PostgresAuditStore) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	query := `
	SELECT id, request_id, endpoint, subject, label_count, entity_count, masked_count, duration_ms, created_at
	FROM prediction_audit
	ORDER BY created_at DESC
	LIMIT $1
	`

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		if err := rows.Scan(&entry.ID, &entry.RequestID, &entry.Endpoint, &entry.Subject,
			&entry.LabelCount, &entry.EntityCount, &entry.MaskedCount, &entry.DurationMS, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}

	return entries, nil
}

// Count returns the total number of entries
func (p *PostgresAuditStore) Count(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prediction_audit`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get audit count: %w", err)
	}
	return count, nil
}

// Close closes the database connection
func (p *PostgresAuditStore) Close() error {
	return p.db.Close()
}

// InMemoryAuditStore implements AuditStore with a bounded slice.
type InMemoryAuditStore struct {
	mu         sync.RWMutex
	entries    []AuditEntry
	maxEntries int
	nextID     int64
}

func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{
		maxEntries: DefaultMaxAuditEntries,
		nextID:     1,
	}
}

// Insert stores an audit entry, dropping the oldest entry at capacity.
func (i *InMemoryAuditStore) Insert(ctx context.Context, entry AuditEntry) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	entry.ID = i.nextID
	i.nextID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	i.entries = append(i.entries, entry)
	if len(i.entries) > i.maxEntries {
		i.entries = i.entries[len(i.entries)-i.maxEntries:]
	}
	return nil
}

// Recent retrieves the most recent entries, newest first
func (i *InMemoryAuditStore) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if limit <= 0 || limit > len(i.entries) {
		limit = len(i.entries)
	}

	entries := make([]AuditEntry, 0, limit)
	for j := len(i.entries) - 1; j >= len(i.entries)-limit; j-- {
		entries = append(entries, i.entries[j])
	}
	return entries, nil
}

// Count returns the total number of entries
func (i *InMemoryAuditStore) Count(ctx context.Context) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries), nil
}

// Close implements the AuditStore interface
func (i *InMemoryAuditStore) Close() error {
	return nil
}
