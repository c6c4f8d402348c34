// Package store provides user and audit persistence backed by PostgreSQL,
// with in-memory fallbacks for running without a database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrUserExists is returned when registering a username that is taken.
var ErrUserExists = errors.New("user already registered")

// User represents a registered user
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// UserStore defines the interface for user persistence
type UserStore interface {
	// CreateUser stores a new user; returns ErrUserExists on duplicates
	CreateUser(ctx context.Context, username, passwordHash string) (User, error)

	// GetUserByUsername retrieves a user by username
	GetUserByUsername(ctx context.Context, username string) (User, bool, error)

	// Close closes the underlying storage
	Close() error
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// PostgresUserStore implements UserStore for PostgreSQL
type PostgresUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore creates a new PostgreSQL user store
func NewPostgresUserStore(config DatabaseConfig) (*PostgresUserStore, error) {
	db, err := openPostgres(config)
	if err != nil {
		return nil, err
	}

	if err := createUserTableIfNotExists(db); err != nil {
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}

	return &PostgresUserStore{db: db}, nil
}

// openPostgres opens a pooled connection shared by the Postgres stores.
func openPostgres(config DatabaseConfig) (*sql.DB, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func createUserTableIfNotExists(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := db.Exec(query); err != nil {
		return err
	}

	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)`)
	return err
}

// CreateUser stores a new user; returns ErrUserExists on duplicates
func (p *PostgresUserStore) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	user := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	query := `INSERT INTO users (id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)`
	_, err := p.db.ExecContext(ctx, query, user.ID, user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("failed to insert user: %w", err)
	}

	return user, nil
}

// GetUserByUsername retrieves a user by username
func (p *PostgresUserStore) GetUserByUsername(ctx context.Context, username string) (User, bool, error) {
	query := `SELECT id, username, password_hash, created_at FROM users WHERE username = $1`

	var user User
	err := p.db.QueryRowContext(ctx, query, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return User{}, false, nil
		}
		return User{}, false, fmt.Errorf("failed to query user: %w", err)
	}

	return user, true, nil
}

// Close closes the database connection
func (p *PostgresUserStore) Close() error {
	return p.db.Close()
}

// InMemoryUserStore implements UserStore with a map, for running without
// a database.
type InMemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{
		users: make(map[string]User),
	}
}

// CreateUser stores a new user; returns ErrUserExists on duplicates
func (i *InMemoryUserStore) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, exists := i.users[username]; exists {
		return User{}, ErrUserExists
	}

	user := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	i.users[username] = user
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (i *InMemoryUserStore) GetUserByUsername(ctx context.Context, username string) (User, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	user, exists := i.users[username]
	return user, exists, nil
}

// Close implements the UserStore interface
func (i *InMemoryUserStore) Close() error {
	return nil
}
