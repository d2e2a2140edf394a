package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/fedbroker/fedbroker/pkg/orders"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements OrderStore on a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, must be re-applied after open.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded source.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveOrder upserts the full order record. The caller must hold the order
// lock so the serialized payload is a consistent snapshot.
func (s *SQLiteStore) SaveOrder(ctx context.Context, order *orders.Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to serialize order: %w", err)
	}

	query := `
		INSERT INTO orders (id, type, requester, provider, cloud_name, user_id, user_member_id, state, instance_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			instance_id = excluded.instance_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		order.ID,
		order.Type,
		order.Requester,
		order.Provider,
		order.CloudName,
		order.SystemUser.ID,
		order.SystemUser.MemberID,
		order.State,
		order.InstanceID,
		string(payload),
		order.CreatedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}

	return nil
}

// MarkClosed flags the order inactive. Closed orders stay in the table for
// auditing but are never recovered into the registry.
func (s *SQLiteStore) MarkClosed(ctx context.Context, orderID string) error {
	query := `UPDATE orders SET state = ?, closed_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, orders.StateClosed, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order closed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("order not found: %s", orderID)
	}

	return nil
}

// RecoverActiveOrders loads every order not marked closed, oldest first, so
// the registry can be rebuilt in creation order at startup.
func (s *SQLiteStore) RecoverActiveOrders(ctx context.Context) ([]*orders.Order, error) {
	query := `
		SELECT payload
		FROM orders
		WHERE closed_at IS NULL
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	defer rows.Close()

	recovered := []*orders.Order{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		order := &orders.Order{}
		if err := json.Unmarshal([]byte(payload), order); err != nil {
			return nil, fmt.Errorf("failed to deserialize order: %w", err)
		}
		recovered = append(recovered, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	return recovered, nil
}

// AppendStateChange records one state transition in the audit trail.
func (s *SQLiteStore) AppendStateChange(ctx context.Context, change *StateChange) error {
	query := `
		INSERT INTO state_changes (order_id, from_state, to_state, timestamp)
		VALUES (?, ?, ?, ?)
	`

	ts := change.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query, change.OrderID, change.FromState, change.ToState, ts)
	if err != nil {
		return fmt.Errorf("failed to append state change: %w", err)
	}

	return nil
}

// AppendRequestAudit records one user-initiated connector call.
func (s *SQLiteStore) AppendRequestAudit(ctx context.Context, entry *RequestAudit) error {
	query := `
		INSERT INTO request_audit (operation, order_id, user_id, member_id, cloud_name, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query, entry.Operation, entry.OrderID, entry.UserID, entry.MemberID, entry.CloudName, ts)
	if err != nil {
		return fmt.Errorf("failed to append request audit: %w", err)
	}

	return nil
}

// ListStateChanges returns the audit trail of one order, oldest first.
func (s *SQLiteStore) ListStateChanges(ctx context.Context, orderID string) ([]*StateChange, error) {
	query := `
		SELECT id, order_id, from_state, to_state, timestamp
		FROM state_changes
		WHERE order_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list state changes: %w", err)
	}
	defer rows.Close()

	changes := []*StateChange{}
	for rows.Next() {
		change := &StateChange{}
		err := rows.Scan(
			&change.ID,
			&change.OrderID,
			&change.FromState,
			&change.ToState,
			&change.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state change: %w", err)
		}
		changes = append(changes, change)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state changes: %w", err)
	}

	return changes, nil
}
