package stores

import (
	"bytes"
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
	"github.com/rs/zerolog/log"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
	"github.com/fall-out-bug/sdp-sub003/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// PollInterval is how often Watch re-reads a checkpoint.
	PollInterval time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database with WAL mode and a busy timeout.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
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

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Load retrieves a feature's checkpoint, or nil when none exists.
func (s *SQLiteStore) Load(ctx context.Context, featureID string) (*engine.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE feature_id = ?`, featureID,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return decodeCheckpoint([]byte(data))
}

// Save replaces a feature's checkpoint in a single immediate transaction.
// Re-saving identical content leaves the row untouched.
func (s *SQLiteStore) Save(ctx context.Context, cp *engine.Checkpoint) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE feature_id = ?`, cp.FeatureID,
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var current []byte
	if existing.Valid {
		current = []byte(existing.String)
	}
	if err := guardTerminal(current, data); err != nil {
		return err
	}
	if bytes.Equal(current, data) {
		return nil
	}

	query := `
		INSERT INTO checkpoints (feature_id, status, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (feature_id) DO UPDATE
		SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query,
		cp.FeatureID,
		string(cp.Status),
		string(data),
		formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Delete removes a feature's checkpoint. Escalations and events are kept.
func (s *SQLiteStore) Delete(ctx context.Context, featureID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE feature_id = ?`, featureID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// ListFeatures returns the IDs of features with a checkpoint.
func (s *SQLiteStore) ListFeatures(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT feature_id FROM checkpoints ORDER BY feature_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	features := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		features = append(features, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return features, nil
}

// AppendEscalation appends an escalation record.
func (s *SQLiteStore) AppendEscalation(ctx context.Context, record *engine.EscalationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode escalation: %w", err)
	}

	query := `
		INSERT INTO escalations (id, feature_id, workstream_id, tier, attempt_count, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.FeatureID,
		record.WorkstreamID,
		record.Tier,
		record.AttemptCount,
		string(data),
		formatTime(record.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append escalation: %w", err)
	}
	return nil
}

// ListEscalations returns a feature's escalations in append order. An empty
// featureID lists every feature.
func (s *SQLiteStore) ListEscalations(ctx context.Context, featureID string) ([]*engine.EscalationRecord, error) {
	query := `
		SELECT data FROM escalations
		WHERE (? = '' OR feature_id = ?)
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, featureID, featureID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	records := []*engine.EscalationRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		record := &engine.EscalationRecord{}
		if err := json.Unmarshal([]byte(data), record); err != nil {
			return nil, fmt.Errorf("failed to decode escalation: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}
	return records, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	var data *string
	if len(event.Data) > 0 {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		str := string(encoded)
		data = &str
	}

	query := `
		INSERT INTO events (id, feature_id, workstream_id, type, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		event.ID,
		nullable(event.FeatureID),
		nullable(event.WorkstreamID),
		event.Type,
		event.Level,
		event.Message,
		data,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated sequence number
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.Seq = seq
	return nil
}

// ListEvents returns a feature's events oldest first. limit <= 0 means no limit.
func (s *SQLiteStore) ListEvents(ctx context.Context, featureID string, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT seq, id, feature_id, workstream_id, type, level, message, data, timestamp
		FROM events
		WHERE (? = '' OR feature_id = ?)
		ORDER BY seq ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, featureID, featureID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		var (
			event               EventRecord
			feature, workstream sql.NullString
			data                sql.NullString
			timestamp           string
		)
		if err := rows.Scan(
			&event.Seq,
			&event.ID,
			&feature,
			&workstream,
			&event.Type,
			&event.Level,
			&event.Message,
			&data,
			&timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.FeatureID = feature.String
		event.WorkstreamID = workstream.String
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		if event.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// EventSink returns a subscriber that persists published events. Write
// failures are logged; the publisher never blocks on them.
func (s *SQLiteStore) EventSink(ctx context.Context) telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		if err := s.AppendEvent(context.WithoutCancel(ctx), EventRecordFrom(e)); err != nil {
			log.Warn().Err(err).Str("event_type", e.Type).Msg("Failed to persist event")
		}
	}
}

// Watch polls the checkpoint and emits it whenever its stored form changes.
func (s *SQLiteStore) Watch(ctx context.Context, featureID string) (<-chan *engine.Checkpoint, error) {
	out := make(chan *engine.Checkpoint, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		var last []byte
		first := true
		for {
			cp, err := s.Load(ctx, featureID)
			if err != nil {
				log.Debug().Err(err).Str("feature_id", featureID).Msg("Checkpoint not readable")
			} else {
				var current []byte
				if cp != nil {
					current, _ = encodeCheckpoint(cp)
				}
				if first || !bytes.Equal(current, last) {
					first = false
					last = current
					select {
					case out <- cp:
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
