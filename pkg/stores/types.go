package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
	"github.com/fall-out-bug/sdp-sub003/pkg/telemetry"
)

// Driver names a store implementation.
type Driver string

const (
	DriverFile   Driver = "file"
	DriverSQLite Driver = "sqlite"
)

// SQLiteFileName is the database file created inside a state directory.
const SQLiteFileName = "sdp.db"

// Store defines the interface for the persistence layer
type Store interface {
	engine.CheckpointStore
	engine.EscalationLog
	engine.FeatureLeaser

	// ListFeatures returns the IDs of features with a checkpoint, sorted.
	ListFeatures(ctx context.Context) ([]string, error)

	// Watch emits the feature's checkpoint now and whenever it changes. A nil
	// value means the checkpoint was removed. The channel closes when ctx is done.
	Watch(ctx context.Context, featureID string) (<-chan *engine.Checkpoint, error)

	// Close releases the store's resources.
	Close() error
}

// EventRecord is a persisted orchestrator event.
type EventRecord struct {
	Seq          int64                  `json:"seq"`
	ID           string                 `json:"id"`
	FeatureID    string                 `json:"feature_id,omitempty"`
	WorkstreamID string                 `json:"workstream_id,omitempty"`
	Type         string                 `json:"type"`
	Level        string                 `json:"level"`
	Message      string                 `json:"message"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// EventRecordFrom converts a published telemetry event.
func EventRecordFrom(e telemetry.Event) *EventRecord {
	return &EventRecord{
		ID:           e.ID,
		FeatureID:    e.FeatureID,
		WorkstreamID: e.WorkstreamID,
		Type:         e.Type,
		Level:        e.Level,
		Message:      e.Message,
		Data:         e.Data,
		Timestamp:    e.Timestamp,
	}
}

// Open opens the store named by driver under stateDir and prepares it for use.
func Open(ctx context.Context, driver Driver, stateDir string) (Store, error) {
	switch driver {
	case DriverFile, "":
		return NewFileStore(stateDir)
	case DriverSQLite:
		s, err := NewSQLiteStore(Config{Path: filepath.Join(stateDir, SQLiteFileName)})
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}

// validateFeatureID rejects IDs that cannot name a file in a single directory.
func validateFeatureID(featureID string) error {
	switch {
	case featureID == "":
		return fmt.Errorf("feature ID is required")
	case featureID == "." || featureID == "..":
		return fmt.Errorf("invalid feature ID: %q", featureID)
	case strings.ContainsAny(featureID, "/\\\x00"):
		return fmt.Errorf("feature ID %q contains a path separator", featureID)
	}
	return nil
}
