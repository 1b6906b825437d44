package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

const leaseExt = ".lock"

// leaseRecord is the content of a feature's lease.
type leaseRecord struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l leaseRecord) liveAt(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

func leaseHeld(featureID string, l leaseRecord) error {
	return fmt.Errorf("%w: feature %s is held by %s until %s",
		engine.ErrFeatureLeased, featureID, l.Owner, l.ExpiresAt.Format(time.RFC3339))
}

func (s *FileStore) leasePath(featureID string) string {
	return filepath.Join(s.dir, checkpointsDir, featureID+leaseExt)
}

func readLease(path string) (leaseRecord, error) {
	var l leaseRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return l, err
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return l, fmt.Errorf("failed to decode lease %s: %w", path, err)
	}
	return l, nil
}

// AcquireLease creates <dir>/checkpoints/<feature>.lock. The file is written
// in full under a temp name and hard-linked into place, so creation is
// exclusive and readers never see a partial lease. An expired lease is
// replaced.
func (s *FileStore) AcquireLease(_ context.Context, featureID, owner string, ttl time.Duration) error {
	if err := validateFeatureID(featureID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	data, err := json.Marshal(leaseRecord{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("failed to encode lease: %w", err)
	}
	path := s.leasePath(featureID)

	for range 3 {
		err := linkNewFile(path, data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create lease: %w", err)
		}

		current, err := readLease(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		switch {
		case current.Owner == owner:
			return writeFileAtomic(path, data)
		case current.liveAt(now):
			return leaseHeld(featureID, current)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove expired lease: %w", err)
		}
	}
	return fmt.Errorf("%w: feature %s lease is contended", engine.ErrFeatureLeased, featureID)
}

// RenewLease pushes the owner's lease expiry out by ttl.
func (s *FileStore) RenewLease(_ context.Context, featureID, owner string, ttl time.Duration) error {
	if err := validateFeatureID(featureID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.leasePath(featureID)
	current, err := readLease(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: lease of feature %s was removed", engine.ErrFeatureLeased, featureID)
	}
	if err != nil {
		return err
	}
	if current.Owner != owner {
		return leaseHeld(featureID, current)
	}

	current.ExpiresAt = time.Now().UTC().Add(ttl)
	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode lease: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ReleaseLease removes the lease file if owner holds it.
func (s *FileStore) ReleaseLease(_ context.Context, featureID, owner string) error {
	if err := validateFeatureID(featureID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.leasePath(featureID)
	current, err := readLease(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Owner != owner {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// linkNewFile writes data to a temp file next to path and links it to path.
// It fails with os.ErrExist when path already exists.
func linkNewFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmpName, path)
}

// AcquireLease takes the feature_locks row inside an immediate transaction.
func (s *SQLiteStore) AcquireLease(ctx context.Context, featureID, owner string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	current, found, err := loadLease(ctx, tx, featureID)
	if err != nil {
		return err
	}
	if found && current.Owner != owner && current.liveAt(now) {
		return leaseHeld(featureID, current)
	}

	query := `
		INSERT INTO feature_locks (feature_id, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (feature_id) DO UPDATE
		SET owner = excluded.owner, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
	`
	if _, err := tx.ExecContext(ctx, query, featureID, owner, formatTime(now), formatTime(now.Add(ttl))); err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lease: %w", err)
	}
	return nil
}

// RenewLease extends the owner's row.
func (s *SQLiteStore) RenewLease(ctx context.Context, featureID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feature_locks SET expires_at = ? WHERE feature_id = ? AND owner = ?`,
		formatTime(time.Now().Add(ttl)), featureID, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lease of feature %s was lost", engine.ErrFeatureLeased, featureID)
	}
	return nil
}

// ReleaseLease deletes the owner's row.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, featureID, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM feature_locks WHERE feature_id = ? AND owner = ?`, featureID, owner,
	); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func loadLease(ctx context.Context, tx *sql.Tx, featureID string) (leaseRecord, bool, error) {
	var (
		l          leaseRecord
		acquiredAt string
		expiresAt  string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT owner, acquired_at, expires_at FROM feature_locks WHERE feature_id = ?`, featureID,
	).Scan(&l.Owner, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, false, nil
	}
	if err != nil {
		return l, false, fmt.Errorf("failed to read lease: %w", err)
	}
	if l.AcquiredAt, err = parseTime(acquiredAt); err != nil {
		return l, false, fmt.Errorf("failed to parse lease time: %w", err)
	}
	if l.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return l, false, fmt.Errorf("failed to parse lease time: %w", err)
	}
	return l, true, nil
}
