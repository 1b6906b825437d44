package stores

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

const (
	checkpointsDir  = "checkpoints"
	checkpointExt   = ".json"
	escalationsFile = "escalations.jsonl"
)

// FileStore keeps one checkpoint document per feature under
// <dir>/checkpoints and appends escalations to <dir>/escalations.jsonl.
type FileStore struct {
	dir string

	// mu serializes writers within the process.
	mu sync.Mutex
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, checkpointsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) checkpointPath(featureID string) string {
	return filepath.Join(s.dir, checkpointsDir, featureID+checkpointExt)
}

// Load reads the feature's checkpoint. A missing file returns nil, nil.
func (s *FileStore) Load(_ context.Context, featureID string) (*engine.Checkpoint, error) {
	if err := validateFeatureID(featureID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.checkpointPath(featureID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

// Save atomically replaces the feature's checkpoint.
func (s *FileStore) Save(_ context.Context, cp *engine.Checkpoint) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.checkpointPath(cp.FeatureID)
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if err := guardTerminal(existing, data); err != nil {
		return err
	}
	if bytes.Equal(existing, data) {
		return nil
	}
	return writeFileAtomic(path, data)
}

// Delete removes the feature's checkpoint. Escalations are kept.
func (s *FileStore) Delete(_ context.Context, featureID string) error {
	if err := validateFeatureID(featureID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.checkpointPath(featureID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// ListFeatures returns the IDs of features with a checkpoint file.
func (s *FileStore) ListFeatures(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, checkpointsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	features := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		features = append(features, strings.TrimSuffix(name, checkpointExt))
	}
	sort.Strings(features)
	return features, nil
}

// AppendEscalation appends one JSON line and syncs it to disk.
func (s *FileStore) AppendEscalation(_ context.Context, record *engine.EscalationRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode escalation: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, escalationsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open escalation log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append escalation: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync escalation log: %w", err)
	}
	return f.Close()
}

// ListEscalations returns the feature's escalations in append order. An
// empty featureID lists every feature. Torn lines are skipped.
func (s *FileStore) ListEscalations(_ context.Context, featureID string) ([]*engine.EscalationRecord, error) {
	f, err := os.Open(filepath.Join(s.dir, escalationsFile))
	if errors.Is(err, os.ErrNotExist) {
		return []*engine.EscalationRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open escalation log: %w", err)
	}
	defer f.Close()

	records := []*engine.EscalationRecord{}
	reader := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var record engine.EscalationRecord
			if jsonErr := json.Unmarshal(line, &record); jsonErr != nil {
				log.Warn().Err(jsonErr).Int("line", lineNo).Msg("Skipping unreadable escalation record")
			} else if featureID == "" || record.FeatureID == featureID {
				records = append(records, &record)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read escalation log: %w", err)
		}
	}
	return records, nil
}

// Watch emits the checkpoint on every change to its file.
func (s *FileStore) Watch(ctx context.Context, featureID string) (<-chan *engine.Checkpoint, error) {
	if err := validateFeatureID(featureID); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Join(s.dir, checkpointsDir)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch checkpoints: %w", err)
	}

	out := make(chan *engine.Checkpoint, 1)
	target := filepath.Base(s.checkpointPath(featureID))

	go func() {
		defer close(out)
		defer watcher.Close()

		emit := func() bool {
			cp, err := s.Load(ctx, featureID)
			if err != nil {
				log.Debug().Err(err).Str("feature_id", featureID).Msg("Checkpoint not readable yet")
				return true
			}
			select {
			case out <- cp:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !emit() {
						return
					}
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Checkpoint watcher error")
			}
		}
	}()

	return out, nil
}

// Close is a no-op; the file store holds no open handles.
func (s *FileStore) Close() error {
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path, so readers see either the old or new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to set checkpoint permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	tmpName = ""

	// The rename is durable once the directory entry is synced.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
