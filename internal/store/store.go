package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// Fixed persistence keys consumed by the UI layer. Values are JSON, read
// once at startup and written on every change.
const (
	KeyStage       = "posecoach.stage"
	KeyLastMetrics = "posecoach.last_metrics"
)

// Store persists the application stage and the last computed posture metrics
// as one JSON file per key.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New creates a store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// SaveStage persists the current stage.
func (s *Store) SaveStage(stage types.SessionState) error {
	return s.write(KeyStage, stage)
}

// LoadStage reads the persisted stage. The second return is false when no
// stage has been persisted yet.
func (s *Store) LoadStage() (types.SessionState, bool, error) {
	var stage types.SessionState
	ok, err := s.read(KeyStage, &stage)
	return stage, ok, err
}

// SaveMetrics persists the last computed posture metrics.
func (s *Store) SaveMetrics(m *types.PostureMetrics) error {
	return s.write(KeyLastMetrics, m)
}

// LoadMetrics reads the persisted metrics, if any.
func (s *Store) LoadMetrics() (*types.PostureMetrics, bool, error) {
	var m types.PostureMetrics
	ok, err := s.read(KeyLastMetrics, &m)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &m, true, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) write(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(key), data, 0644); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}

func (s *Store) read(key string, v any) (bool, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path(key))
	s.mu.Unlock()

	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}
