package backend

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/codex-autorunner/car/internal/fsutil"
)

// ThreadStore persists the backend-native conversation id for a workspace
// so consecutive turns resume the same context instead of starting cold.
// One JSON file per workspace state root, keyed by backend id.
type ThreadStore struct {
	path string
	mu   sync.Mutex
}

// NewThreadStore returns the store backed by <stateRoot>/threads.json.
func NewThreadStore(stateRoot string) *ThreadStore {
	return &ThreadStore{path: filepath.Join(stateRoot, "threads.json")}
}

func (s *ThreadStore) load() (map[string]string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		// A corrupt thread file only costs conversation continuity;
		// start fresh rather than wedging the flow.
		return map[string]string{}, nil
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

// Get returns the recorded thread id for a backend, or "".
func (s *ThreadStore) Get(backendID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return "", err
	}
	return m[backendID], nil
}

// Set records the thread id for a backend.
func (s *ThreadStore) Set(backendID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	if threadID == "" {
		delete(m, backendID)
	} else {
		m[backendID] = threadID
	}
	return fsutil.WriteJSONAtomic(s.path, m)
}

// Clear forgets the thread for a backend; the next turn starts a new one.
func (s *ThreadStore) Clear(backendID string) error {
	return s.Set(backendID, "")
}
