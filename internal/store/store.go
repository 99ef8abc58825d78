// Package store owns the process-wide persisted state. All collections live in
// a single State structure; every mutation runs through Update, which applies
// the change to a working copy and persists the whole state with an atomic
// rename before it becomes visible. A write therefore either fully replaces or
// fully preserves the prior state.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"

	"github.com/numio/server/internal/model"
)

// State is the full persisted dataset.
type State struct {
	Users         []model.User                   `json:"users"`
	Sessions      []model.Session                `json:"sessions"`
	OtpChallenges []model.OtpChallenge           `json:"otpChallenges"`
	EmailTokens   []model.EmailVerificationToken `json:"emailTokens"`
}

func newState() State {
	return State{
		Users:         []model.User{},
		Sessions:      []model.Session{},
		OtpChallenges: []model.OtpChallenge{},
		EmailTokens:   []model.EmailVerificationToken{},
	}
}

// Store serializes all reads and writes of the persisted state.
type Store struct {
	mu    sync.RWMutex
	path  string
	state State
}

// Open loads the state file at path, creating the parent directory and a fresh
// state when the file does not exist yet.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, oops.Code("STORE_OPEN_FAILED").With("path", path).Wrap(err)
	}
	s := &Store{path: path, state: newState()}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return oops.Code("STORE_READ_FAILED").With("path", s.path).Wrap(err)
	}
	loaded := newState()
	if err := json.Unmarshal(b, &loaded); err != nil {
		return oops.Code("STORE_DECODE_FAILED").With("path", s.path).Wrap(err)
	}
	s.state = loaded
	return nil
}

// View runs fn with read access to the current state. fn must not retain or
// mutate the state; repositories copy values out.
func (s *Store) View(fn func(*State)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&s.state)
}

// Update runs fn against a working copy of the state. When fn succeeds the
// copy is persisted and swapped in; when fn or the persist step fails the
// prior state stays in force, in memory and on disk.
func (s *Store) Update(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.state.clone()
	if err != nil {
		return err
	}
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persist(&next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// clone deep-copies the state through its JSON form.
func (s *State) clone() (State, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return State{}, oops.Code("STORE_CLONE_FAILED").Wrap(err)
	}
	var out State
	if err := json.Unmarshal(b, &out); err != nil {
		return State{}, oops.Code("STORE_CLONE_FAILED").Wrap(err)
	}
	return out, nil
}

// persist writes the state to a temp file in the same directory, syncs it, and
// renames it over the live file so the snapshot is replaced atomically.
func (s *Store) persist(state *State) error {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return oops.Code("STORE_ENCODE_FAILED").Wrap(err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return oops.Code("STORE_WRITE_FAILED").With("path", s.path).Wrap(err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return oops.Code("STORE_WRITE_FAILED").With("path", tmpName).Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return oops.Code("STORE_SYNC_FAILED").With("path", tmpName).Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return oops.Code("STORE_WRITE_FAILED").With("path", tmpName).Wrap(err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return oops.Code("STORE_RENAME_FAILED").With("path", s.path).Wrap(err)
	}
	return nil
}
