// Package statestore persists the small (jmap_state, notmuch_revision)
// tuple mujmap checkpoints once per successful sync, and implements the
// exclusive-create lock file guarding concurrent runs (spec.md §4.5, §6).
//
// Grounded on the teacher's temp-file-and-rename write pattern used
// throughout the pack for crash-safe small-file persistence (e.g.
// persist.Open's DSN handling); the lock semantics follow spec.md §9's
// explicit "never auto-reaped" design note.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"mujmap/internal/jmapclient"
)

const (
	stateFileName = "mujmap.state.json"
	lockFileName  = "mujmap.lock"
)

// ErrLockHeld is returned when the lock file already exists. It is fatal;
// no sync starts.
var ErrLockHeld = errors.New("statestore: lock file held by another process")

// State is the persisted tuple. Either field may be independently nil,
// per spec.md §4.5: a missing JMAPState forces a full-list rediscovery; a
// missing IndexRevision treats every message as locally-modified.
type State struct {
	JMAPState     *jmapclient.State `json:"jmap_state"`
	IndexRevision *uint64           `json:"notmuch_revision"`
}

// Store reads and writes State in dir (the maildir root), and owns the
// sibling lock file.
type Store struct {
	dir string
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) statePath() string {
	return filepath.Join(s.dir, stateFileName)
}

func (s *Store) lockPath() string {
	return filepath.Join(s.dir, lockFileName)
}

// Load reads the persisted state. A missing file is not an error: it
// reports the zero State, in which both fields are nil, triggering full
// rediscovery (cold start).
func (s *Store) Load() (State, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, errors.Wrapf(err, "reading state file %q", s.statePath())
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, errors.Wrapf(err, "parsing state file %q", s.statePath())
	}
	return st, nil
}

// Save atomically rewrites the state file via a temp-file-and-rename,
// matching spec.md §3's PersistedState lifecycle ("rewritten atomically...
// once per successful sync").
func (s *Store) Save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}
	tmp := s.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "writing temporary state file %q", tmp)
	}
	if err := os.Rename(tmp, s.statePath()); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "renaming %q to %q", tmp, s.statePath())
	}
	return nil
}

// Lock is a held exclusive-create lock file. Callers must call Release
// exactly once, when the sync run ends (successfully or not) — except on
// interrupt, per spec.md §5, where the lock is released without rewriting
// the state file.
type Lock struct {
	path string
}

// Acquire creates the lock file with O_EXCL semantics. Failure to acquire
// (the file already exists) is immediately fatal, per spec.md §4.4.1's
// LOCKED transition: returns ErrLockHeld.
func (s *Store) Acquire() (*Lock, error) {
	path := s.lockPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLockHeld
		}
		return nil, errors.Wrapf(err, "creating lock file %q", path)
	}
	f.Close()
	return &Lock{path: path}, nil
}

// Release removes the lock file. Stale locks left by a crashed process
// are never auto-reaped; an operator must remove them manually after
// confirming no other process is running (spec.md §9).
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "releasing lock file %q", l.path)
	}
	return nil
}
