// Package store implements the durable key/door database: a single JSON
// document on disk, loaded at startup, mutated in memory, and flushed
// back with debounced writes. External edits of the file are picked up
// through a filesystem watch and replace the in-memory state wholesale.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/doored/doored/internal/doored/types"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNameInUse = errors.New("name already in use")
	ErrBadName   = errors.New("invalid name")
)

// NotFoundError carries which record a lookup failed to resolve, so the
// session layer can phrase the operator-facing message. It matches
// errors.Is(err, ErrNotFound).
type NotFoundError struct {
	What string // "key" or "door"
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.What, e.Ref)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

const (
	// DefaultKeyID names the synthetic record whose per-door levels are
	// the baseline applied by ResetAccess.
	DefaultKeyID   = "0"
	DefaultKeyName = "default"

	defaultFlushDelay = 500 * time.Millisecond
	defaultWatchGrace = 2 * time.Second
)

// flushState is the save pipeline: Idle accepts external-change
// notifications, Flushing suppresses them so our own write does not
// bounce back as a reload.
type flushState int

const (
	stateIdle flushState = iota
	stateFlushing
)

type Store struct {
	path string
	log  *zap.Logger

	flushDelay time.Duration
	watchGrace time.Duration

	mu     sync.RWMutex
	keys   map[string]types.Key
	doors  map[string]types.Door
	exists bool

	saveMu    sync.Mutex
	state     flushState
	saveTimer *time.Timer
	graceTmr  *time.Timer

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Options tune the save pipeline; zero values select the defaults.
// Tests shrink the windows to keep runtimes short.
type Options struct {
	FlushDelay time.Duration
	WatchGrace time.Duration
}

// Open loads the store from path, or initialises an empty in-memory
// store (reporting Exists() == false) when the file is absent. The
// parent directory is watched so that a file created or replaced by an
// external process triggers a reload.
func Open(path string, log *zap.Logger, opts Options) (*Store, error) {
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = defaultFlushDelay
	}
	if opts.WatchGrace <= 0 {
		opts.WatchGrace = defaultWatchGrace
	}

	s := &Store{
		path:       path,
		log:        log,
		flushDelay: opts.FlushDelay,
		watchGrace: opts.WatchGrace,
		keys:       make(map[string]types.Key),
		doors:      make(map[string]types.Door),
		done:       make(chan struct{}),
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.loadFile(); err != nil {
			return nil, err
		}
		s.exists = true
	} else if errors.Is(err, os.ErrNotExist) {
		// Seed the default key without persisting anything: the file
		// only materialises on the first real mutation.
		s.keys[DefaultKeyID] = types.Key{ID: DefaultKeyID, Name: DefaultKeyName}
	} else {
		return nil, fmt.Errorf("stat store file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir store dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = w
	go s.watchLoop()

	return s, nil
}

// Close stops the watcher and flushes any pending mutations.
func (s *Store) Close() error {
	close(s.done)
	err := s.watcher.Close()

	s.saveMu.Lock()
	pending := s.saveTimer != nil
	if pending {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if s.graceTmr != nil {
		s.graceTmr.Stop()
		s.graceTmr = nil
	}
	s.saveMu.Unlock()

	if pending {
		if ferr := s.Flush(); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

// Exists reports whether the backing file existed at startup or has
// since been created by a flush or an external writer.
func (s *Store) Exists() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exists
}

// ── Lookup ──────────────────────────────────────────────────────────────────

// Key resolves idOrName to a key record, trying the id first and the
// name second.
func (s *Store) Key(idOrName string) (types.Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyLocked(idOrName)
}

func (s *Store) keyLocked(idOrName string) (types.Key, bool) {
	if k, ok := s.keys[idOrName]; ok {
		return k, true
	}
	for _, k := range s.keys {
		if k.Name != "" && k.Name == idOrName {
			return k, true
		}
	}
	return types.Key{}, false
}

// Door resolves idOrName to a door record, id first, then name. The
// returned Access map is a copy.
func (s *Store) Door(idOrName string) (types.Door, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.doorLocked(idOrName)
	if !ok {
		return types.Door{}, false
	}
	return copyDoor(d), true
}

func (s *Store) doorLocked(idOrName string) (types.Door, bool) {
	if d, ok := s.doors[idOrName]; ok {
		return d, true
	}
	for _, d := range s.doors {
		if d.Name != "" && d.Name == idOrName {
			return d, true
		}
	}
	return types.Door{}, false
}

// Keys returns all key records sorted by id.
func (s *Store) Keys() []types.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Doors returns all door records sorted by id, with copied access maps.
func (s *Store) Doors() []types.Door {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Door, 0, len(s.doors))
	for _, d := range s.doors {
		out = append(out, copyDoor(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Access returns keyID's level on doorID; unknown pairs are LevelNone.
func (s *Store) Access(keyID, doorID string) types.AccessLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.doors[doorID]
	if !ok {
		return types.LevelNone
	}
	return d.Level(keyID)
}

// AccessAll returns keyID's level for every door, keyed by door id.
func (s *Store) AccessAll(keyID string) map[string]types.AccessLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.AccessLevel, len(s.doors))
	for id, d := range s.doors {
		out[id] = d.Level(keyID)
	}
	return out
}

// ── Mutation ────────────────────────────────────────────────────────────────

// EnsureDoor registers a configured door id, keeping an existing record
// (and its name and access map) if one is already present.
func (s *Store) EnsureDoor(id string) {
	s.mu.Lock()
	if _, ok := s.doors[id]; !ok {
		s.doors[id] = types.Door{ID: id, Access: make(map[string]types.AccessLevel)}
	}
	s.mu.Unlock()
}

// SetAccess sets key's level on door, resolving both sides by id or
// name, and returns the resolved records for confirmation messages.
// As with RenameKey, an unresolved argument that has the shape of a raw
// device serial creates a record for that serial, so access can be
// granted to a key the store has only ever seen on a reader.
func (s *Store) SetAccess(keyIDOrName, doorIDOrName string, level types.AccessLevel) (types.Key, types.Door, error) {
	if !level.Valid() {
		return types.Key{}, types.Door{}, types.ErrInvalidLevel
	}

	s.mu.Lock()
	d, ok := s.doorLocked(doorIDOrName)
	if !ok {
		s.mu.Unlock()
		return types.Key{}, types.Door{}, &NotFoundError{What: "door", Ref: doorIDOrName}
	}
	k, ok := s.keyLocked(keyIDOrName)
	if !ok {
		if !types.IsKeyID(keyIDOrName) {
			s.mu.Unlock()
			return types.Key{}, types.Door{}, &NotFoundError{What: "key", Ref: keyIDOrName}
		}
		k = types.Key{ID: keyIDOrName}
		s.keys[k.ID] = k
	}
	s.setAccessLocked(k.ID, d.ID, level)
	d = copyDoor(s.doors[d.ID])
	s.mu.Unlock()

	s.scheduleSave()
	return k, d, nil
}

func (s *Store) setAccessLocked(keyID, doorID string, level types.AccessLevel) {
	d := s.doors[doorID]
	if d.Access == nil {
		d.Access = make(map[string]types.AccessLevel)
	}
	if level == types.LevelNone {
		delete(d.Access, keyID)
	} else {
		d.Access[keyID] = level
	}
	s.doors[doorID] = d
}

// ResetAccess sets keyID's level on every door to the default key's
// level for that door, the baseline for a freshly initialised key.
func (s *Store) ResetAccess(keyID string) {
	s.mu.Lock()
	for id, d := range s.doors {
		s.setAccessLocked(keyID, id, d.Level(DefaultKeyID))
	}
	s.mu.Unlock()
	s.scheduleSave()
}

// RenameKey assigns a new unique name. When idOrName resolves to no
// record but has the shape of a raw device serial, a record is created
// for it, so keys can be named before their first initialisation.
func (s *Store) RenameKey(idOrName, newName string) (types.Key, error) {
	if newName == "" || len(newName) > types.MaxKeyNameLen {
		return types.Key{}, fmt.Errorf("key name %q: %w", newName, ErrBadName)
	}

	s.mu.Lock()
	k, ok := s.keyLocked(idOrName)
	if !ok {
		if !types.IsKeyID(idOrName) {
			s.mu.Unlock()
			return types.Key{}, &NotFoundError{What: "key", Ref: idOrName}
		}
		k = types.Key{ID: idOrName}
	}
	if other, ok := s.keyLocked(newName); ok && other.ID != k.ID {
		s.mu.Unlock()
		return types.Key{}, fmt.Errorf("key name %q: %w", newName, ErrNameInUse)
	}
	k.Name = newName
	s.keys[k.ID] = k
	s.mu.Unlock()

	s.scheduleSave()
	return k, nil
}

// RenameDoor assigns a new unique door name.
func (s *Store) RenameDoor(idOrName, newName string) (types.Door, error) {
	if newName == "" || len(newName) > types.MaxDoorNameLen {
		return types.Door{}, fmt.Errorf("door name %q: %w", newName, ErrBadName)
	}

	s.mu.Lock()
	d, ok := s.doorLocked(idOrName)
	if !ok {
		s.mu.Unlock()
		return types.Door{}, &NotFoundError{What: "door", Ref: idOrName}
	}
	if other, ok := s.doorLocked(newName); ok && other.ID != d.ID {
		s.mu.Unlock()
		return types.Door{}, fmt.Errorf("door name %q: %w", newName, ErrNameInUse)
	}
	d.Name = newName
	s.doors[d.ID] = d
	out := copyDoor(d)
	s.mu.Unlock()

	s.scheduleSave()
	return out, nil
}

// RemoveKey deletes the key record and its access entry on every door
// in one step, so no reader observes a dangling entry.
func (s *Store) RemoveKey(idOrName string) (types.Key, error) {
	s.mu.Lock()
	k, ok := s.keyLocked(idOrName)
	if !ok {
		s.mu.Unlock()
		return types.Key{}, &NotFoundError{What: "key", Ref: idOrName}
	}
	for id, d := range s.doors {
		if d.Access != nil {
			delete(d.Access, k.ID)
			s.doors[id] = d
		}
	}
	delete(s.keys, k.ID)
	s.mu.Unlock()

	s.scheduleSave()
	return k, nil
}

// SetSecret overwrites the key's challenge-response secret, creating
// the record if this serial has never been stored. Access levels are
// untouched; resetting those is the session layer's job.
func (s *Store) SetSecret(keyID, secret string) {
	s.mu.Lock()
	k, ok := s.keys[keyID]
	if !ok {
		k = types.Key{ID: keyID}
	}
	k.Secret = secret
	s.keys[keyID] = k
	s.mu.Unlock()

	s.scheduleSave()
}

func copyDoor(d types.Door) types.Door {
	out := types.Door{ID: d.ID, Name: d.Name, Access: make(map[string]types.AccessLevel, len(d.Access))}
	for k, v := range d.Access {
		out.Access[k] = v
	}
	return out
}
