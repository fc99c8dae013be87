package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/doored/doored/internal/doored/types"
)

// On-disk document. The schema is logical, not bit-pinned: levels are
// plain integers and unknown fields are ignored on load.
type fileDoc struct {
	Keys  map[string]fileKey  `json:"keys"`
	Doors map[string]fileDoor `json:"doors"`
}

type fileKey struct {
	Name   string `json:"name,omitempty"`
	Secret string `json:"secret,omitempty"`
}

type fileDoor struct {
	Name   string         `json:"name,omitempty"`
	Access map[string]int `json:"access,omitempty"`
}

func (s *Store) loadFile() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read store file: %w", err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse store file: %w", err)
	}

	keys := make(map[string]types.Key, len(doc.Keys))
	for id, k := range doc.Keys {
		keys[id] = types.Key{ID: id, Name: k.Name, Secret: k.Secret}
	}
	doors := make(map[string]types.Door, len(doc.Doors))
	for id, d := range doc.Doors {
		access := make(map[string]types.AccessLevel, len(d.Access))
		for keyID, lvl := range d.Access {
			access[keyID] = types.AccessLevel(lvl)
		}
		doors[id] = types.Door{ID: id, Name: d.Name, Access: access}
	}

	s.mu.Lock()
	s.keys = keys
	s.doors = doors
	s.mu.Unlock()
	return nil
}

// reload replaces in-memory state after an external file change. A
// corrupt file keeps the current state; losing the live database to a
// half-written edit would lock every door.
func (s *Store) reload() {
	if err := s.loadFile(); err != nil {
		s.log.Warn("store reload failed, keeping current state", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.exists = true
	s.mu.Unlock()
	s.log.Info("store file changed externally, reloaded")
}

// scheduleSave coalesces a burst of mutations into one flush after the
// debounce window. The in-memory state is already updated when this is
// called; only durability is deferred.
func (s *Store) scheduleSave() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.flushDelay, s.flush)
}

func (s *Store) flush() {
	s.saveMu.Lock()
	s.saveTimer = nil
	s.state = stateFlushing
	if s.graceTmr != nil {
		s.graceTmr.Stop()
	}
	s.saveMu.Unlock()

	if err := s.writeFile(); err != nil {
		s.log.Error("store flush failed", zap.Error(err))
	}

	// Hold the Flushing state a little past the write so the watcher
	// events caused by our own rename are swallowed, then re-arm.
	s.saveMu.Lock()
	s.graceTmr = time.AfterFunc(s.watchGrace, func() {
		s.saveMu.Lock()
		s.state = stateIdle
		s.saveMu.Unlock()
	})
	s.saveMu.Unlock()
}

// Flush forces an immediate durable write, bypassing the debounce
// window. Used at shutdown and by tests.
func (s *Store) Flush() error {
	s.saveMu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.state = stateFlushing
	s.saveMu.Unlock()

	err := s.writeFile()

	s.saveMu.Lock()
	if s.graceTmr != nil {
		s.graceTmr.Stop()
	}
	s.graceTmr = time.AfterFunc(s.watchGrace, func() {
		s.saveMu.Lock()
		s.state = stateIdle
		s.saveMu.Unlock()
	})
	s.saveMu.Unlock()
	return err
}

func (s *Store) writeFile() error {
	s.mu.RLock()
	doc := fileDoc{
		Keys:  make(map[string]fileKey, len(s.keys)),
		Doors: make(map[string]fileDoor, len(s.doors)),
	}
	for id, k := range s.keys {
		doc.Keys[id] = fileKey{Name: k.Name, Secret: k.Secret}
	}
	for id, d := range s.doors {
		fd := fileDoor{Name: d.Name}
		if len(d.Access) > 0 {
			fd.Access = make(map[string]int, len(d.Access))
			for keyID, lvl := range d.Access {
				fd.Access[keyID] = int(lvl)
			}
		}
		doc.Doors[id] = fd
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	// Write-then-rename so an external reader (or our own reload) never
	// sees a truncated document.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write store tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename store tmp: %w", err)
	}

	s.mu.Lock()
	s.exists = true
	s.mu.Unlock()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			s.saveMu.Lock()
			flushing := s.state == stateFlushing
			s.saveMu.Unlock()
			if flushing {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("store watcher error", zap.Error(err))
		}
	}
}
