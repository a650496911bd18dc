// Package metadata implements the per-container local metadata store: the
// revision, checksum and handle maps persisted as JSON, and an in-memory
// reverse index from id to handle.
//
// All mutations are serialized by a single lock and treat the three maps as
// one critical section. A mutation is computed on copies, persisted, and only
// then made visible, so readers never observe a partial update.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/layout"
)

// Map selects one of the persisted maps.
type Map int

const (
	RevisionMap Map = iota // id -> revision
	ChecksumMap            // id -> checksum
	HandleMap              // "kind|handle" -> id
)

// Filename returns the name of the JSON file backing the map.
func (m Map) Filename() string {
	switch m {
	case RevisionMap:
		return "revisions.json"
	case ChecksumMap:
		return "checksums.json"
	case HandleMap:
		return "handles.json"
	}
	return fmt.Sprintf("map-%d.json", int(m))
}

func (m Map) String() string {
	switch m {
	case RevisionMap:
		return "revision"
	case ChecksumMap:
		return "checksum"
	case HandleMap:
		return "handle"
	}
	return fmt.Sprintf("map(%d)", int(m))
}

var allMaps = []Map{RevisionMap, ChecksumMap, HandleMap}

// Store is the local metadata store of one container.
type Store struct {
	mu     sync.RWMutex
	fs     billy.Filesystem
	dir    string
	logger *slog.Logger

	st   state
	byID map[string]Key
}

type state struct {
	revisions map[string]string
	checksums map[string]string
	handles   map[Key]string
}

func newState() state {
	return state{
		revisions: make(map[string]string),
		checksums: make(map[string]string),
		handles:   make(map[Key]string),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.revisions {
		c.revisions[k] = v
	}
	for k, v := range s.checksums {
		c.checksums[k] = v
	}
	for k, v := range s.handles {
		c.handles[k] = v
	}
	return c
}

// New creates a store persisting its maps under dir on fs. Call Load before use.
func New(fs billy.Filesystem, dir string, logger *slog.Logger) *Store {
	return &Store{
		fs:     fs,
		dir:    dir,
		logger: logger,
		st:     newState(),
		byID:   make(map[string]Key),
	}
}

// Load reads all three maps from disk and rebuilds the reverse index. A
// missing file loads as an empty map.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := newState()
	for _, m := range allMaps {
		raw, err := s.readMap(m)
		if err != nil {
			return err
		}
		if err := next.set(m, raw); err != nil {
			return err
		}
	}

	s.swap(next)
	s.logger.Debug("metadata loaded",
		"revisions", len(next.revisions),
		"checksums", len(next.checksums),
		"handles", len(next.handles))
	return nil
}

// Merge shallow-merges partial into map m and persists it. Merging an empty
// partial is a no-op. For the handle map, a key already bound to a different
// id is rejected with a HandleCollisionError before anything changes, and an
// id that moves to a new key releases its previous key.
func (s *Store) Merge(m Map, partial map[string]string) error {
	if len(partial) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.st.clone()
	switch m {
	case RevisionMap:
		for id, rev := range partial {
			next.revisions[id] = rev
		}
	case ChecksumMap:
		for id, sum := range partial {
			next.checksums[id] = sum
		}
	case HandleMap:
		bindings, err := parseHandles(partial)
		if err != nil {
			return err
		}
		for key, id := range bindings {
			if current, ok := next.handles[key]; ok && current != id {
				return &content.HandleCollisionError{Kind: key.Kind, Handle: key.Handle, ID: current}
			}
		}
		for key, id := range bindings {
			if old, ok := s.byID[id]; ok && old != key {
				delete(next.handles, old)
			}
			next.handles[key] = id
		}
	default:
		return fmt.Errorf("unknown metadata map %d", int(m))
	}

	return s.commit(next, m)
}

// Replace overwrites map m with full and persists it.
func (s *Store) Replace(m Map, full map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.st.clone()
	if err := next.set(m, full); err != nil {
		return err
	}
	return s.commit(next, m)
}

// Patch is a staged multi-map update produced by a pull.
type Patch struct {
	Revisions map[string]string
	Checksums map[string]string
	Handles   map[Key]string
	// Removed lists ids whose entries are purged from all three maps.
	Removed []string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Revisions) == 0 && len(p.Checksums) == 0 && len(p.Handles) == 0 && len(p.Removed) == 0
}

// Apply merges a pull patch into all three maps in one critical section. The
// remote store is authoritative here: a key bound to another id is rebound,
// and an id bound under another key loses that key.
func (s *Store) Apply(p Patch) error {
	if p.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.st.clone()
	for _, id := range p.Removed {
		delete(next.revisions, id)
		delete(next.checksums, id)
		if key, ok := s.byID[id]; ok && next.handles[key] == id {
			delete(next.handles, key)
		}
	}
	for id, rev := range p.Revisions {
		next.revisions[id] = rev
	}
	for id, sum := range p.Checksums {
		next.checksums[id] = sum
	}
	for key, id := range p.Handles {
		if old, ok := s.byID[id]; ok && old != key && next.handles[old] == id {
			delete(next.handles, old)
		}
		if current, ok := next.handles[key]; ok && current != id {
			s.logger.Info("rebinding handle to remote id",
				"kind", key.Kind.String(), "handle", key.Handle, "old_id", current, "id", id)
		}
		next.handles[key] = id
	}

	return s.commit(next, allMaps...)
}

// ID returns the id bound to (kind, handle).
func (s *Store) ID(kind content.Kind, handle string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.st.handles[Key{Kind: kind, Handle: handle}]
	return id, ok
}

// Revision returns the stored revision of id.
func (s *Store) Revision(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.st.revisions[id]
	return rev, ok
}

// Checksum returns the stored checksum of id.
func (s *Store) Checksum(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.st.checksums[id]
	return sum, ok
}

// Handle returns the (kind, handle) pair bound to id.
func (s *Store) Handle(id string) (Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	return key, ok
}

// Lookup returns the binding, revision and checksum of id in one consistent read.
func (s *Store) Lookup(id string) (key Key, revision, checksum string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok = s.byID[id]
	if !ok {
		return Key{}, "", "", false
	}
	return key, s.st.revisions[id], s.st.checksums[id], true
}

// Bindings returns the handle bindings of kind sorted by handle.
func (s *Store) Bindings(kind content.Kind) []Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Binding
	for key, id := range s.st.handles {
		if key.Kind == kind {
			out = append(out, Binding{Key: key, ID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// RecordSave records the outcome of a successful remote write. The checksum
// and revision are always updated; the handle binding is added when new. A
// handle bound to a different id is rejected before any change.
func (s *Store) RecordSave(kind content.Kind, id, handle, revision, checksum string) error {
	if id == "" {
		return fmt.Errorf("record save of %s %q: %w", kind, handle, content.ErrNotSaved)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{Kind: kind, Handle: handle}
	if current, ok := s.st.handles[key]; ok && current != id {
		return &content.HandleCollisionError{Kind: kind, Handle: handle, ID: current}
	}

	next := s.st.clone()
	next.checksums[id] = checksum
	next.revisions[id] = revision
	changed := []Map{ChecksumMap, RevisionMap}
	if _, bound := s.st.handles[key]; !bound {
		if old, ok := s.byID[id]; ok {
			delete(next.handles, old)
		}
		next.handles[key] = id
		changed = append(changed, HandleMap)
	}
	return s.commit(next, changed...)
}

// RecordRename updates the revision and checksum of id and moves its handle
// binding to newHandle. An empty checksum keeps the stored one.
func (s *Store) RecordRename(kind content.Kind, id, newHandle, newRevision, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newKey := Key{Kind: kind, Handle: newHandle}
	if current, ok := s.st.handles[newKey]; ok && current != id {
		return &content.HandleCollisionError{Kind: kind, Handle: newHandle, ID: current}
	}

	next := s.st.clone()
	if old, ok := s.byID[id]; ok {
		delete(next.handles, old)
	}
	next.handles[newKey] = id
	next.revisions[id] = newRevision
	changed := []Map{RevisionMap, HandleMap}
	if checksum != "" {
		next.checksums[id] = checksum
		changed = append(changed, ChecksumMap)
	}
	return s.commit(next, changed...)
}

// RecordDelete removes id from the revision and checksum maps and removes
// the (kind, handle) binding.
func (s *Store) RecordDelete(kind content.Kind, id, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.st.clone()
	delete(next.revisions, id)
	delete(next.checksums, id)
	key := Key{Kind: kind, Handle: handle}
	if next.handles[key] == id {
		delete(next.handles, key)
	}
	if old, ok := s.byID[id]; ok && next.handles[old] == id {
		delete(next.handles, old)
	}
	return s.commit(next, allMaps...)
}

// commit persists the given maps of next and then makes next visible.
// Callers hold s.mu.
func (s *Store) commit(next state, changed ...Map) error {
	for _, m := range changed {
		if err := s.writeMap(m, next.get(m)); err != nil {
			return err
		}
	}
	s.swap(next)
	return nil
}

func (s *Store) swap(next state) {
	s.st = next
	s.byID = make(map[string]Key, len(next.handles))
	for key, id := range next.handles {
		s.byID[id] = key
	}
}

func (s *Store) readMap(m Map) (map[string]string, error) {
	name := path.Join(s.dir, m.Filename())
	data, err := layout.ReadFile(s.fs, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	out := map[string]string{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return out, nil
}

func (s *Store) writeMap(m Map, data map[string]string) error {
	name := path.Join(s.dir, m.Filename())
	encoded, err := encodeStable(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := layout.WriteFile(s.fs, name, encoded); err != nil {
		return fmt.Errorf("failed to persist %s map: %w", m, err)
	}
	return nil
}

// encodeStable renders a map with sorted keys and two-space indentation.
func encodeStable(data map[string]string) ([]byte, error) {
	if data == nil {
		data = map[string]string{}
	}
	// encoding/json sorts map keys.
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func (st *state) set(m Map, raw map[string]string) error {
	switch m {
	case RevisionMap:
		st.revisions = copyMap(raw)
	case ChecksumMap:
		st.checksums = copyMap(raw)
	case HandleMap:
		bindings, err := parseHandles(raw)
		if err != nil {
			return err
		}
		st.handles = bindings
	default:
		return fmt.Errorf("unknown metadata map %d", int(m))
	}
	return nil
}

func (st state) get(m Map) map[string]string {
	switch m {
	case RevisionMap:
		return st.revisions
	case ChecksumMap:
		return st.checksums
	case HandleMap:
		out := make(map[string]string, len(st.handles))
		for key, id := range st.handles {
			out[key.String()] = id
		}
		return out
	}
	return nil
}

func parseHandles(raw map[string]string) (map[Key]string, error) {
	out := make(map[Key]string, len(raw))
	for text, id := range raw {
		key, err := ParseKey(text)
		if err != nil {
			return nil, err
		}
		out[key] = id
	}
	return out, nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
