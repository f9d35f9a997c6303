package module

import (
	"os"
	"path/filepath"
	"sort"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/goccy/go-json"
)

// StatusStore persists the enabled flag per module identifier in a flat
// pretty-printed JSON file. Raw keys are re-normalized against the
// current manifest-derived identifier on every read so that a module
// whose declared name casing changed between versions keeps its state.
type StatusStore struct {
	path string
	root string
}

func NewStatusStore(path, modulesRoot string) *StatusStore {
	return &StatusStore{path: path, root: modulesRoot}
}

// GetAll returns the current identifier to enabled mapping. An absent
// file yields an empty map. Keys that no longer resolve to an on-disk
// module are pruned and the file rewritten; duplicate keys after
// re-normalization are merged with a logical OR so that an entry
// enabled under either its old or new key stays enabled.
func (s *StatusStore) GetAll() (map[string]bool, error) {
	raw, err := s.read()
	if err != nil {
		return nil, err
	}

	merged := make(map[string]bool, len(raw))
	dirty := false
	for key, enabled := range raw {
		id, ok := s.currentIdentifier(key)
		if !ok {
			log.WithField("module", key).Info("pruning status entry for module no longer present on disk")
			dirty = true
			continue
		}
		if id != key {
			dirty = true
		}
		if prev, exists := merged[id]; exists {
			dirty = true
			merged[id] = prev || enabled
			continue
		}
		merged[id] = enabled
	}

	if dirty {
		if err := s.SetAll(merged); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// SetAll atomically overwrites the status file with the given mapping.
func (s *StatusStore) SetAll(statuses map[string]bool) error {
	normalized := make(map[string]bool, len(statuses))
	for key, enabled := range statuses {
		id := Normalize(key)
		normalized[id] = normalized[id] || enabled
	}

	b, err := json.MarshalIndent(normalized, "", "    ")
	if err != nil {
		return errors.WithMessage(err, "module: failed to encode status file")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".statuses-*")
	if err != nil {
		return errors.WithMessage(err, "module: failed to create temporary status file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.WithMessage(err, "module: failed to write status file")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.WithMessage(err, "module: failed to replace status file")
	}
	return nil
}

// Set updates a single identifier's flag, creating the entry when it
// does not exist yet.
func (s *StatusStore) Set(id string, enabled bool) error {
	statuses, err := s.GetAll()
	if err != nil {
		return err
	}
	statuses[Normalize(id)] = enabled
	return s.SetAll(statuses)
}

// Remove drops an identifier's entry entirely. Used when a module is
// replaced under a different declared name.
func (s *StatusStore) Remove(id string) error {
	statuses, err := s.GetAll()
	if err != nil {
		return err
	}
	if _, ok := statuses[Normalize(id)]; !ok {
		return nil
	}
	delete(statuses, Normalize(id))
	return s.SetAll(statuses)
}

// Enabled reports the flag for a single identifier, false when untracked.
func (s *StatusStore) Enabled(id string) (bool, error) {
	statuses, err := s.GetAll()
	if err != nil {
		return false, err
	}
	return statuses[Normalize(id)], nil
}

func (s *StatusStore) read() (map[string]bool, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, errors.WithMessage(err, "module: failed to read status file")
	}
	statuses := map[string]bool{}
	if err := json.Unmarshal(b, &statuses); err != nil {
		return nil, errors.WithMessage(err, "module: malformed status file")
	}
	return statuses, nil
}

// currentIdentifier resolves a stored key to the identifier the module's
// manifest currently declares. A key whose folder no longer exists, or
// whose manifest is gone, resolves to nothing and will be pruned.
func (s *StatusStore) currentIdentifier(key string) (string, bool) {
	d, err := ReadDescriptor(s.root, key)
	if err != nil {
		// A broken manifest is not grounds for forgetting the module's
		// enabled state; keep the normalized key as-is.
		log.WithField("module", key).WithField("error", err).Warn("failed to parse manifest while normalizing status entry")
		return Normalize(key), true
	}
	if d == nil {
		return "", false
	}
	return d.Identifier, true
}

// Identifiers returns the sorted set of tracked identifiers, mostly a
// convenience for stable iteration in logs and tests.
func (s *StatusStore) Identifiers() ([]string, error) {
	statuses, err := s.GetAll()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
