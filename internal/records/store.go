// Package records loads the grouped and disconnected entry collections
// produced by the upstream integration pipeline into a read-only store.
package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/model"
)

// LoadError reports unusable input data. It is fatal for a run.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := "records: load " + e.Path + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// Store is an immutable view over loaded entries, groups and disconnected
// sets. All methods are safe for concurrent use.
type Store struct {
	entries      map[string]model.Entry
	groups       []model.Group
	disconnected []model.DisconnectedSet
	groupsOf     map[string][]int
}

type groupedRecord struct {
	Instances []model.Instance `json:"instances"`
}

type disconnectedRecord struct {
	Disconnected []json.RawMessage `json:"disconnected"`
	Remaining    []json.RawMessage `json:"remaining"`
}

// Load reads the grouped and disconnected entry files. The disconnected path
// may be empty when only groups are available.
func Load(groupedPath, disconnectedPath string) (*Store, error) {
	s := &Store{
		entries:  make(map[string]model.Entry),
		groupsOf: make(map[string][]int),
	}
	if err := s.loadGrouped(groupedPath); err != nil {
		return nil, err
	}
	if disconnectedPath != "" {
		if err := s.loadDisconnected(disconnectedPath); err != nil {
			return nil, err
		}
	}

	zap.L().Info("records loaded",
		zap.Int("entries", len(s.entries)),
		zap.Int("groups", len(s.groups)),
		zap.Int("disconnected_sets", len(s.disconnected)),
	)
	return s, nil
}

func readObject(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &LoadError{Path: path, Reason: "read file", Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(out); err != nil {
		return &LoadError{Path: path, Reason: "malformed json", Err: err}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &LoadError{Path: path, Reason: "trailing data after the top-level object", Err: err}
	}
	return nil
}

// sortedKeys keeps group order independent of map iteration.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) loadGrouped(path string) error {
	var raw map[string]groupedRecord
	if err := readObject(path, &raw); err != nil {
		return err
	}

	for _, key := range sortedKeys(raw) {
		rec := raw[key]
		if len(rec.Instances) == 0 {
			return &LoadError{Path: path, Reason: fmt.Sprintf("group %q is empty", key)}
		}
		g := model.Group{ID: key}
		seen := make(map[string]bool, len(rec.Instances))
		for _, in := range rec.Instances {
			e, err := s.addInstance(path, in)
			if err != nil {
				return err
			}
			if seen[e.ID] {
				return &LoadError{Path: path, Reason: fmt.Sprintf("group %q lists entry %q twice", key, e.ID)}
			}
			seen[e.ID] = true
			g.Members = append(g.Members, e.ID)
		}
		idx := len(s.groups)
		s.groups = append(s.groups, g)
		for _, id := range g.Members {
			s.groupsOf[id] = append(s.groupsOf[id], idx)
		}
	}
	return nil
}

func (s *Store) loadDisconnected(path string) error {
	var raw map[string]disconnectedRecord
	if err := readObject(path, &raw); err != nil {
		return err
	}

	for _, key := range sortedKeys(raw) {
		rec := raw[key]
		set := model.DisconnectedSet{ID: key}
		seen := make(map[string]bool)
		for _, item := range append(append([]json.RawMessage{}, rec.Disconnected...), rec.Remaining...) {
			id, err := s.resolveItem(path, item)
			if err != nil {
				return err
			}
			if seen[id] {
				return &LoadError{Path: path, Reason: fmt.Sprintf("disconnected set %q lists entry %q twice", key, id)}
			}
			seen[id] = true
			set.Members = append(set.Members, id)
		}
		if len(set.Members) == 0 {
			zap.L().Warn("records: skipping empty disconnected set", zap.String("set", key))
			continue
		}
		s.disconnected = append(s.disconnected, set)
	}
	return nil
}

// resolveItem accepts either a bare entry id or a full instance object.
func (s *Store) resolveItem(path string, item json.RawMessage) (string, error) {
	item = bytes.TrimSpace(item)
	if len(item) > 0 && item[0] == '"' {
		var id string
		if err := json.Unmarshal(item, &id); err != nil {
			return "", &LoadError{Path: path, Reason: "malformed entry id", Err: err}
		}
		id = strings.TrimSpace(id)
		if _, ok := s.entries[id]; !ok {
			return "", &LoadError{Path: path, Reason: fmt.Sprintf("unknown entry %q", id)}
		}
		return id, nil
	}
	var in model.Instance
	if err := json.Unmarshal(item, &in); err != nil {
		return "", &LoadError{Path: path, Reason: "malformed instance", Err: err}
	}
	e, err := s.addInstance(path, in)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// addInstance registers an entry, rejecting an id that is already known with
// different field values.
func (s *Store) addInstance(path string, in model.Instance) (model.Entry, error) {
	e, err := model.DecodeInstance(in)
	if err != nil {
		return model.Entry{}, &LoadError{Path: path, Reason: fmt.Sprintf("decode entry %q", in.ID), Err: err}
	}
	if e.ID == "" {
		return model.Entry{}, &LoadError{Path: path, Reason: "entry without _id"}
	}
	if prev, ok := s.entries[e.ID]; ok {
		if !prev.Equal(e) {
			return model.Entry{}, &LoadError{Path: path, Reason: fmt.Sprintf("entry %q collides with conflicting field values", e.ID)}
		}
		return prev, nil
	}
	s.entries[e.ID] = e
	return e, nil
}

// Lookup returns the entry with the given id.
func (s *Store) Lookup(id string) (model.Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of distinct entries.
func (s *Store) Len() int { return len(s.entries) }

// Groups returns the groups in stable (key) order. Callers must not modify
// the returned slice.
func (s *Store) Groups() []model.Group { return s.groups }

// DisconnectedSets returns the disconnected sets in stable (key) order.
func (s *Store) DisconnectedSets() []model.DisconnectedSet { return s.disconnected }

// GroupsOf returns the ids of the groups containing the entry.
func (s *Store) GroupsOf(id string) []string {
	idx := s.groupsOf[id]
	out := make([]string, len(idx))
	for i, g := range idx {
		out[i] = s.groups[g].ID
	}
	return out
}

// SameGroup reports whether both entries belong to at least one common group.
func (s *Store) SameGroup(a, b string) bool {
	for _, ga := range s.groupsOf[a] {
		for _, gb := range s.groupsOf[b] {
			if ga == gb {
				return true
			}
		}
	}
	return false
}
