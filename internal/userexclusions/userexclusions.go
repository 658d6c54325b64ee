// Package userexclusions implements the persisted user-managed path and
// extension denylist consulted by the exclusion oracle.
package userexclusions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fileward/fileward/internal/pathutil"
)

// document is the on-disk shape of the exclusions file.
type document struct {
	Paths      []string `json:"paths"`
	Extensions []string `json:"extensions"`
}

// Store holds the in-memory set, persisted to a single JSON document via
// atomic write-then-rename.
type Store struct {
	path string

	mu         sync.RWMutex
	paths      map[string]bool
	extensions map[string]bool
}

// Load reads the store from path, creating an empty one if the file does
// not yet exist.
func Load(path string) (*Store, error) {
	s := &Store{
		path:       path,
		paths:      make(map[string]bool),
		extensions: make(map[string]bool),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for _, p := range doc.Paths {
		s.paths[pathutil.Normalize(p)] = true
	}
	for _, e := range doc.Extensions {
		s.extensions[normalizeExt(e)] = true
	}
	return s, nil
}

// AddPath adds p to the exclusion set. p must currently exist.
func (s *Store) AddPath(p string) error {
	if !pathutil.Exists(p) {
		return os.ErrNotExist
	}
	s.mu.Lock()
	s.paths[pathutil.Normalize(p)] = true
	s.mu.Unlock()
	return s.save()
}

// AddExtension adds ext (normalized to a leading-dot lowercase form) to the
// exclusion set.
func (s *Store) AddExtension(ext string) error {
	s.mu.Lock()
	s.extensions[normalizeExt(ext)] = true
	s.mu.Unlock()
	return s.save()
}

// IsExcluded reports whether path is covered by an excluded extension or an
// excluded path (exact match or nested under one).
func (s *Store) IsExcluded(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.extensions[pathutil.Ext(path)] {
		return true
	}
	for p := range s.paths {
		if pathutil.HasPrefixDir(path, p) {
			return true
		}
	}
	return false
}

// List returns a snapshot of the current paths and extensions.
func (s *Store) List() (paths, extensions []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.paths {
		paths = append(paths, p)
	}
	for e := range s.extensions {
		extensions = append(extensions, e)
	}
	return paths, extensions
}

func (s *Store) save() error {
	s.mu.RLock()
	doc := document{}
	for p := range s.paths {
		doc.Paths = append(doc.Paths, p)
	}
	for e := range s.extensions {
		doc.Extensions = append(doc.Extensions, e)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".user_exclusions-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
