package prompt

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed templates/*.md
var defaultTemplates embed.FS

// Store holds parsed templates by id. It is populated at startup and read-only
// afterwards, so lookups need no synchronisation.
type Store struct {
	templates map[string]*Template
}

// NewStore returns a Store pre-loaded with the built-in templates.
func NewStore() (*Store, error) {
	s := &Store{templates: map[string]*Template{}}
	sub, err := fs.Sub(defaultTemplates, "templates")
	if err != nil {
		return nil, fmt.Errorf("prompt: built-in templates: %w", err)
	}
	if err := s.loadFS(sub); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadDir overlays templates from fsys onto the store. Files named <id>.md
// replace any built-in template with the same id. Call before serving; the
// store must not be mutated once the pipeline is running.
func (s *Store) LoadDir(fsys fs.FS) error {
	return s.loadFS(fsys)
}

// loadFS parses every *.md file at the root of fsys into the store.
func (s *Store) loadFS(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("prompt: read template dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return fmt.Errorf("prompt: read template %q: %w", e.Name(), err)
		}
		id := strings.TrimSuffix(path.Base(e.Name()), ".md")
		t, err := Parse(id, string(data))
		if err != nil {
			return err
		}
		s.templates[id] = t
	}
	return nil
}

// Get returns the template with the given id.
func (s *Store) Get(id string) (*Template, error) {
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("prompt: no template named %q (have: %s)", id, strings.Join(s.IDs(), ", "))
	}
	return t, nil
}

// IDs returns the sorted template ids in the store.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.templates))
	for id := range s.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
