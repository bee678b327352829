package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-ecf/pkg/xmlsec"
)

// ErrSchemaNotFound is returned when no XSD exists for a schema ID.
var ErrSchemaNotFound = errors.New("schema not found")

// Violation is a single schema constraint failure.
type Violation struct {
	Line    int    `json:"line,omitempty"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Line > 0 {
		return fmt.Sprintf("line %d: %s: %s", v.Line, v.Path, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// ValidationError lists every violation found in a document.
type ValidationError struct {
	Schema     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("schema %s: %d violation(s): %s", e.Schema, len(e.Violations), strings.Join(parts, "; "))
}

// Registry loads and caches compiled schemas by ID. Schemas are read
// lazily from {dir}/{id}.xsd unless registered explicitly.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	schemas map[string]*Schema
}

// NewRegistry creates a registry reading XSD files from dir
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:     dir,
		logger:  logger.With("component", "schema"),
		schemas: make(map[string]*Schema),
	}
}

// Register compiles xsd and stores it under id, replacing any previous schema.
func (r *Registry) Register(id string, xsd []byte) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xsd); err != nil {
		return fmt.Errorf("parsing schema %s: %w", id, err)
	}
	s, err := compile(doc, r.logger.With("schema_id", id))
	if err != nil {
		return fmt.Errorf("compiling schema %s: %w", id, err)
	}

	r.mu.Lock()
	r.schemas[id] = s
	r.mu.Unlock()
	return nil
}

// Schema returns the compiled schema for id, loading it on first use.
func (r *Registry) Schema(id string) (*Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.schemas[id]; ok {
		return s, nil
	}

	if id == "" || filepath.Base(id) != id || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("%w: invalid schema id %q", ErrSchemaNotFound, id)
	}
	if r.dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, id)
	}

	path := filepath.Join(r.dir, id+".xsd")
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, id)
		}
		return nil, fmt.Errorf("reading schema %s: %w", id, err)
	}

	s, err := compile(doc, r.logger.With("schema_id", id))
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", id, err)
	}
	r.schemas[id] = s
	r.logger.Debug("schema loaded", "schema_id", id, "path", path)
	return s, nil
}

// Validate checks doc against the schema registered as schemaID. Schema
// violations are returned as *ValidationError; problems loading the
// schema itself are returned as ordinary errors.
func (r *Registry) Validate(doc *xmlsec.Document, schemaID string) error {
	s, err := r.Schema(schemaID)
	if err != nil {
		return err
	}
	if violations := s.Validate(doc); len(violations) > 0 {
		return &ValidationError{Schema: schemaID, Violations: violations}
	}
	return nil
}
