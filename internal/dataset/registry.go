package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/retail-pipeline/etl/schemas"
)

const schemaSuffix = ".schema.json"

var (
	// ErrSchemaLoadFailed is returned when a schema document is missing or does not compile.
	ErrSchemaLoadFailed = errors.New("schema load failed")
)

// Registry is the immutable set of descriptors, one per kind.
type Registry struct {
	descriptors map[Kind]*Descriptor
	kinds       []Kind
}

// SchemaFS returns the schema source: the directory dir when set, the embedded defaults otherwise.
func SchemaFS(dir string) fs.FS {
	if dir == "" {
		return schemas.FS
	}

	return os.DirFS(dir)
}

// NewRegistry compiles the schema of every kind from fsys, where each kind's schema
// is stored as <kind>.schema.json.
func NewRegistry(fsys fs.FS) (*Registry, error) {
	if fsys == nil {
		fsys = schemas.FS
	}

	r := &Registry{descriptors: make(map[Kind]*Descriptor)}

	for _, d := range builtin() {
		schema, err := compileSchema(fsys, string(d.Kind)+schemaSuffix)
		if err != nil {
			return nil, err
		}

		d.schema = schema
		r.descriptors[d.Kind] = d
		r.kinds = append(r.kinds, d.Kind)
	}

	return r, nil
}

// Get returns the descriptor of kind.
func (r *Registry) Get(kind Kind) (*Descriptor, error) {
	d, ok := r.descriptors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	return d, nil
}

// Kinds returns the registered kinds in registration order.
func (r *Registry) Kinds() []Kind {
	return slices.Clone(r.kinds)
}

func compileSchema(fsys fs.FS, name string) (*jsonschema.Schema, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSchemaLoadFailed, name, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	compiler.AssertFormat = true

	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSchemaLoadFailed, name, err)
	}

	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSchemaLoadFailed, name, err)
	}

	return schema, nil
}
