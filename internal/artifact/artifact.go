// Package artifact loads and validates versioned knowledge artifacts:
// the JSON files that carry capability rows, ontology overlays,
// contract overlays, and semantic catalog tables between the offline
// generation step and the runtime pipeline.
//
// Validation uses CUE schemas compiled once per process. Loads are
// cached by content hash, so repeated loads of an unchanged file are
// free; Clear drops the cache (tests and long-running processes that
// regenerate artifacts use it).
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"
)

// Kind identifies a knowledge artifact family and selects its schema.
type Kind string

const (
	KindCapability Kind = "capability_rows"
	KindOntology   Kind = "ontology_overlay"
	KindContract   Kind = "contract_overlay"
	KindCatalog    Kind = "semantic_catalog"
)

// schemas are CUE definitions the artifact payloads must satisfy.
// They constrain shape, not vocabulary; vocabulary lives in the
// ontology and contract layers.
var schemas = map[Kind]string{
	KindCapability: `
#Filter: {
	name:      string & !=""
	kind?:     string
	required?: bool
	...
}
#Row: {
	name:               string & !=""
	family?:            string
	confidence?:        number & >=0 & <=1
	stale?:             bool
	requirements_known?: bool
	supported_filters?: [...#Filter]
	metrics?: [...string]
	dimensions?: [...string]
	primary_dimension?: string
	domains?: [...string]
	time_modes?: [...string]
	ranking_ready?: bool
	...
}
{
	version: string & !=""
	rows: [...#Row]
	...
}
`,
	KindOntology: `
{
	version?: string
	...
}
`,
	KindContract: `
{
	spec_contract?: {...}
	clarification_contract?: {...}
	...
}
`,
	KindCatalog: `
#Join: {
	from_doctype: string & !=""
	to_doctype:   string & !=""
	fieldname?:   string
	join_type?:   string
	...
}
#Table: {
	doctype: string & !=""
	tokens?: [...string]
	field_names?: [...string]
	link_targets?: [...string]
	...
}
{
	schema_version: string & !=""
	catalog: {
		tables: [...#Table]
		joins?: [...#Join]
		capability_projection?: {...}
		...
	}
	...
}
`,
}

// ValidationError reports an artifact failing its schema.
type ValidationError struct {
	Kind    Kind
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("artifact %s (%s): %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("artifact %s: %s", e.Kind, e.Message)
}

// Validate checks raw JSON against the schema for kind.
func Validate(kind Kind, data []byte) error {
	schema, ok := schemas[kind]
	if !ok {
		return &ValidationError{Kind: kind, Message: "unknown artifact kind"}
	}
	ctx := cuecontext.New()
	schemaVal := ctx.CompileString(schema)
	if err := schemaVal.Err(); err != nil {
		return &ValidationError{Kind: kind, Message: fmt.Sprintf("schema compile: %v", err)}
	}
	expr, err := cuejson.Extract("artifact.json", data)
	if err != nil {
		return &ValidationError{Kind: kind, Message: fmt.Sprintf("parse: %v", err)}
	}
	dataVal := ctx.BuildExpr(expr)
	if err := dataVal.Err(); err != nil {
		return &ValidationError{Kind: kind, Message: fmt.Sprintf("build: %v", err)}
	}
	unified := schemaVal.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Kind: kind, Message: err.Error()}
	}
	return nil
}

type cacheEntry struct {
	hash string
	data []byte
}

// Loader reads and validates artifact files with content-hash caching.
// Safe for concurrent use.
type Loader struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewLoader returns an empty loader.
func NewLoader() *Loader {
	return &Loader{cache: make(map[string]cacheEntry)}
}

// Load reads path, validates it as kind, and returns the raw bytes.
// A file whose content hash matches the cached entry skips
// re-validation.
func (l *Loader) Load(kind Kind, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	l.mu.Lock()
	entry, hit := l.cache[path]
	l.mu.Unlock()
	if hit && entry.hash == hash {
		return entry.data, nil
	}

	if err := Validate(kind, data); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cacheEntry{hash: hash, data: data}
	l.mu.Unlock()
	return data, nil
}

// Clear drops all cached entries.
func (l *Loader) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cacheEntry)
}
