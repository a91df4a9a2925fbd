package recipe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"stagegraph.app/planner/internal/model"
)

var ErrUnknownStage = errors.New("no recipe for stage")

// Definition is the on-disk form of a stage recipe.
type Definition struct {
	StageSlug  string             `json:"stage_slug" yaml:"stage_slug"`
	RecipeName string             `json:"recipe_name,omitempty" yaml:"recipe_name,omitempty"`
	Steps      []model.RecipeStep `json:"steps" yaml:"steps" jsonschema:"minItems=1"`
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	errSchema      error
)

// definitionSchema reflects the JSON schema of Definition once and compiles it.
func definitionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		reflector := invopop.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		}
		raw, err := json.Marshal(reflector.Reflect(&Definition{}))
		if err != nil {
			errSchema = fmt.Errorf("marshaling recipe schema: %w", err)
			return
		}
		compiledSchema, errSchema = jsonschema.CompileString("recipe.schema.json", string(raw))
	})
	return compiledSchema, errSchema
}

// Parse validates a YAML recipe document against the reflected schema and
// decodes it.
func Parse(data []byte) (*Definition, error) {
	schema, err := definitionSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing YAML: %v", ErrMalformedRecipe, err)
	}

	// The schema validator expects JSON-shaped values.
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: converting to JSON: %v", ErrMalformedRecipe, err)
	}
	var jsonDoc any
	if err := json.Unmarshal(jsonData, &jsonDoc); err != nil {
		return nil, fmt.Errorf("%w: converting to JSON: %v", ErrMalformedRecipe, err)
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecipe, err)
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: decoding recipe: %v", ErrMalformedRecipe, err)
	}
	return &def, nil
}

// LoadFile reads and parses one recipe file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", path, err)
	}
	return def, nil
}

// Source yields the recipe graph for a stage.
type Source interface {
	ForStage(ctx context.Context, stageSlug string) (*Graph, error)
}

// Catalog holds the validated recipe graphs of every known stage. It is built
// once at startup and read-only afterwards.
type Catalog struct {
	graphs map[string]*Graph
}

// NewCatalog builds graphs from already-parsed definitions.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{graphs: make(map[string]*Graph, len(defs))}
	for _, def := range defs {
		if _, dup := c.graphs[def.StageSlug]; dup {
			return nil, fmt.Errorf("%w: duplicate recipe for stage %s", ErrMalformedRecipe, def.StageSlug)
		}
		g, err := NewGraph(def.StageSlug, def.Steps)
		if err != nil {
			return nil, err
		}
		c.graphs[def.StageSlug] = g
	}
	return c, nil
}

// LoadDir parses every *.yaml / *.yml file in dir into a catalog.
func LoadDir(ctx context.Context, dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading recipe dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	defs := make([]*Definition, 0, len(paths))
	for _, p := range paths {
		def, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		slog.DebugContext(ctx, "recipe loaded",
			"path", p,
			"stage_slug", def.StageSlug,
			"step_count", len(def.Steps))
		defs = append(defs, def)
	}

	return NewCatalog(defs...)
}

func (c *Catalog) ForStage(_ context.Context, stageSlug string) (*Graph, error) {
	g, ok := c.graphs[stageSlug]
	if !ok {
		return nil, fmt.Errorf("%w: %w %s", ErrMalformedRecipe, ErrUnknownStage, stageSlug)
	}
	return g, nil
}

// Stages lists the stage slugs with a recipe, sorted.
func (c *Catalog) Stages() []string {
	out := make([]string, 0, len(c.graphs))
	for slug := range c.graphs {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
