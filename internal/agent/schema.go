package agent

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/JakeFAU/regwatch/internal/idgen"
)

// schemaCache compiles each distinct schema document once.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) get(doc string) (*jsonschema.Schema, error) {
	key := idgen.ContentHash([]byte(doc))
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[key]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "https://regwatch.local/schemas/" + key + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, eris.Wrap(err, "load schema")
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, eris.Wrap(err, "compile schema")
	}
	c.compiled[key] = s
	return s, nil
}

// validate checks raw JSON against doc. An empty doc accepts anything.
func (c *schemaCache) validate(doc string, raw []byte) error {
	if doc == "" {
		return nil
	}
	s, err := c.get(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return eris.Wrap(err, "decode json")
	}
	return s.Validate(v)
}
