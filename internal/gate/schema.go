package gate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolSchemas holds compiled parameter schemas keyed by tool name. Tools
// without a schema accept any parameters.
type ToolSchemas struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewToolSchemas() *ToolSchemas {
	return &ToolSchemas{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schema for tool, replacing any previous one.
func (s *ToolSchemas) Register(tool, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://trust.schemas.local/tools/%s.schema.json", tool)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("tool schema %s: %w", tool, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("tool schema %s: %w", tool, err)
	}
	s.mu.Lock()
	s.schemas[tool] = compiled
	s.mu.Unlock()
	return nil
}

func (s *ToolSchemas) Validate(tool string, params map[string]any) error {
	s.mu.RLock()
	schema, ok := s.schemas[tool]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if params == nil {
		return refuse(CodeInvalidParams, ErrInvalidParams, "", "missing parameters for "+tool)
	}
	if err := schema.Validate(params); err != nil {
		return refuse(CodeInvalidParams, ErrInvalidParams, "", err.Error())
	}
	return nil
}
