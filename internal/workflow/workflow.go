// Package workflow loads agent workflows from YAML and compiles them into
// dependency graphs.
package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrNoNodes is returned for a workflow without nodes.
var ErrNoNodes = errors.New("workflow has no nodes")

// File is a workflow definition as written in YAML.
type File struct {
	// Name identifies the workflow in run history.
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Budget is the run's token ceiling. Zero defers to configuration.
	Budget int64 `yaml:"budget,omitempty"`
	// MaxParallel caps concurrently running nodes. Zero defers to configuration.
	MaxParallel int `yaml:"max_parallel,omitempty"`
	// Defaults fill in fields a node leaves empty.
	Defaults Defaults `yaml:"defaults,omitempty"`
	Nodes    []Node   `yaml:"nodes"`
}

// Defaults are applied to every node and variant that leaves a field empty.
type Defaults struct {
	Model        string      `yaml:"model,omitempty"`
	Tier         models.Tier `yaml:"tier,omitempty"`
	Instructions string      `yaml:"instructions,omitempty"`
	Tools        []string    `yaml:"tools,omitempty"`
	MaxTokens    int64       `yaml:"max_tokens,omitempty"`
}

// Node is one workflow step. A node with variants becomes a fork.
type Node struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name,omitempty"`
	Model        string            `yaml:"model,omitempty"`
	Tier         models.Tier       `yaml:"tier,omitempty"`
	Instructions string            `yaml:"instructions,omitempty"`
	Prompt       string            `yaml:"prompt,omitempty"`
	Tools        []string          `yaml:"tools,omitempty"`
	MaxTokens    int64             `yaml:"max_tokens,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
	DependsOn    []string          `yaml:"depends_on,omitempty"`
	Variants     []Variant         `yaml:"variants,omitempty"`
}

// Variant overrides fields of its node for one fork alternative.
type Variant struct {
	Name         string            `yaml:"name,omitempty"`
	Model        string            `yaml:"model,omitempty"`
	Tier         models.Tier       `yaml:"tier,omitempty"`
	Instructions string            `yaml:"instructions,omitempty"`
	Prompt       string            `yaml:"prompt,omitempty"`
	Tools        []string          `yaml:"tools,omitempty"`
	MaxTokens    int64             `yaml:"max_tokens,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

// Load reads and parses a workflow file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a workflow. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoNodes
		}
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if len(f.Nodes) == 0 {
		return nil, ErrNoNodes
	}
	for i, n := range f.Nodes {
		if n.Tier != "" && !n.Tier.Valid() {
			return nil, fmt.Errorf("node %d (%s): unknown tier %q", i, n.ID, n.Tier)
		}
		for _, v := range n.Variants {
			if v.Tier != "" && !v.Tier.Valid() {
				return nil, fmt.Errorf("node %s: variant has unknown tier %q", n.ID, v.Tier)
			}
		}
	}
	if f.Defaults.Tier != "" && !f.Defaults.Tier.Valid() {
		return nil, fmt.Errorf("defaults: unknown tier %q", f.Defaults.Tier)
	}
	return &f, nil
}

// Specs returns the agent specs for node n: one for a plain node, one per
// variant for a fork.
func (f *File) Specs(n Node) []models.AgentSpec {
	base := models.AgentSpec{
		Name:         n.Name,
		Model:        firstNonEmpty(n.Model, f.Defaults.Model),
		Tier:         models.Tier(firstNonEmpty(string(n.Tier), string(f.Defaults.Tier))),
		Instructions: firstNonEmpty(n.Instructions, f.Defaults.Instructions),
		Prompt:       n.Prompt,
		Tools:        n.Tools,
		MaxTokens:    n.MaxTokens,
		Metadata:     n.Metadata,
	}
	if base.Tools == nil {
		base.Tools = f.Defaults.Tools
	}
	if base.MaxTokens == 0 {
		base.MaxTokens = f.Defaults.MaxTokens
	}
	if base.Name == "" {
		base.Name = n.ID
	}
	base.Tools = append([]string(nil), base.Tools...)

	if len(n.Variants) == 0 {
		return []models.AgentSpec{base}
	}

	specs := make([]models.AgentSpec, 0, len(n.Variants))
	for i, v := range n.Variants {
		s := base
		s.Name = firstNonEmpty(v.Name, fmt.Sprintf("%s#%d", base.Name, i))
		if v.Model != "" || v.Tier != "" {
			s.Model, s.Tier = v.Model, v.Tier
		}
		s.Instructions = firstNonEmpty(v.Instructions, s.Instructions)
		s.Prompt = firstNonEmpty(v.Prompt, s.Prompt)
		if v.Tools != nil {
			s.Tools = append([]string(nil), v.Tools...)
		}
		if v.MaxTokens > 0 {
			s.MaxTokens = v.MaxTokens
		}
		s.Metadata = mergeMetadata(base.Metadata, v.Metadata)
		specs = append(specs, s)
	}
	return specs
}

// Build compiles the workflow into a validated graph.
func (f *File) Build() (*graph.Graph, error) {
	b := graph.NewBuilder()
	for _, n := range f.Nodes {
		specs := f.Specs(n)
		var err error
		if len(n.Variants) > 0 {
			err = b.AddFork(n.ID, specs, n.DependsOn...)
		} else {
			err = b.AddNode(n.ID, specs[0], n.DependsOn...)
		}
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", f.Name, err)
		}
	}
	g, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", f.Name, err)
	}
	return g, nil
}

// Compile loads path and builds its graph.
func Compile(path string) (*File, *graph.Graph, error) {
	f, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	g, err := f.Build()
	if err != nil {
		return nil, nil, err
	}
	return f, g, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeMetadata(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
