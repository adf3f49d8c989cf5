package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validate checks node ids are unique, edges reference known nodes and the
// graph has no cycles.
func (d Definition) Validate() error {
	_, err := d.Order()
	return err
}

// Order returns the nodes in topological order. Ties keep declaration order.
func (d Definition) Order() ([]Node, error) {
	index := make(map[string]int, len(d.Nodes))
	for i, n := range d.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return nil, fmt.Errorf("node %d: id is empty", i)
		}
		if _, dup := index[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		index[n.ID] = i
	}

	indegree := make([]int, len(d.Nodes))
	next := make([][]int, len(d.Nodes))
	for _, e := range d.Edges {
		src, ok := index[e.Source]
		if !ok {
			return nil, fmt.Errorf("edge %s: unknown source %q", e.ID, e.Source)
		}
		dst, ok := index[e.Target]
		if !ok {
			return nil, fmt.Errorf("edge %s: unknown target %q", e.ID, e.Target)
		}
		next[src] = append(next[src], dst)
		indegree[dst]++
	}

	order := make([]Node, 0, len(d.Nodes))
	ready := make([]int, 0, len(d.Nodes))
	for i := range d.Nodes {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, d.Nodes[i])
		for _, j := range next[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(order) != len(d.Nodes) {
		return nil, fmt.Errorf("workflow graph has a cycle")
	}
	return order, nil
}

// Upstream returns the ids of nodes with an edge into id.
func (d Definition) Upstream(id string) []string {
	var out []string
	for _, e := range d.Edges {
		if e.Target == id {
			out = append(out, e.Source)
		}
	}
	return out
}

type fileNode struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	Data any    `yaml:"data"`
}

type fileWorkflow struct {
	ID       string     `yaml:"id"`
	Name     string     `yaml:"name"`
	Disabled bool       `yaml:"disabled"`
	Nodes    []fileNode `yaml:"nodes"`
	Edges    []Edge     `yaml:"edges"`
}

// Parse decodes a workflow document (YAML or JSON) and validates its graph.
func Parse(data []byte) (*Workflow, error) {
	var f fileWorkflow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if strings.TrimSpace(f.ID) == "" {
		return nil, fmt.Errorf("workflow id is required")
	}

	wf := &Workflow{
		ID:         f.ID,
		Name:       f.Name,
		IsDisabled: f.Disabled,
		Definition: Definition{Nodes: make([]Node, 0, len(f.Nodes)), Edges: f.Edges},
	}
	if wf.Definition.Edges == nil {
		wf.Definition.Edges = []Edge{}
	}
	for _, n := range f.Nodes {
		node := Node{ID: n.ID, Type: n.Type}
		if n.Data != nil {
			raw, err := json.Marshal(n.Data)
			if err != nil {
				return nil, fmt.Errorf("node %s: encode data: %w", n.ID, err)
			}
			node.Data = raw
		}
		wf.Definition.Nodes = append(wf.Definition.Nodes, node)
	}
	if err := wf.Definition.Validate(); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
	}
	return wf, nil
}

// ParseFile reads and parses a workflow document from disk.
func ParseFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(data)
}
