package coordinator

import (
	"fmt"
)

// Graph is a DAG of nodes. Each node names the agent that runs it.
type Graph struct {
	ID    string `json:"id" yaml:"id"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
}

// Node is a single vertex of a Graph.
type Node struct {
	ID        string         `json:"id" yaml:"id"`
	Agent     string         `json:"agent" yaml:"agent"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	Input     map[string]any `json:"input,omitempty" yaml:"input"`
}

// Validate checks that the graph is well-formed: unique non-empty ids,
// resolvable dependencies and no cycles.
func (g Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}

	seen := make(map[string]bool)
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node has empty ID")
		}
		if n.Agent == "" {
			return fmt.Errorf("node %s has empty agent", n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node ID: %s", n.ID)
		}
		seen[n.ID] = true
	}

	_, err := topoSort(g.Nodes)
	return err
}

// TopoOrder returns node ids in a deterministic topological order: nodes are
// grouped into waves by dependency depth and kept in declaration order
// within a wave.
func (g Graph) TopoOrder() ([]string, error) {
	waves, err := topoSort(g.Nodes)
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(g.Nodes))
	for _, wave := range waves {
		for _, n := range wave {
			order = append(order, n.ID)
		}
	}
	return order, nil
}

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	out := Graph{ID: g.ID, Nodes: make([]Node, len(g.Nodes))}
	for i, n := range g.Nodes {
		cp := n
		cp.DependsOn = append([]string(nil), n.DependsOn...)
		if n.Input != nil {
			cp.Input = make(map[string]any, len(n.Input))
			for k, v := range n.Input {
				cp.Input[k] = v
			}
		}
		out.Nodes[i] = cp
	}
	return out
}

// topoSort groups nodes into waves. Nodes with no dependencies form wave 0,
// nodes depending only on wave 0 form wave 1, and so on.
func topoSort(nodes []Node) ([][]Node, error) {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, exists := byID[dep]; !exists {
				return nil, fmt.Errorf("node %s depends on nonexistent node %s", n.ID, dep)
			}
		}
	}

	// Kahn's algorithm.
	var waves [][]Node
	processed := make(map[string]bool)

	for len(processed) < len(nodes) {
		var wave []Node
		for _, n := range nodes {
			if processed[n.ID] {
				continue
			}
			ready := true
			for _, dep := range n.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, n)
			}
		}

		if len(wave) == 0 {
			return nil, fmt.Errorf("cycle detected in graph dependencies")
		}
		waves = append(waves, wave)
		for _, n := range wave {
			processed[n.ID] = true
		}
	}

	return waves, nil
}
