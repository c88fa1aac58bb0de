package coordinator

import (
	"fmt"

	"github.com/basket/taskcore/internal/config"
)

// LoadGraphsFromConfig converts configured graph templates into validated
// graphs keyed by name. When knownAgents is non-nil every node's agent must
// be in it.
func LoadGraphsFromConfig(configs []config.GraphConfig, knownAgents []string) (map[string]Graph, error) {
	graphs := make(map[string]Graph)
	var agentSet map[string]bool
	if knownAgents != nil {
		agentSet = make(map[string]bool, len(knownAgents))
		for _, a := range knownAgents {
			agentSet[a] = true
		}
	}

	for _, gc := range configs {
		if gc.Name == "" {
			return nil, fmt.Errorf("graph has empty name")
		}
		if _, exists := graphs[gc.Name]; exists {
			return nil, fmt.Errorf("duplicate graph name: %s", gc.Name)
		}

		g := Graph{
			ID:    gc.Name,
			Nodes: make([]Node, len(gc.Nodes)),
		}
		for i, nc := range gc.Nodes {
			if agentSet != nil && !agentSet[nc.Agent] {
				return nil, fmt.Errorf("graph %s node %s: %w %q", gc.Name, nc.ID, ErrUnknownAgent, nc.Agent)
			}
			g.Nodes[i] = Node{
				ID:        nc.ID,
				Agent:     nc.Agent,
				DependsOn: nc.DependsOn,
				Input:     nc.Input,
			}
		}

		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("graph %s: %w", gc.Name, err)
		}
		graphs[gc.Name] = g
	}

	return graphs, nil
}
