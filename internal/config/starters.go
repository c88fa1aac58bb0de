package config

// StarterAgents are written into a fresh config.yaml. They expose the
// builtin memory tools as graph agents.
func StarterAgents() []AgentConfig {
	return []AgentConfig{
		{Name: "recall", Description: "Reads notes from session memory.", Tool: "memory.read", Risk: "low"},
		{Name: "remember", Description: "Stores a note in session memory.", Tool: "memory.write", Risk: "medium"},
	}
}

// StarterGraphs are the graph templates of a fresh config.yaml.
func StarterGraphs() []GraphConfig {
	return []GraphConfig{
		{
			Name: "note-and-recall",
			Nodes: []GraphNodeConfig{
				{ID: "store", Agent: "remember", Input: map[string]any{"namespace": "notes", "key": "latest", "value": "pending"}},
				{ID: "load", Agent: "recall", DependsOn: []string{"store"}, Input: map[string]any{"namespace": "notes"}},
			},
		},
	}
}

func starterConfig() Config {
	cfg := defaultConfig()
	cfg.Agents = StarterAgents()
	cfg.Graphs = StarterGraphs()
	return cfg
}
