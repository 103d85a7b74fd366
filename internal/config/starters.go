package config

// StarterAgents returns default agent profiles for first-run setup.
// Generated into config.yaml only when no agents are configured, so a
// fresh install can schedule work immediately.
func StarterAgents() []AgentProfileEntry {
	return []AgentProfileEntry{
		{
			AgentID:            "worker-general",
			DisplayName:        "General Worker",
			Type:               "worker",
			Capabilities:       []string{"compute", "io"},
			Priority:           5,
			MaxConcurrentTasks: 4,
			Transport:          "inprocess",
		},
		{
			AgentID:            "worker-analysis",
			DisplayName:        "Analysis Worker",
			Type:               "analyst",
			Capabilities:       []string{"compute", "analysis"},
			Priority:           5,
			MaxConcurrentTasks: 2,
			Transport:          "inprocess",
		},
		{
			AgentID:            "worker-io",
			DisplayName:        "IO Worker",
			Type:               "worker",
			Capabilities:       []string{"io", "network"},
			Priority:           3,
			MaxConcurrentTasks: 8,
			Transport:          "inprocess",
		},
	}
}
