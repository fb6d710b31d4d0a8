package workflow

// DefaultWorkflows returns the built-in workflows.
func DefaultWorkflows() []*Definition {
	return []*Definition{
		{
			Name: "standard",
			Stages: []StageDefinition{
				{Name: "plan", Agent: "planner"},
				{Name: "design", Agent: "architect", DependsOn: []string{"plan"}},
				{Name: "implement", Agent: "coder", DependsOn: []string{"design"}},
				{Name: "test", Agent: "tester", DependsOn: []string{"design"}},
			},
		},
		{
			Name: "review",
			Stages: []StageDefinition{
				{Name: "implement", Agent: "coder"},
				{Name: "review", Agent: "reviewer", DependsOn: []string{"implement"}},
				{Name: "test", Agent: "tester", DependsOn: []string{"implement"}},
				{Name: "finalize", Agent: "coder", DependsOn: []string{"review", "test"}},
			},
		},
	}
}
