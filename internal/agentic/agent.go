package agentic

// CodeAgent returns an agent preset tuned for coding tasks. Tool
// dispositions (prompting before Bash, auto-allowing Write) now live in
// the policy engine rather than on the agent itself; this preset only
// carries sampling and prompt defaults, grounded on the teacher's
// session.CodeAgent.
func CodeAgent() *Agent {
	return &Agent{
		Name:        "code",
		Temperature: 0.3,
		TopP:        0.95,
		MaxSteps:    100,
		Prompt: `You are an expert software engineer helping with coding tasks.
Focus on writing clean, maintainable code. Follow best practices and existing conventions in the codebase.
When making changes, prefer minimal modifications and explain your reasoning.`,
	}
}

// PlanAgent returns an agent preset restricted to read/analysis tools.
// Write/Edit/Bash are disabled at the agent level (ToolEnabled) in
// addition to whatever the policy engine says, so a misconfigured
// policy file can't accidentally let a plan turn mutate the workspace.
func PlanAgent() *Agent {
	return &Agent{
		Name:        "plan",
		Temperature: 0.5,
		TopP:        1.0,
		MaxSteps:    20,
		Prompt: `You are a helpful assistant focused on planning and analysis.
Break down complex tasks into manageable steps and provide clear explanations.
Focus on understanding the problem before suggesting solutions.`,
		DisabledTools: []string{"Write", "edit", "bash"},
	}
}
