package envelope

// AgentType names the kind of AI agent behind an agent-triggered event.
type AgentType string

const (
	AgentClaudeCode  AgentType = "claude-code"
	AgentClaudeChat  AgentType = "claude-chat"
	AgentGeminiCLI   AgentType = "gemini-cli"
	AgentGeminiCode  AgentType = "gemini-code"
	AgentLetta       AgentType = "letta"
	AgentAgno        AgentType = "agno"
	AgentSmolagent   AgentType = "smolagent"
	AgentAtomicAgent AgentType = "atomic-agent"
	AgentCustom      AgentType = "custom"
)

// CodeState is a git snapshot of the agent's working environment.
type CodeState struct {
	RepoURL        string `json:"repo_url,omitempty"`
	Branch         string `json:"branch,omitempty"`
	WorkingDiff    string `json:"working_diff,omitempty"`
	BranchDiff     string `json:"branch_diff,omitempty"`
	LastCommitHash string `json:"last_commit_hash,omitempty"`
}

// AgentContext describes the agent that triggered an event.
// It is passed through unchanged.
type AgentContext struct {
	Type           AgentType      `json:"type"`
	Name           string         `json:"name,omitempty"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	InstanceID     string         `json:"instance_id,omitempty"`
	MCPServers     []string       `json:"mcp_servers,omitempty"`
	FileReferences []string       `json:"file_references,omitempty"`
	URLReferences  []string       `json:"url_references,omitempty"`
	CodeState      *CodeState     `json:"code_state,omitempty"`
	CheckpointID   string         `json:"checkpoint_id,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}
