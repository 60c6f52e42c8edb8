package embedded

import (
	_ "embed"
)

// Embed all prompt data files
//
//go:embed data/prompts/agent_system_prompt.txt
var AgentSystemPromptTxt []byte

//go:embed data/prompts/ideation_system_prompt.txt
var IdeationSystemPromptTxt []byte

//go:embed data/prompts/review_system_prompt.txt
var ReviewSystemPromptTxt []byte
