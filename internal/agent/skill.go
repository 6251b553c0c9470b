package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"baagent/internal/llm"
	"baagent/internal/types"
)

// Skill is a registered unit of specialised behaviour the model may
// activate mid-turn. Activation injects messages into the conversation
// and optionally narrows the turn's context.
type Skill struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Messages    []SkillMessage    `json:"messages"`
	Modifier    *ContextModifier  `json:"modifier,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SkillMessage is one message a skill injects, at a visibility.
type SkillMessage struct {
	Role       types.Role       `json:"role"`
	Content    string           `json:"content"`
	Visibility types.Visibility `json:"visibility"`
}

// ContextModifier narrows the rest of the turn after activation.
type ContextModifier struct {
	AllowedTools  []string `json:"allowed_tools,omitempty"` // nil = unchanged
	ModelOverride string   `json:"model_override,omitempty"`
	DisableModel  bool     `json:"disable_model,omitempty"`
}

// skillActivation is the structured record the activate_skill tool
// returns through the observation channel; the loop parses and applies
// it before the next model call.
type skillActivation struct {
	Skill    string           `json:"skill"`
	Messages []SkillMessage   `json:"messages"`
	Modifier *ContextModifier `json:"modifier,omitempty"`
}

// activateSkillTool looks up a registered skill and emits its
// activation record.
func (a *Agent) activateSkillTool() (llm.ToolDefinition, ToolFunc) {
	def := llm.ToolDefinition{
		Name:        "activate_skill",
		Description: "Activate a registered skill by name. The skill injects specialised instructions and may restrict the available tools for the rest of the turn.",
		InputSchema: objectSchema(map[string]interface{}{
			"name": map[string]interface{}{"type": "string", "description": "skill to activate"},
		}, "name"),
	}

	fn := func(_ context.Context, call types.ToolCall, _ string) *types.ToolExecutionResult {
		start := time.Now()
		var args struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return toolFailure(call, types.KindBadInput, "malformed arguments: "+err.Error(), start)
		}

		a.mu.RLock()
		skill, ok := a.skills[args.Name]
		a.mu.RUnlock()
		if !ok {
			return toolFailure(call, types.KindNotFound,
				fmt.Sprintf("skill %q is not registered", args.Name), start)
		}

		record, err := json.Marshal(skillActivation{
			Skill:    skill.Name,
			Messages: skill.Messages,
			Modifier: skill.Modifier,
		})
		if err != nil {
			return toolFailure(call, types.KindInternal, "encode activation: "+err.Error(), start)
		}
		return &types.ToolExecutionResult{
			ToolCallID:  call.ID,
			ToolName:    call.Name,
			Success:     true,
			Observation: string(record),
			OutputLevel: types.OutputFull,
			DurationMs:  time.Since(start).Milliseconds(),
		}
	}
	return def, fn
}

// parseActivation decodes an activate_skill observation. Returns nil
// when the payload is not a valid activation record.
func parseActivation(observation string) *skillActivation {
	var act skillActivation
	if err := json.Unmarshal([]byte(observation), &act); err != nil {
		return nil
	}
	if act.Skill == "" {
		return nil
	}
	return &act
}
