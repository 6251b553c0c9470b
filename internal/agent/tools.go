package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"baagent/internal/llm"
	"baagent/internal/memindex"
	"baagent/internal/sandbox"
	"baagent/internal/types"
)

// ToolFunc executes one tool call. Implementations never return Go
// errors; failures travel inside the result envelope.
type ToolFunc func(ctx context.Context, call types.ToolCall, sessionID string) *types.ToolExecutionResult

// Registry maps tool names to definitions and implementations.
type Registry struct {
	defs  map[string]llm.ToolDefinition
	funcs map[string]ToolFunc
	order []string
}

func NewRegistry() *Registry {
	return &Registry{
		defs:  make(map[string]llm.ToolDefinition),
		funcs: make(map[string]ToolFunc),
	}
}

// Register adds a tool. Re-registering a name replaces it.
func (r *Registry) Register(def llm.ToolDefinition, fn ToolFunc) {
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
	r.funcs[def.Name] = fn
}

// Definitions returns tool definitions, optionally restricted to the
// allowed subset (nil = all), in registration order.
func (r *Registry) Definitions(allowed []string) []llm.ToolDefinition {
	var filter map[string]bool
	if allowed != nil {
		filter = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			filter[name] = true
		}
	}
	var defs []llm.ToolDefinition
	for _, name := range r.order {
		if filter != nil && !filter[name] {
			continue
		}
		defs = append(defs, r.defs[name])
	}
	return defs
}

// Dispatch runs the named tool. Unknown tools produce a failed result
// the model can read, not an error.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall, sessionID string) *types.ToolExecutionResult {
	fn, ok := r.funcs[call.Name]
	if !ok {
		return &types.ToolExecutionResult{
			ToolCallID:  call.ID,
			ToolName:    call.Name,
			Success:     false,
			Observation: fmt.Sprintf("unknown tool %q", call.Name),
			ErrorKind:   types.KindBadInput,
			OutputLevel: types.OutputStandard,
		}
	}
	return fn(ctx, call, sessionID)
}

// objectSchema builds the JSON Schema envelope for tool parameters.
func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// searchMemoryTool queries the memory index.
func searchMemoryTool(index *memindex.Manager) (llm.ToolDefinition, ToolFunc) {
	def := llm.ToolDefinition{
		Name:        "search_memory",
		Description: "Search the assistant's long-term memory and indexed documents. Returns the most relevant excerpts with scores.",
		InputSchema: objectSchema(map[string]interface{}{
			"query":  map[string]interface{}{"type": "string", "description": "what to look for"},
			"k":      map[string]interface{}{"type": "integer", "description": "max results"},
			"source": map[string]interface{}{"type": "string", "description": "restrict to one source, e.g. memory or code"},
		}, "query"),
	}

	fn := func(ctx context.Context, call types.ToolCall, _ string) *types.ToolExecutionResult {
		start := time.Now()
		var args struct {
			Query  string `json:"query"`
			K      int    `json:"k"`
			Source string `json:"source"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return toolFailure(call, types.KindBadInput, "malformed arguments: "+err.Error(), start)
		}

		results, err := index.Search(ctx, memindex.Query{
			Text:         args.Query,
			K:            args.K,
			SourceFilter: args.Source,
			UseHybrid:    true,
		})
		if err != nil {
			return toolFailure(call, types.KindOf(err), err.Error(), start)
		}

		var b strings.Builder
		if len(results) == 0 {
			b.WriteString("no matches")
		}
		for i, r := range results {
			fmt.Fprintf(&b, "[%d] %s:%d-%d (score %.2f, source %s)\n%s\n",
				i+1, r.Chunk.Path, r.Chunk.StartLine, r.Chunk.EndLine, r.Score, r.Chunk.Source, r.Chunk.Text)
			if len(r.FileRefs) > 0 {
				fmt.Fprintf(&b, "refs: %s\n", strings.Join(r.FileRefs, ", "))
			}
		}
		return &types.ToolExecutionResult{
			ToolCallID:  call.ID,
			ToolName:    call.Name,
			Success:     true,
			Observation: b.String(),
			OutputLevel: types.OutputStandard,
			DurationMs:  time.Since(start).Milliseconds(),
		}
	}
	return def, fn
}

// executeCodeTool runs analysis code in the sandbox.
func executeCodeTool(exec *sandbox.Executor) (llm.ToolDefinition, ToolFunc) {
	def := llm.ToolDefinition{
		Name:        "execute_code",
		Description: "Run a short analysis script in an isolated sandbox. Imports are restricted to the configured allow-list; no file writes, no network.",
		InputSchema: objectSchema(map[string]interface{}{
			"code":         map[string]interface{}{"type": "string", "description": "the source to run"},
			"language":     map[string]interface{}{"type": "string", "description": "python (default) or go"},
			"output_level": map[string]interface{}{"type": "string", "description": "brief, standard or full"},
			"cache":        map[string]interface{}{"type": "string", "description": "no_cache or memoize_by_input"},
		}, "code"),
	}

	fn := func(ctx context.Context, call types.ToolCall, sessionID string) *types.ToolExecutionResult {
		var args struct {
			Code        string `json:"code"`
			Language    string `json:"language"`
			OutputLevel string `json:"output_level"`
			Cache       string `json:"cache"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return toolFailure(call, types.KindBadInput, "malformed arguments: "+err.Error(), time.Now())
		}
		return exec.ExecuteCode(ctx, args.Code, sandbox.Options{
			ToolCallID:  call.ID,
			SessionID:   sessionID,
			Language:    args.Language,
			OutputLevel: types.ParseOutputLevel(args.OutputLevel),
			Cache:       sandbox.CachePolicy(args.Cache),
		})
	}
	return def, fn
}

// executeCommandTool runs an allow-listed command in the sandbox.
func executeCommandTool(exec *sandbox.Executor) (llm.ToolDefinition, ToolFunc) {
	def := llm.ToolDefinition{
		Name:        "execute_command",
		Description: "Run an allow-listed shell command in an isolated sandbox and return its output.",
		InputSchema: objectSchema(map[string]interface{}{
			"command":      map[string]interface{}{"type": "string", "description": "the command line to run"},
			"output_level": map[string]interface{}{"type": "string", "description": "brief, standard or full"},
		}, "command"),
	}

	fn := func(ctx context.Context, call types.ToolCall, sessionID string) *types.ToolExecutionResult {
		var args struct {
			Command     string `json:"command"`
			OutputLevel string `json:"output_level"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return toolFailure(call, types.KindBadInput, "malformed arguments: "+err.Error(), time.Now())
		}
		return exec.ExecuteCommand(ctx, args.Command, sandbox.Options{
			ToolCallID:  call.ID,
			SessionID:   sessionID,
			OutputLevel: types.ParseOutputLevel(args.OutputLevel),
		})
	}
	return def, fn
}

func toolFailure(call types.ToolCall, kind types.ErrorKind, msg string, start time.Time) *types.ToolExecutionResult {
	return &types.ToolExecutionResult{
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		Success:     false,
		Observation: msg,
		ErrorKind:   kind,
		OutputLevel: types.OutputStandard,
		DurationMs:  time.Since(start).Milliseconds(),
	}
}

// shapeObservation trims a tool observation to the requested output
// level before it is fed back to the model.
func shapeObservation(observation string, level types.OutputLevel) string {
	limit := 0
	switch level {
	case types.OutputBrief:
		limit = 500
	case types.OutputStandard:
		limit = 4000
	case types.OutputFull:
		return observation
	default:
		limit = 4000
	}
	if len(observation) <= limit {
		return observation
	}
	return observation[:limit] + fmt.Sprintf("\n... truncated (%d bytes total)", len(observation))
}
