// Package agent drives the conversational loop: per-turn ReAct
// tool chaining against the model, conversation state, skill
// activation, and the silent post-turn memory flush.
package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"baagent/internal/compactor"
	"baagent/internal/filestore"
	"baagent/internal/llm"
	"baagent/internal/logging"
	"baagent/internal/memindex"
	"baagent/internal/sandbox"
	"baagent/internal/types"
)

const defaultSystemPrompt = `You are a business-analysis assistant. Ground answers in retrieved
memory and tool output; say so when you do not know. Use search_memory
before answering questions about prior work. Keep replies concise.`

// maxToolRounds bounds the tool-call chain within one turn.
const maxToolRounds = 8

// Conversation is the in-memory state for one conversation id. Exactly
// one turn runs at a time per conversation; the mutex is held for the
// whole turn.
type Conversation struct {
	ID string

	mu                      sync.Mutex
	Messages                []types.Message
	SessionTokens           int
	CompactionCount         int
	LastCompactionTokenMark int
	CreatedAt               time.Time
}

// TurnResult is what one user turn returns to the transport.
type TurnResult struct {
	ConversationID string
	Response       string
	TokensUsed     int
	SessionTokens  int
	Duration       time.Duration
}

// Deps wires the agent's collaborators. Index and Executor may be nil;
// the corresponding tools are then not registered.
type Deps struct {
	Client       llm.Client
	Index        *memindex.Manager
	Executor     *sandbox.Executor
	Compactor    *compactor.Compactor
	Store        *filestore.Store // nil disables conversation checkpoints
	SystemPrompt string
}

// Agent owns the conversation map and the tool registry.
type Agent struct {
	client   llm.Client
	registry *Registry
	compact  *compactor.Compactor
	store    *filestore.Store
	system   string
	log      *logging.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation
	skills        map[string]*Skill
}

// New builds an agent and registers the built-in tools.
func New(deps Deps) *Agent {
	system := deps.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	a := &Agent{
		client:        deps.Client,
		registry:      NewRegistry(),
		compact:       deps.Compactor,
		store:         deps.Store,
		system:        system,
		log:           logging.Get(logging.CategoryAgent),
		conversations: make(map[string]*Conversation),
		skills:        make(map[string]*Skill),
	}

	if deps.Index != nil {
		a.registry.Register(searchMemoryTool(deps.Index))
	}
	if deps.Executor != nil {
		a.registry.Register(executeCodeTool(deps.Executor))
		a.registry.Register(executeCommandTool(deps.Executor))
	}
	a.registry.Register(a.activateSkillTool())
	return a
}

// RegisterTool adds an externally-defined tool.
func (a *Agent) RegisterTool(def llm.ToolDefinition, fn ToolFunc) {
	a.registry.Register(def, fn)
}

// RegisterSkill makes a skill available to activate_skill.
func (a *Agent) RegisterSkill(s Skill) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skills[s.Name] = &s
}

// conversation returns (creating if needed) the state for id. An empty
// id allocates a fresh conversation.
func (a *Agent) conversation(id string) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	conv, ok := a.conversations[id]
	if !ok {
		conv = &Conversation{ID: id, CreatedAt: time.Now()}
		a.hydrate(conv)
		a.conversations[id] = conv
	}
	return conv
}

// conversationCheckpoint is the persisted shape of a conversation.
type conversationCheckpoint struct {
	Messages                []types.Message `json:"messages"`
	SessionTokens           int             `json:"session_tokens"`
	CompactionCount         int             `json:"compaction_count"`
	LastCompactionTokenMark int             `json:"last_compaction_token_mark"`
	CreatedAt               time.Time       `json:"created_at"`
}

// hydrate restores a conversation from its checkpoint, if one exists.
func (a *Agent) hydrate(conv *Conversation) {
	if a.store == nil {
		return
	}
	var st conversationCheckpoint
	err := a.store.LoadCheckpoint(context.Background(), conv.ID, "conversation", &st)
	if err != nil {
		if types.KindOf(err) != types.KindNotFound {
			a.log.Warn("%s: checkpoint load failed: %v", conv.ID, err)
		}
		return
	}
	conv.Messages = st.Messages
	conv.SessionTokens = st.SessionTokens
	conv.CompactionCount = st.CompactionCount
	conv.LastCompactionTokenMark = st.LastCompactionTokenMark
	if !st.CreatedAt.IsZero() {
		conv.CreatedAt = st.CreatedAt
	}
	a.log.Info("%s: restored %d message(s) from checkpoint", conv.ID, len(conv.Messages))
}

// persist checkpoints a conversation after a turn. Best effort; a failed
// save only loses restart durability. Callers hold conv.mu.
func (a *Agent) persist(ctx context.Context, conv *Conversation) {
	if a.store == nil {
		return
	}
	st := conversationCheckpoint{
		Messages:                conv.Messages,
		SessionTokens:           conv.SessionTokens,
		CompactionCount:         conv.CompactionCount,
		LastCompactionTokenMark: conv.LastCompactionTokenMark,
		CreatedAt:               conv.CreatedAt,
	}
	if err := a.store.SaveCheckpoint(ctx, conv.ID, "conversation", st); err != nil {
		a.log.Warn("%s: checkpoint save failed: %v", conv.ID, err)
	}
}

// Snapshot returns a copy of a conversation's transcript, or nil for
// an unknown id.
func (a *Agent) Snapshot(id string) []types.Message {
	a.mu.RLock()
	conv, ok := a.conversations[id]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	out := make([]types.Message, len(conv.Messages))
	copy(out, conv.Messages)
	return out
}

// ConversationStats exposes a conversation's token accounting.
type ConversationStats struct {
	ConversationID          string    `json:"conversation_id"`
	Messages                int       `json:"messages"`
	SessionTokens           int       `json:"session_tokens"`
	CompactionCount         int       `json:"compaction_count"`
	LastCompactionTokenMark int       `json:"last_compaction_token_mark"`
	CreatedAt               time.Time `json:"created_at"`
}

// Stats returns the counters for a conversation, or false for an
// unknown id.
func (a *Agent) Stats(id string) (ConversationStats, bool) {
	a.mu.RLock()
	conv, ok := a.conversations[id]
	a.mu.RUnlock()
	if !ok {
		return ConversationStats{}, false
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return ConversationStats{
		ConversationID:          conv.ID,
		Messages:                len(conv.Messages),
		SessionTokens:           conv.SessionTokens,
		CompactionCount:         conv.CompactionCount,
		LastCompactionTokenMark: conv.LastCompactionTokenMark,
		CreatedAt:               conv.CreatedAt,
	}, true
}

// Reset drops a conversation and its compactor state.
func (a *Agent) Reset(id string) {
	a.mu.Lock()
	delete(a.conversations, id)
	a.mu.Unlock()
	if a.compact != nil {
		a.compact.Reset(id)
	}
}

// turnContext is the mutable per-turn view the skill modifier acts on.
type turnContext struct {
	allowedTools  []string // nil = all registered tools
	modelOverride string
	disableModel  bool
	visible       []string // skill-injected user-visible text
	artifacts     []types.FileRef
}

// Chat runs one user turn: append the message, drive the tool chain to
// a final answer, account tokens, then ask the compactor to flush
// silently.
func (a *Agent) Chat(ctx context.Context, conversationID, message string) (*TurnResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, types.E(types.KindBadInput, "empty message")
	}
	if a.client == nil {
		return nil, types.E(types.KindInternal, "no model configured")
	}
	start := time.Now()

	conv := a.conversation(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	userMsg := types.Message{
		Role:      types.RoleUser,
		Content:   message,
		CreatedAt: time.Now(),
	}
	conv.Messages = append(conv.Messages, userMsg)
	a.observe(conv.ID, userMsg)

	var usage types.TokenUsage
	tc := &turnContext{}
	final := ""

	for round := 0; round < maxToolRounds; round++ {
		if tc.disableModel {
			break
		}

		resp, err := a.client.Chat(ctx, llm.ChatRequest{
			System:   a.system,
			Messages: conv.Messages,
			Tools:    a.registry.Definitions(tc.allowedTools),
			Model:    tc.modelOverride,
		})
		if err != nil {
			return nil, err
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			final = resp.Text
			finalMsg := types.Message{
				Role:      types.RoleAssistant,
				Content:   resp.Text,
				CreatedAt: time.Now(),
			}
			conv.Messages = append(conv.Messages, finalMsg)
			a.observe(conv.ID, finalMsg)
			break
		}

		assistantMsg := types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
			CreatedAt: time.Now(),
		}
		conv.Messages = append(conv.Messages, assistantMsg)
		if resp.Text != "" {
			a.observe(conv.ID, assistantMsg)
		}

		for _, call := range resp.ToolCalls {
			res := a.registry.Dispatch(ctx, call, conv.ID)
			a.applyToolResult(conv, call, res, tc)
		}
	}

	if final == "" && len(tc.visible) > 0 {
		final = strings.Join(tc.visible, "\n\n")
	} else if len(tc.visible) > 0 {
		final = strings.Join(tc.visible, "\n\n") + "\n\n" + final
	}

	conv.SessionTokens += usage.Total()
	a.flushSilently(ctx, conv, tc.artifacts)
	a.persist(ctx, conv)

	return &TurnResult{
		ConversationID: conv.ID,
		Response:       final,
		TokensUsed:     usage.Total(),
		SessionTokens:  conv.SessionTokens,
		Duration:       time.Since(start),
	}, nil
}

// applyToolResult folds one tool result into the transcript and the
// turn context. Skill activations inject messages and narrow the turn
// before the next model call.
func (a *Agent) applyToolResult(conv *Conversation, call types.ToolCall, res *types.ToolExecutionResult, tc *turnContext) {
	if call.Name == "activate_skill" && res.Success {
		if act := parseActivation(res.Observation); act != nil {
			for _, m := range act.Messages {
				msg := types.Message{
					Role:       m.Role,
					Content:    m.Content,
					Visibility: m.Visibility,
					CreatedAt:  time.Now(),
				}
				conv.Messages = append(conv.Messages, msg)
				if m.Visibility == types.VisibilityVisible {
					tc.visible = append(tc.visible, m.Content)
				}
			}
			if act.Modifier != nil {
				if act.Modifier.AllowedTools != nil {
					tc.allowedTools = act.Modifier.AllowedTools
				}
				if act.Modifier.ModelOverride != "" {
					tc.modelOverride = act.Modifier.ModelOverride
				}
				if act.Modifier.DisableModel {
					tc.disableModel = true
				}
			}
			a.log.Info("%s: skill %q activated", conv.ID, act.Skill)
		}
	}

	if res.ArtifactID != "" {
		tc.artifacts = append(tc.artifacts, types.FileRef{
			Category: types.CategoryArtifact,
			FileID:   res.ArtifactID,
		})
	}

	toolMsg := types.Message{
		Role:       types.RoleTool,
		Content:    shapeObservation(res.Observation, res.OutputLevel),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		CreatedAt:  time.Now(),
	}
	conv.Messages = append(conv.Messages, toolMsg)
	a.observe(conv.ID, toolMsg)
}

// observe mirrors a message into the compactor's buffer.
func (a *Agent) observe(conversationID string, msg types.Message) {
	if a.compact != nil {
		a.compact.Observe(conversationID, msg)
	}
}

// flushSilently asks the compactor to flush after the turn. The
// outcome never surfaces to the user; errors are logged and swallowed.
// A successful flush resets the session token counter and advances the
// compaction tick.
func (a *Agent) flushSilently(ctx context.Context, conv *Conversation, artifacts []types.FileRef) {
	if a.compact == nil {
		return
	}
	res, err := a.compact.CheckAndFlush(ctx, conv.ID, conv.SessionTokens, conv.CompactionCount, false, artifacts)
	if err != nil {
		a.log.Warn("%s: compaction failed: %v", conv.ID, err)
		return
	}
	if !res.Flushed {
		return
	}
	conv.LastCompactionTokenMark = conv.CompactionCount
	conv.CompactionCount++
	conv.SessionTokens = 0
	a.compact.NoteSessionReset(conv.ID)
}
