// Package compactor distills conversation buffers into durable Retain
// records and appends them to the daily memory file. It decides when a
// flush fires, what gets extracted, and where it lands; the agent loop
// only reports tokens and asks.
package compactor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"baagent/internal/config"
	"baagent/internal/filestore"
	"baagent/internal/llm"
	"baagent/internal/logging"
	"baagent/internal/types"
)

// Flush trigger reasons, surfaced for logging and tests.
const (
	ReasonHard  = "硬阈值触发"
	ReasonSoft  = "软阈值触发"
	ReasonForce = "强制触发"
)

// FlushResult reports one CheckAndFlush outcome.
type FlushResult struct {
	Flushed bool
	Reason  string
	Records int
	Day     string // memory file id (YYYY-MM-DD.md) when flushed
}

// bufferState is the per-conversation shadow the compactor keeps.
type bufferState struct {
	buffer               []types.Message
	sessionStart         time.Time
	lastFlushTokens      int
	flushedAtCompaction  int
	hasFlushedCompaction bool
}

// Compactor owns the flush decision and extraction pipeline. It is
// safe for concurrent use across conversations.
type Compactor struct {
	cfg           config.FlushConfig
	contextWindow int
	store         *filestore.Store
	client        llm.Client // nil = regex fallback only
	log           *logging.Logger

	mu     sync.Mutex
	states map[string]*bufferState

	now func() time.Time
}

// New builds a compactor. client may be nil; extraction then uses the
// regex fallback exclusively.
func New(cfg config.FlushConfig, contextWindow int, store *filestore.Store, client llm.Client) *Compactor {
	if contextWindow <= 0 {
		contextWindow = 128000
	}
	return &Compactor{
		cfg:           cfg,
		contextWindow: contextWindow,
		store:         store,
		client:        client,
		log:           logging.Get(logging.CategoryCompactor),
		states:        make(map[string]*bufferState),
		now:           time.Now,
	}
}

// Observe appends a message to the conversation's flush buffer.
func (c *Compactor) Observe(conversationID string, msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(conversationID)
	st.buffer = append(st.buffer, msg)
}

// BufferLen returns the number of buffered messages for a conversation.
func (c *Compactor) BufferLen(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[conversationID]; ok {
		return len(st.buffer)
	}
	return 0
}

// Reset drops all compactor state for a conversation.
func (c *Compactor) Reset(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, conversationID)
}

// NoteSessionReset realigns the flush mark after the agent loop resets
// a conversation's session_tokens to zero post-flush. Without this the
// soft trigger would compare a fresh token count against the old mark.
func (c *Compactor) NoteSessionReset(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[conversationID]; ok {
		st.lastFlushTokens = 0
	}
}

// state returns (creating if needed) the buffer state. Callers hold mu.
func (c *Compactor) state(conversationID string) *bufferState {
	st, ok := c.states[conversationID]
	if !ok {
		st = &bufferState{sessionStart: c.now()}
		c.states[conversationID] = st
	}
	return st
}

// CheckAndFlush evaluates the trigger predicate and, when it fires,
// extracts Retain records from the buffer and persists them. Artifacts
// of the current turn are recorded as a back-reference block. Exactly
// one flush may fire per compaction tick.
func (c *Compactor) CheckAndFlush(ctx context.Context, conversationID string, sessionTokens, compactionCount int, force bool, artifacts []types.FileRef) (FlushResult, error) {
	if !c.cfg.Enabled && !force {
		return FlushResult{}, nil
	}

	c.mu.Lock()
	st := c.state(conversationID)

	if st.hasFlushedCompaction && st.flushedAtCompaction == compactionCount {
		c.mu.Unlock()
		c.log.Debug("%s: flush suppressed at compaction %d", conversationID, compactionCount)
		return FlushResult{}, nil
	}
	if len(st.buffer) == 0 {
		c.mu.Unlock()
		return FlushResult{}, nil
	}

	reason := c.triggerReason(sessionTokens, st.lastFlushTokens, force)
	if reason == "" {
		c.mu.Unlock()
		return FlushResult{}, nil
	}

	buffer := make([]types.Message, len(st.buffer))
	copy(buffer, st.buffer)
	sessionAge := c.now().Sub(st.sessionStart)
	c.mu.Unlock()

	lines := c.extract(ctx, buffer)

	if !force {
		if len(lines) < c.cfg.MinMemoryCount {
			c.log.Info("%s: flush discarded, %d records < min %d",
				conversationID, len(lines), c.cfg.MinMemoryCount)
			return FlushResult{}, nil
		}
		if c.cfg.MaxMemoryAgeHours > 0 &&
			sessionAge > time.Duration(c.cfg.MaxMemoryAgeHours)*time.Hour {
			c.log.Info("%s: flush discarded, session age %v over limit", conversationID, sessionAge)
			return FlushResult{}, nil
		}
	}
	if len(lines) == 0 {
		return FlushResult{}, nil
	}

	day, err := c.persist(ctx, lines, artifacts)
	if err != nil {
		return FlushResult{}, err
	}

	c.mu.Lock()
	st = c.state(conversationID)
	st.buffer = nil
	st.lastFlushTokens = sessionTokens
	st.flushedAtCompaction = compactionCount
	st.hasFlushedCompaction = true
	c.mu.Unlock()

	c.log.Info("%s: flushed %d records (%s) to %s", conversationID, len(lines), reason, day)
	return FlushResult{Flushed: true, Reason: reason, Records: len(lines), Day: day}, nil
}

// triggerReason applies the threshold predicate. hard = soft + reserve
// against the context window; soft additionally requires enough new
// material since the last flush.
func (c *Compactor) triggerReason(sessionTokens, lastFlushTokens int, force bool) string {
	soft := c.cfg.SoftThresholdTokens
	reserve := c.cfg.ReserveTokensFloor

	if sessionTokens >= c.contextWindow-reserve-soft {
		return fmt.Sprintf("%s: session %d >= window %d - reserve %d - soft %d",
			ReasonHard, sessionTokens, c.contextWindow, reserve, soft)
	}
	if force {
		return ReasonForce
	}
	if sessionTokens >= soft && sessionTokens-lastFlushTokens >= reserve {
		return fmt.Sprintf("%s: session %d >= soft %d", ReasonSoft, sessionTokens, soft)
	}
	return ""
}

// persist appends the flush block to the day's memory file, through the
// file store's memory category.
func (c *Compactor) persist(ctx context.Context, lines []string, artifacts []types.FileRef) (string, error) {
	now := c.now()
	day := now.Format("2006-01-02") + ".md"

	var b strings.Builder
	fmt.Fprintf(&b, "\n## Memory Flush (%s)\n\n", now.Format("15:04:05"))
	for _, line := range lines {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	if len(artifacts) > 0 {
		b.WriteString("\nRefs:\n")
		for _, ref := range artifacts {
			fmt.Fprintf(&b, "- %s\n", ref.String())
		}
	}

	if _, err := c.store.Append(ctx, types.CategoryMemory, day, []byte(b.String())); err != nil {
		return "", types.WrapErr(types.KindInternal, "persist memory flush", err)
	}
	return day, nil
}
