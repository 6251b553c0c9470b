package compactor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"baagent/internal/config"
	"baagent/internal/filestore"
	"baagent/internal/llm"
	"baagent/internal/types"
)

// scriptedClient returns a fixed completion or error.
type scriptedClient struct {
	out string
	err error
}

func (s *scriptedClient) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Text: s.out}, nil
}

func (s *scriptedClient) Complete(_ context.Context, _, _ string) (string, error) {
	return s.out, s.err
}

func newTestStore(t *testing.T) *filestore.Store {
	t.Helper()
	cfg := config.DefaultFileStoreConfig()
	cfg.BaseDir = t.TempDir()
	store, err := filestore.New(cfg)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testFlushConfig() config.FlushConfig {
	return config.FlushConfig{
		Enabled:             true,
		SoftThresholdTokens: 100,
		ReserveTokensFloor:  50,
		MinMemoryCount:      1,
		MaxMemoryAgeHours:   72,
	}
}

func readDay(t *testing.T, store *filestore.Store, day string) string {
	t.Helper()
	data, err := store.Retrieve(context.Background(),
		types.FileRef{Category: types.CategoryMemory, FileID: day}, filestore.Caller{})
	if err != nil {
		t.Fatalf("retrieve %s: %v", day, err)
	}
	return string(data)
}

func TestHardThresholdFlush(t *testing.T) {
	store := newTestStore(t)
	client := &scriptedClient{out: "W: the quarterly revenue target is 2M\nS: discussed revenue planning"}
	// Window 300 puts the hard threshold at 300-50-100 = 150 tokens.
	c := New(testFlushConfig(), 300, store, client)
	ctx := context.Background()

	c.Observe("conv1", types.Message{Role: types.RoleUser, Content: "our revenue target is 2M"})
	c.Observe("conv1", types.Message{Role: types.RoleAssistant, Content: "noted"})

	res, err := c.CheckAndFlush(ctx, "conv1", 200, 1, false, nil)
	if err != nil {
		t.Fatalf("CheckAndFlush: %v", err)
	}
	if !res.Flushed {
		t.Fatal("hard threshold did not flush")
	}
	if !strings.HasPrefix(res.Reason, ReasonHard) {
		t.Errorf("reason %q does not start with %q", res.Reason, ReasonHard)
	}
	if res.Records < 1 {
		t.Errorf("flushed %d records, want at least 1", res.Records)
	}
	if c.BufferLen("conv1") != 0 {
		t.Errorf("buffer not cleared: %d messages remain", c.BufferLen("conv1"))
	}

	content := readDay(t, store, res.Day)
	if !strings.Contains(content, "## Memory Flush (") {
		t.Error("flush heading missing from memory file")
	}
	if !strings.Contains(content, "- W: the quarterly revenue target is 2M") {
		t.Errorf("record missing from memory file:\n%s", content)
	}
}

func TestSecondFlushSuppressedAtSameMark(t *testing.T) {
	store := newTestStore(t)
	client := &scriptedClient{out: "W: fact one"}
	c := New(testFlushConfig(), 300, store, client)
	ctx := context.Background()

	c.Observe("conv1", types.Message{Role: types.RoleUser, Content: "hello"})
	res, err := c.CheckAndFlush(ctx, "conv1", 200, 1, false, nil)
	if err != nil || !res.Flushed {
		t.Fatalf("first flush: %+v, %v", res, err)
	}

	c.Observe("conv1", types.Message{Role: types.RoleUser, Content: "more"})
	res, err = c.CheckAndFlush(ctx, "conv1", 300, 1, false, nil)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.Flushed {
		t.Error("flush fired twice at the same compaction mark")
	}

	// Advancing the mark re-arms the compactor.
	res, err = c.CheckAndFlush(ctx, "conv1", 300, 2, false, nil)
	if err != nil || !res.Flushed {
		t.Errorf("flush after mark advance: %+v, %v", res, err)
	}
}

func TestSoftThresholdNeedsNewMaterial(t *testing.T) {
	store := newTestStore(t)
	client := &scriptedClient{out: "W: a fact"}
	c := New(testFlushConfig(), 128000, store, client)
	ctx := context.Background()

	c.Observe("conv1", types.Message{Role: types.RoleUser, Content: "hi"})
	res, err := c.CheckAndFlush(ctx, "conv1", 120, 1, false, nil)
	if err != nil || !res.Flushed {
		t.Fatalf("soft flush at 120: %+v, %v", res, err)
	}
	if !strings.HasPrefix(res.Reason, ReasonSoft) {
		t.Errorf("reason %q does not start with %q", res.Reason, ReasonSoft)
	}

	// Soft threshold crossed again, but only 30 new tokens since the
	// last flush: below the reserve floor, so no flush.
	c.Observe("conv1", types.Message{Role: types.RoleUser, Content: "more"})
	res, err = c.CheckAndFlush(ctx, "conv1", 150, 2, false, nil)
	if err != nil {
		t.Fatalf("CheckAndFlush: %v", err)
	}
	if res.Flushed {
		t.Error("flushed without enough new material since the last flush")
	}
}

func TestEmptyBufferNoFlush(t *testing.T) {
	store := newTestStore(t)
	c := New(testFlushConfig(), 300, store, &scriptedClient{out: "W: x"})

	res, err := c.CheckAndFlush(context.Background(), "conv1", 500, 1, true, nil)
	if err != nil {
		t.Fatalf("CheckAndFlush: %v", err)
	}
	if res.Flushed {
		t.Error("empty buffer flushed")
	}
}

func TestEligibilityFilter(t *testing.T) {
	store := newTestStore(t)
	client := &scriptedClient{out: "W: only one record"}
	cfg := testFlushConfig()
	cfg.MinMemoryCount = 2
	c := New(cfg, 128000, store, client)
	ctx := context.Background()

	c.Observe("conv1", types.Message{Role: types.RoleUser, Content: "hi"})
	res, err := c.CheckAndFlush(ctx, "conv1", 200, 1, false, nil)
	if err != nil {
		t.Fatalf("CheckAndFlush: %v", err)
	}
	if res.Flushed {
		t.Error("flush fired below min_memory_count")
	}
	if c.BufferLen("conv1") == 0 {
		t.Error("discarded flush cleared the buffer")
	}

	// Force bypasses the eligibility filter.
	res, err = c.CheckAndFlush(ctx, "conv1", 200, 1, true, nil)
	if err != nil || !res.Flushed {
		t.Errorf("forced flush: %+v, %v", res, err)
	}
	if !strings.HasPrefix(res.Reason, ReasonForce) {
		t.Errorf("reason %q does not start with %q", res.Reason, ReasonForce)
	}
}

func TestRegexFallback(t *testing.T) {
	store := newTestStore(t)
	client := &scriptedClient{err: errors.New("extractor down")}
	c := New(testFlushConfig(), 300, store, client)
	ctx := context.Background()

	c.Observe("conv1", types.Message{Role: types.RoleUser, Content: "记住：客户更喜欢周三开会"})
	c.Observe("conv1", types.Message{Role: types.RoleAssistant, Content: "总结：本次讨论了会议安排"})

	res, err := c.CheckAndFlush(ctx, "conv1", 200, 1, false, nil)
	if err != nil {
		t.Fatalf("CheckAndFlush: %v", err)
	}
	if !res.Flushed || res.Records != 2 {
		t.Fatalf("fallback flush: %+v", res)
	}

	content := readDay(t, store, res.Day)
	if !strings.Contains(content, "- W: 客户更喜欢周三开会") {
		t.Errorf("remember heuristic missing:\n%s", content)
	}
	if !strings.Contains(content, "- S: 本次讨论了会议安排") {
		t.Errorf("summary heuristic missing:\n%s", content)
	}
}

func TestArtifactBackReferences(t *testing.T) {
	store := newTestStore(t)
	c := New(testFlushConfig(), 300, store, &scriptedClient{out: "W: chart was produced"})
	ctx := context.Background()

	c.Observe("conv1", types.Message{Role: types.RoleUser, Content: "plot it"})
	refs := []types.FileRef{{Category: types.CategoryChart, FileID: "abc123"}}
	res, err := c.CheckAndFlush(ctx, "conv1", 200, 1, false, refs)
	if err != nil || !res.Flushed {
		t.Fatalf("flush: %+v, %v", res, err)
	}

	content := readDay(t, store, res.Day)
	if !strings.Contains(content, "- chart:abc123") {
		t.Errorf("artifact back-reference missing:\n%s", content)
	}
}

func TestParseExtractorOutput(t *testing.T) {
	out := strings.Join([]string{
		"W: clean world fact",
		"- B @client: prefers dashboards",
		"O(c=0.8) @vendor: likely to renew",
		"W(c=0.5): confidence illegal on W but kept verbatim",
		"chatter that is not a record",
		"",
		"S: wrap-up",
	}, "\n")

	lines := parseExtractorOutput(out)
	want := []string{
		"W: clean world fact",
		"B @client: prefers dashboards",
		"O(c=0.8) @vendor: likely to renew",
		"W(c=0.5): confidence illegal on W but kept verbatim",
		"S: wrap-up",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines %v, want %d", len(lines), lines, len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestDisabledWithoutForce(t *testing.T) {
	store := newTestStore(t)
	cfg := testFlushConfig()
	cfg.Enabled = false
	c := New(cfg, 300, store, &scriptedClient{out: "W: x"})
	ctx := context.Background()

	c.Observe("conv1", types.Message{Role: types.RoleUser, Content: "hi"})
	res, err := c.CheckAndFlush(ctx, "conv1", 500, 1, false, nil)
	if err != nil {
		t.Fatalf("CheckAndFlush: %v", err)
	}
	if res.Flushed {
		t.Error("disabled compactor flushed without force")
	}
	res, err = c.CheckAndFlush(ctx, "conv1", 500, 1, true, nil)
	if err != nil || !res.Flushed {
		t.Errorf("forced flush while disabled: %+v, %v", res, err)
	}
}
