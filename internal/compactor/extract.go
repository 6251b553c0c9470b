package compactor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"baagent/internal/config"
	"baagent/internal/types"
)

const extractorSystemPrompt = `You distill conversation transcripts into durable memory records.
Output one record per line, nothing else. Grammar:
  W: <world fact>
  B: <biographical fact about the user>
  O(c=<0..1>): <opinion with confidence>
  S: <summary of the exchange>
Any record may carry an entity tag before the colon, e.g. "W @acme: ...".
Only output facts worth remembering across sessions. If nothing
qualifies, output nothing.`

// extract turns the buffered transcript into Retain lines. The LLM
// extractor is the primary path; on any error or timeout the regex
// fallback runs instead. Extraction never fails the caller's turn.
func (c *Compactor) extract(ctx context.Context, buffer []types.Message) []string {
	if c.client != nil {
		lines, err := c.extractLLM(ctx, buffer)
		if err == nil {
			return lines
		}
		c.log.Warn("llm extraction failed, using regex fallback: %v", err)
	}
	return extractHeuristic(buffer)
}

func (c *Compactor) extractLLM(ctx context.Context, buffer []types.Message) ([]string, error) {
	timeout := config.ParseDuration(c.cfg.LLMTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.client.Complete(ctx, extractorSystemPrompt, renderTranscript(buffer))
	if err != nil {
		return nil, err
	}
	return parseExtractorOutput(out), nil
}

func renderTranscript(buffer []types.Message) string {
	var b strings.Builder
	for _, m := range buffer {
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	return b.String()
}

// parseExtractorOutput keeps lines matching the Retain grammar,
// normalised through the record round-trip. Unparseable lines that
// still begin with a type letter are kept verbatim; everything else is
// dropped.
func parseExtractorOutput(out string) []string {
	var lines []string
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		line = strings.TrimPrefix(line, "- ")
		if line == "" {
			continue
		}
		if rec, ok := types.ParseRetainLine(line); ok {
			lines = append(lines, rec.Line())
			continue
		}
		if types.StartsWithTypeLetter(line) {
			lines = append(lines, line)
		}
	}
	return lines
}

var (
	rememberRE = regexp.MustCompile(`记住[，,：:\s]*(.+)`)
	copulaRE   = regexp.MustCompile(`^(?:我|我们)(?:是|喜欢|需要|常用|在用)(.+)`)
	summaryRE  = regexp.MustCompile(`总结[：:]\s*(.+)`)
)

// extractHeuristic is the lossy fallback: explicit remember-requests
// and subject-copula statements from the user become W/B records,
// assistant summary markers become S records.
func extractHeuristic(buffer []types.Message) []string {
	var lines []string
	for _, m := range buffer {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case types.RoleUser:
			if match := rememberRE.FindStringSubmatch(content); match != nil {
				rec := types.MemoryRecord{Kind: types.RecordWorld, Content: strings.TrimSpace(match[1])}
				lines = append(lines, rec.Line())
				continue
			}
			if match := copulaRE.FindStringSubmatch(content); match != nil {
				rec := types.MemoryRecord{Kind: types.RecordBiographic, Content: content}
				lines = append(lines, rec.Line())
			}
		case types.RoleAssistant:
			if match := summaryRE.FindStringSubmatch(content); match != nil {
				rec := types.MemoryRecord{Kind: types.RecordSummary, Content: strings.TrimSpace(match[1])}
				lines = append(lines, rec.Line())
			}
		}
	}
	return lines
}
