package types

import (
	"testing"
)

func TestParseRetainLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want MemoryRecord
		ok   bool
	}{
		{
			name: "WorldWithEntity",
			line: "W @acme: quarterly revenue target is 4M",
			want: MemoryRecord{Kind: RecordWorld, Entity: "acme", Content: "quarterly revenue target is 4M"},
			ok:   true,
		},
		{
			name: "OpinionWithConfidence",
			line: "O(c=0.8) @user: prefers bar charts over tables",
			want: MemoryRecord{Kind: RecordOpinion, Entity: "user", Confidence: 0.8, Content: "prefers bar charts over tables"},
			ok:   true,
		},
		{
			name: "SummaryNoEntity",
			line: "S: discussed churn model assumptions",
			want: MemoryRecord{Kind: RecordSummary, Content: "discussed churn model assumptions"},
			ok:   true,
		},
		{
			name: "BiographicBare",
			line: "B: works in the pricing team",
			want: MemoryRecord{Kind: RecordBiographic, Content: "works in the pricing team"},
			ok:   true,
		},
		{
			name: "ConfidenceOnWorldRejected",
			line: "W(c=0.5): not legal",
			ok:   false,
		},
		{
			name: "ConfidenceOutOfRange",
			line: "O(c=1.5): too sure",
			ok:   false,
		},
		{
			name: "UnknownType",
			line: "X: nope",
			ok:   false,
		},
		{
			name: "MissingColon",
			line: "W just text",
			ok:   false,
		},
		{
			name: "EmptyContent",
			line: "W:",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetainLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ParseRetainLine(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
			if !ok {
				return
			}
			if got != tt.want {
				t.Errorf("ParseRetainLine(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestRetainLineRoundTrip(t *testing.T) {
	records := []MemoryRecord{
		{Kind: RecordWorld, Entity: "acme", Content: "fiscal year ends in March"},
		{Kind: RecordOpinion, Entity: "user", Confidence: 0.75, Content: "dislikes pie charts"},
		{Kind: RecordSummary, Content: "walked through the Q3 forecast"},
	}
	for _, rec := range records {
		line := rec.Line()
		parsed, ok := ParseRetainLine(line)
		if !ok {
			t.Fatalf("round trip failed to parse %q", line)
		}
		if parsed != rec {
			t.Errorf("round trip %q: got %+v, want %+v", line, parsed, rec)
		}
	}
}

func TestStartsWithTypeLetter(t *testing.T) {
	if !StartsWithTypeLetter("W something unparseable") {
		t.Error("expected W-prefixed line to be kept")
	}
	if StartsWithTypeLetter("note: nothing") {
		t.Error("expected non-type line to be discarded")
	}
	if StartsWithTypeLetter("") {
		t.Error("empty line should not match")
	}
}
