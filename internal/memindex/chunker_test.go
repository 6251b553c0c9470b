package memindex

import (
	"fmt"
	"strings"
	"testing"
)

func numberedLines(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

func TestChunkFileRanges(t *testing.T) {
	tests := []struct {
		name    string
		lines   int
		size    int
		overlap int
		want    [][2]int
	}{
		{"single short chunk", 10, 400, 80, [][2]int{{1, 10}}},
		{"exact fit", 400, 400, 80, [][2]int{{1, 400}}},
		{"two with overlap", 500, 400, 80, [][2]int{{1, 400}, {321, 500}}},
		{"three no overlap", 25, 10, 0, [][2]int{{1, 10}, {11, 20}, {21, 25}}},
		{"one past boundary", 401, 400, 80, [][2]int{{1, 400}, {321, 401}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := ChunkFile("/mem/a.md", "memory", numberedLines(tt.lines), tt.size, tt.overlap)
			if len(chunks) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.want))
			}
			for i, c := range chunks {
				if c.StartLine != tt.want[i][0] || c.EndLine != tt.want[i][1] {
					t.Errorf("chunk %d: got [%d,%d], want [%d,%d]",
						i, c.StartLine, c.EndLine, tt.want[i][0], tt.want[i][1])
				}
			}
			// Ranges must advance and the last chunk must reach EOF.
			for i := 1; i < len(chunks); i++ {
				if chunks[i].StartLine <= chunks[i-1].StartLine {
					t.Errorf("chunk %d does not advance past chunk %d", i, i-1)
				}
			}
			if last := chunks[len(chunks)-1]; last.EndLine != tt.lines {
				t.Errorf("last chunk ends at %d, want %d", last.EndLine, tt.lines)
			}
		})
	}
}

func TestChunkFileEmpty(t *testing.T) {
	if got := ChunkFile("/mem/a.md", "memory", "", 400, 80); got != nil {
		t.Errorf("empty text: got %d chunks, want none", len(got))
	}
	if got := ChunkFile("/mem/a.md", "memory", "\n\n  \n", 400, 80); got != nil {
		t.Errorf("whitespace text: got %d chunks, want none", len(got))
	}
}

func TestChunkIDStable(t *testing.T) {
	a := ChunkFile("/mem/a.md", "memory", numberedLines(5), 400, 80)
	b := ChunkFile("/mem/a.md", "memory", numberedLines(5), 400, 80)
	if a[0].ID != b[0].ID {
		t.Errorf("same content produced different ids: %q vs %q", a[0].ID, b[0].ID)
	}
	c := ChunkFile("/mem/a.md", "memory", numberedLines(6), 400, 80)
	if a[0].ID == c[0].ID {
		t.Error("different content produced the same chunk id")
	}
}

func TestChunkFileBadOverlap(t *testing.T) {
	// overlap >= size degrades to no overlap instead of looping.
	chunks := ChunkFile("/mem/a.md", "memory", numberedLines(20), 10, 10)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[1].StartLine != 11 {
		t.Errorf("second chunk starts at %d, want 11", chunks[1].StartLine)
	}
}
