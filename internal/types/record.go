package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RecordKind is the type letter of a Retain record.
type RecordKind string

const (
	RecordWorld      RecordKind = "W" // world fact
	RecordBiographic RecordKind = "B" // biographical
	RecordOpinion    RecordKind = "O" // opinion, carries confidence
	RecordSummary    RecordKind = "S" // summary
)

// MemoryRecord is one durable fact distilled from a conversation,
// serialised as a single Markdown line in the Retain grammar:
//
//	LINE := TYPE CONF? ENTITY? ':' SP CONTENT
//	TYPE := W | B | O | S
//	CONF := '(' 'c=' FLOAT ')'          (only for O)
//	ENTITY := SP '@' TOKEN
type MemoryRecord struct {
	Kind       RecordKind `json:"kind"`
	Entity     string     `json:"entity,omitempty"`
	Confidence float64    `json:"confidence,omitempty"` // O records only, in [0,1]
	Content    string     `json:"content"`
}

var retainLineRE = regexp.MustCompile(`^(W|B|O|S)(\(c=([0-9]*\.?[0-9]+)\))?( @([^:]+))?:\s?(.*)$`)

// ParseRetainLine parses one Retain-grammar line. A confidence group is
// only legal on O records; W/B/S lines carrying one fail to parse.
func ParseRetainLine(line string) (MemoryRecord, bool) {
	m := retainLineRE.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return MemoryRecord{}, false
	}
	rec := MemoryRecord{
		Kind:    RecordKind(m[1]),
		Entity:  strings.TrimSpace(m[5]),
		Content: m[6],
	}
	if m[2] != "" {
		if rec.Kind != RecordOpinion {
			return MemoryRecord{}, false
		}
		c, err := strconv.ParseFloat(m[3], 64)
		if err != nil || c < 0 || c > 1 {
			return MemoryRecord{}, false
		}
		rec.Confidence = c
	}
	if rec.Content == "" {
		return MemoryRecord{}, false
	}
	return rec, true
}

// Line renders the record back into its single-line Retain form.
func (r MemoryRecord) Line() string {
	var b strings.Builder
	b.WriteString(string(r.Kind))
	if r.Kind == RecordOpinion && r.Confidence > 0 {
		b.WriteString(fmt.Sprintf("(c=%s)", strconv.FormatFloat(r.Confidence, 'f', -1, 64)))
	}
	if r.Entity != "" {
		b.WriteString(" @")
		b.WriteString(r.Entity)
	}
	b.WriteString(": ")
	b.WriteString(r.Content)
	return b.String()
}

// StartsWithTypeLetter reports whether a line begins with a Retain type
// letter. Unparseable extractor output that still starts with a type
// letter is kept as-is; everything else is discarded.
func StartsWithTypeLetter(line string) bool {
	if line == "" {
		return false
	}
	switch line[0] {
	case 'W', 'B', 'O', 'S':
		return true
	}
	return false
}
