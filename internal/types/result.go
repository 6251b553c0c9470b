package types

// OutputLevel controls how much of a tool's output is surfaced back to
// the model.
type OutputLevel string

const (
	OutputBrief    OutputLevel = "brief"
	OutputStandard OutputLevel = "standard"
	OutputFull     OutputLevel = "full"
)

// ParseOutputLevel maps a string to an OutputLevel, defaulting to standard.
func ParseOutputLevel(s string) OutputLevel {
	switch OutputLevel(s) {
	case OutputBrief, OutputStandard, OutputFull:
		return OutputLevel(s)
	}
	return OutputStandard
}

// ToolExecutionResult is the uniform envelope every tool invocation
// produces, whether it succeeded, failed validation, or timed out.
// Tool errors never bubble into the chat turn as Go errors; they arrive
// here with ErrorKind set.
type ToolExecutionResult struct {
	ToolCallID    string      `json:"tool_call_id"`
	ToolName      string      `json:"tool_name"`
	Success       bool        `json:"success"`
	Observation   string      `json:"observation"`
	ArtifactID    string      `json:"artifact_id,omitempty"`
	DataSizeBytes int64       `json:"data_size_bytes,omitempty"`
	DataHash      string      `json:"data_hash,omitempty"`
	OutputLevel   OutputLevel `json:"output_level"`
	DurationMs    int64       `json:"duration_ms"`
	ErrorKind     ErrorKind   `json:"error_kind,omitempty"`
}
