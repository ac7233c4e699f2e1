package agent

// MemoryInfo is one retrieved memory as surfaced in the turn result.
type MemoryInfo struct {
	MemoryID     string  `json:"memory_id"`
	Content      string  `json:"content"`
	OriginTurn   int64   `json:"origin_turn"`
	LastUsedTurn int64   `json:"last_used_turn"`
	Type         string  `json:"type"`
	Confidence   float64 `json:"confidence"`
}

// TurnResult is the per-turn envelope returned to the caller.
type TurnResult struct {
	Response           string       `json:"response"`
	TurnID             int64        `json:"turn_id"`
	ContextUtilization string       `json:"context_utilization"`
	ContextTokens      int          `json:"context_tokens"`
	RetrievalMs        float64      `json:"retrieval_ms"`
	TotalMs            float64      `json:"total_ms"`
	FlushTriggered     bool         `json:"flush_triggered"`
	TotalFlushes       int          `json:"total_flushes"`
	TotalMemories      int          `json:"total_memories"`
	ActiveMemories     []MemoryInfo `json:"active_memories"`
}

// FlushResult reports a manual distillation.
type FlushResult struct {
	Distilled     bool   `json:"distilled"`
	MemoriesAdded int    `json:"memories_added"`
	TotalMemories int    `json:"total_memories"`
	SnapshotPath  string `json:"snapshot_path,omitempty"`
}
