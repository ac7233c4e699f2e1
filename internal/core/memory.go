package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MemoryType is the closed set of categories a memory can belong to.
// Stored as plain text; validated at the persistence boundary.
type MemoryType string

const (
	TypePreference   MemoryType = "preference"
	TypeFact         MemoryType = "fact"
	TypeCommitment   MemoryType = "commitment"
	TypeRelationship MemoryType = "relationship"
	TypeEvent        MemoryType = "event"
	TypeSkill        MemoryType = "skill"
	TypeConstraint   MemoryType = "constraint"
)

func (t MemoryType) Valid() bool {
	switch t {
	case TypePreference, TypeFact, TypeCommitment, TypeRelationship,
		TypeEvent, TypeSkill, TypeConstraint:
		return true
	}
	return false
}

// MemoryAction is the closed set of operations a distilled delta can carry.
type MemoryAction string

const (
	ActionAdd    MemoryAction = "add"
	ActionUpdate MemoryAction = "update"
	ActionKeep   MemoryAction = "keep"
	ActionExpire MemoryAction = "expire"
)

func (a MemoryAction) Valid() bool {
	switch a {
	case ActionAdd, ActionUpdate, ActionKeep, ActionExpire:
		return true
	}
	return false
}

// Memory is a single durable memory unit.
type Memory struct {
	ID           string     `json:"id"`
	Type         MemoryType `json:"type"`
	Category     string     `json:"category"`
	Key          string     `json:"key"`
	Value        string     `json:"value"`
	SourceTurn   int64      `json:"source_turn"`
	LastUsedTurn int64      `json:"last_used_turn"`
	Confidence   float64    `json:"confidence"`
	CreatedAt    float64    `json:"created_at"`
	UpdatedAt    float64    `json:"updated_at"`
	IsActive     bool       `json:"is_active"`
}

// NewMemoryID returns an opaque identifier of the form mem_xxxxxxxx.
func NewMemoryID() string {
	return "mem_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// TurnRecord is one immutable entry of the conversation log.
type TurnRecord struct {
	TurnID            int64     `json:"turn_id"`
	Role              string    `json:"role"`
	Content           string    `json:"content"`
	Timestamp         float64   `json:"timestamp"`
	MemoriesRetrieved []string  `json:"memories_retrieved"`
	CreatedAt         time.Time `json:"-"`
}

// ProfileEntry is one row of the flat key-value projection of
// high-confidence preference memories.
type ProfileEntry struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	UpdatedAt  float64 `json:"updated_at"`
	SourceTurn int64   `json:"source_turn"`
}

// DistilledMemory is a single memory operation produced by the distiller.
// For add the full memory fields are set; update/keep/expire carry a target
// id (and, for update, the replacement value/confidence).
type DistilledMemory struct {
	Action     MemoryAction `json:"action"`
	ID         string       `json:"id,omitempty"`
	Type       MemoryType   `json:"type,omitempty"`
	Category   string       `json:"category,omitempty"`
	Key        string       `json:"key,omitempty"`
	Value      string       `json:"value,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
	SourceTurn int64        `json:"source_turn,omitempty"`
}

// Delta is an ordered list of distilled memory operations.
type Delta struct {
	Actions []DistilledMemory
}

func (d Delta) Empty() bool {
	return len(d.Actions) == 0
}

// RetrievalResult pairs a memory with its fused score and the per-index
// ranks that produced it. A rank of -1 means the memory did not appear in
// that index's candidate list.
type RetrievalResult struct {
	Memory     Memory
	Score      float64
	VectorRank int
	FTSRank    int
}
