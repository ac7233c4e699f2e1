// Package distiller converts a window of turns plus the active memory set
// into a delta of memory operations via an LLM JSON completion.
package distiller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sandevgo/longmem/internal/core"
	"github.com/sandevgo/longmem/pkg/log"
)

type Distiller struct {
	ai        core.AIProvider
	maxTokens int
}

func New(ai core.AIProvider, maxTokens int) *Distiller {
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	return &Distiller{ai: ai, maxTokens: maxTokens}
}

// Distill asks the LLM for memory operations covering the window. Parse
// failures are best-effort repaired; an unrecoverable response yields an
// empty delta and a warning, never an inconsistent store.
func (d *Distiller) Distill(ctx context.Context, window []core.TurnRecord, existing []core.Memory) (core.Delta, error) {
	logger := log.FromCtx(ctx)

	if len(window) == 0 {
		return core.Delta{}, nil
	}

	startTurn := window[0].TurnID
	endTurn := window[len(window)-1].TurnID
	prompt := buildPrompt(window, existing, startTurn, endTurn)

	raw, err := d.ai.JSONComplete(ctx, prompt, d.maxTokens)
	if err != nil {
		return core.Delta{}, fmt.Errorf("distill llm call: %w", err)
	}

	parsed := parseDelta(raw)
	if parsed == nil {
		logger.Warn().
			Str("head", head(raw, 200)).
			Msg("unrecoverable distiller response, dropping window")
		return core.Delta{}, nil
	}

	delta := d.sanitize(ctx, parsed, existing, startTurn)
	logger.Info().
		Int64("start_turn", startTurn).
		Int64("end_turn", endTurn).
		Int("actions", len(delta.Actions)).
		Msg("window distilled")
	return delta, nil
}

// sanitize validates each action against the closed enumerations, drops
// malformed entries, turns a keep of a memory that does not exist into an
// add when it carries a key and value (the model sometimes "keeps" a fact it
// just invented), and drops update/expire actions on unknown memories.
func (d *Distiller) sanitize(ctx context.Context, parsed *rawDelta, existing []core.Memory, startTurn int64) core.Delta {
	logger := log.FromCtx(ctx)

	known := make(map[string]core.Memory, len(existing))
	for _, m := range existing {
		known[m.ID] = m
	}

	var delta core.Delta
	for _, a := range parsed.Actions {
		action := core.MemoryAction(a.Action)
		if !action.Valid() {
			logger.Debug().Str("action", a.Action).Msg("rejecting unknown action")
			continue
		}

		value := decodeValue(a.Value)

		switch action {
		case core.ActionKeep, core.ActionExpire, core.ActionUpdate:
			if _, ok := known[a.ID]; !ok {
				if action == core.ActionKeep && a.Key != "" && value != "" {
					// Correct to add: the "kept" memory is actually new.
					action = core.ActionAdd
					break
				}
				logger.Debug().Str("id", a.ID).Str("action", a.Action).
					Msg("rejecting action on unknown memory")
				continue
			}
		}

		if action == core.ActionAdd {
			memType := core.MemoryType(a.Type)
			if !memType.Valid() {
				logger.Debug().Str("type", a.Type).Str("key", a.Key).
					Msg("rejecting add with unknown type")
				continue
			}
			if a.Key == "" || value == "" {
				continue
			}
		}

		confidence := a.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.9
		}
		sourceTurn := a.SourceTurn
		if sourceTurn < startTurn {
			sourceTurn = startTurn
		}

		dm := core.DistilledMemory{
			Action:     action,
			ID:         a.ID,
			Type:       core.MemoryType(a.Type),
			Category:   defaultCategory(a.Category),
			Key:        a.Key,
			Value:      value,
			Confidence: confidence,
			SourceTurn: sourceTurn,
		}
		if action == core.ActionUpdate && dm.Value == "" {
			// An update with no replacement value is a keep in disguise.
			dm.Action = core.ActionKeep
		}
		delta.Actions = append(delta.Actions, dm)
	}
	return delta
}

// decodeValue tolerates models returning structured values by re-encoding
// them as their JSON text.
func decodeValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func defaultCategory(category string) string {
	if category == "" {
		return "general"
	}
	return category
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
