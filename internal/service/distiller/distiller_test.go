package distiller

import (
	"context"
	"testing"

	"github.com/sandevgo/longmem/internal/core"
	"github.com/stretchr/testify/require"
)

type fakeAI struct {
	response string
	prompt   string
}

func (f *fakeAI) Chat(ctx context.Context, history []core.Message) (core.Message, error) {
	return core.Message{Role: core.RoleAssistant, Content: "ok"}, nil
}

func (f *fakeAI) JSONComplete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	f.prompt = prompt
	return f.response, nil
}

func window() []core.TurnRecord {
	return []core.TurnRecord{
		{TurnID: 1, Role: core.RoleUser, Content: "My name is Alex."},
		{TurnID: 2, Role: core.RoleAssistant, Content: "Nice to meet you, Alex!"},
	}
}

func TestDistill_ValidResponse(t *testing.T) {
	ai := &fakeAI{response: `{"actions": [
		{"action": "add", "type": "fact", "category": "identity",
		 "key": "user_name", "value": "Alex", "confidence": 0.95, "source_turn": 1}
	]}`}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), window(), nil)
	require.NoError(t, err)
	require.Len(t, delta.Actions, 1)

	dm := delta.Actions[0]
	require.Equal(t, core.ActionAdd, dm.Action)
	require.Equal(t, core.TypeFact, dm.Type)
	require.Equal(t, "user_name", dm.Key)
	require.Equal(t, "Alex", dm.Value)
	require.EqualValues(t, 1, dm.SourceTurn)
}

func TestDistill_PromptContainsWindowAndMemories(t *testing.T) {
	ai := &fakeAI{response: `{"actions": []}`}
	d := New(ai, 2000)

	existing := []core.Memory{{
		ID: "mem_12345678", Type: core.TypePreference,
		Key: "favorite_color", Value: "blue", Confidence: 0.9,
	}}
	_, err := d.Distill(context.Background(), window(), existing)
	require.NoError(t, err)

	require.Contains(t, ai.prompt, "USER: My name is Alex.")
	require.Contains(t, ai.prompt, "mem_12345678 | preference | favorite_color | blue | 0.90")
	require.Contains(t, ai.prompt, "turns 1 to 2")
}

func TestDistill_CodeFencedResponse(t *testing.T) {
	ai := &fakeAI{response: "```json\n{\"actions\": [{\"action\": \"add\", \"type\": \"fact\", \"key\": \"user_name\", \"value\": \"Alex\", \"confidence\": 0.9}]}\n```"}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), window(), nil)
	require.NoError(t, err)
	require.Len(t, delta.Actions, 1)
}

func TestDistill_TruncatedResponseRepaired(t *testing.T) {
	// Response cut mid-stream with a trailing ellipsis; the complete first
	// object should survive.
	ai := &fakeAI{response: `{"actions": [
		{"action": "add", "type": "fact", "key": "user_name", "value": "Alex", "confidence": 0.9},
		{"action": "add", "type": "preference", "key": "favo...`}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), window(), nil)
	require.NoError(t, err)
	require.Len(t, delta.Actions, 1)
	require.Equal(t, "user_name", delta.Actions[0].Key)
}

func TestDistill_TruncatedAfterValueRepaired(t *testing.T) {
	ai := &fakeAI{response: `{"actions": [{"action": "add", "type": "fact", "key": "user_name", "value": "Alex"`}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), window(), nil)
	require.NoError(t, err)
	require.Len(t, delta.Actions, 1)
}

func TestDistill_UnrecoverableResponse(t *testing.T) {
	ai := &fakeAI{response: `the model decided to chat instead of emitting JSON`}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), window(), nil)
	require.NoError(t, err)
	require.True(t, delta.Empty(), "unrecoverable response must yield an empty delta")
}

func TestDistill_EmptyWindowNoCall(t *testing.T) {
	ai := &fakeAI{response: `{"actions": [{"action": "add", "type": "fact", "key": "x", "value": "y"}]}`}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), nil, nil)
	require.NoError(t, err)
	require.True(t, delta.Empty())
	require.Empty(t, ai.prompt, "empty window must not reach the LLM")
}

func TestSanitize_RejectsUnknownActionAndType(t *testing.T) {
	ai := &fakeAI{response: `{"actions": [
		{"action": "merge", "type": "fact", "key": "a", "value": "b"},
		{"action": "add", "type": "opinion", "key": "c", "value": "d"},
		{"action": "add", "type": "fact", "key": "", "value": "d"},
		{"action": "add", "type": "fact", "key": "ok", "value": "fine", "confidence": 0.9}
	]}`}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), window(), nil)
	require.NoError(t, err)
	require.Len(t, delta.Actions, 1)
	require.Equal(t, "ok", delta.Actions[0].Key)
}

func TestSanitize_KeepOnUnknownBecomesAdd(t *testing.T) {
	ai := &fakeAI{response: `{"actions": [
		{"action": "keep", "id": "mem_ghost", "type": "fact", "key": "user_name", "value": "Alex", "confidence": 0.9}
	]}`}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), window(), nil)
	require.NoError(t, err)
	require.Len(t, delta.Actions, 1)
	require.Equal(t, core.ActionAdd, delta.Actions[0].Action)
}

func TestSanitize_ExpireOnUnknownDropped(t *testing.T) {
	ai := &fakeAI{response: `{"actions": [{"action": "expire", "id": "mem_ghost"}]}`}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), window(), nil)
	require.NoError(t, err)
	require.True(t, delta.Empty())
}

func TestSanitize_StructuredValueFlattened(t *testing.T) {
	ai := &fakeAI{response: `{"actions": [
		{"action": "add", "type": "fact", "key": "schedule", "value": {"day": "tuesday"}, "confidence": 0.9}
	]}`}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), window(), nil)
	require.NoError(t, err)
	require.Len(t, delta.Actions, 1)
	require.Contains(t, delta.Actions[0].Value, "tuesday")
}

func TestSanitize_ConfidenceDefaulted(t *testing.T) {
	ai := &fakeAI{response: `{"actions": [
		{"action": "add", "type": "fact", "key": "a", "value": "b", "confidence": 7}
	]}`}
	d := New(ai, 2000)

	delta, err := d.Distill(context.Background(), window(), nil)
	require.NoError(t, err)
	require.Len(t, delta.Actions, 1)
	require.InDelta(t, 0.9, delta.Actions[0].Confidence, 1e-9)
}
