package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Precedence(t *testing.T) {
	tests := []struct {
		name   string
		layers []Optional[float64]
		want   float64
	}{
		{"override wins", []Optional[float64]{Some(0.2), Some(0.5)}, 0.2},
		{"absent override inherits", []Optional[float64]{None[float64](), Some(0.5)}, 0.5},
		{"nan is skipped", []Optional[float64]{Some(math.NaN()), Some(0.5)}, 0.5},
		{"fallback", []Optional[float64]{None[float64](), None[float64]()}, 0.7},
		{"zero is a real value", []Optional[float64]{Some(0.0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(0.7, tt.layers...))
		})
	}
}

func TestOptional_JSON(t *testing.T) {
	type doc struct {
		Prefix Optional[string]  `json:"prefix"`
		Temp   Optional[float64] `json:"temperature"`
	}
	data, err := json.Marshal(doc{Prefix: Some("hi")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"prefix":"hi","temperature":null}`, string(data))

	var back doc
	require.NoError(t, json.Unmarshal([]byte(`{"prefix":null,"temperature":0.3}`), &back))
	assert.False(t, back.Prefix.Set)
	assert.Equal(t, Some(0.3), back.Temp)
}

func TestConversation_CloneIsIndependent(t *testing.T) {
	c := &Conversation{Prefix: "p", Data: []Turn{{"q1", "a1"}}}
	cp := c.Clone()
	cp.Data[0].Answer = "changed"
	cp.Data = append(cp.Data, Turn{"q2", "a2"})
	cp.Title = "t"

	assert.Equal(t, "a1", c.Data[0].Answer)
	assert.Len(t, c.Data, 1)
	assert.Empty(t, c.Title)
}

func TestConversation_JSONKeepsTurnPairs(t *testing.T) {
	raw := `{"prefix":"p","temperature":0.7,"top_p":1,"frequency_penalty":0,"presence_penalty":0,"data":[["q","a"]]}`
	var c Conversation
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	assert.Equal(t, []Turn{{Question: "q", Answer: "a"}}, c.Data)
	assert.Equal(t, 0.7, c.Temperature)

	out, err := json.Marshal(&c)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestConversation_Messages(t *testing.T) {
	c := &Conversation{Prefix: "sys", Data: []Turn{{"q1", "a1"}}}
	got := c.Messages("q2")
	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
	}, got)
}

func TestAtMode_Gating(t *testing.T) {
	assert.False(t, AtAlways.AllowCommand(false))
	assert.True(t, AtAlways.AllowChat(true))
	assert.True(t, AtMessage.AllowCommand(false))
	assert.False(t, AtMessage.AllowChat(false))
	assert.False(t, AtCommand.AllowCommand(false))
	assert.True(t, AtCommand.AllowChat(false))
	assert.True(t, AtNever.AllowChat(false))
}

func TestParseChatMode(t *testing.T) {
	m, ok := ParseChatMode("not_save")
	assert.True(t, ok)
	assert.Equal(t, ModeNotSave, m)
	_, ok = ParseChatMode("pop_middle")
	assert.False(t, ok)
}
