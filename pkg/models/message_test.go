package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		ID:        "m1",
		SessionID: "s1",
		Channel:   ChannelCLI,
		Role:      RoleAssistant,
		Content:   "hello",
		ToolCalls: []ToolCall{{ID: "tc1", Name: "facts_extract", Input: json.RawMessage(`{"text":"hi"}`)}},
		CreatedAt: time.Now(),
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, msg.ID, decoded.ID)
	require.Equal(t, msg.ToolCalls[0].Name, decoded.ToolCalls[0].Name)
}

func TestRoleConstants(t *testing.T) {
	require.Equal(t, Role("user"), RoleUser)
	require.Equal(t, Role("assistant"), RoleAssistant)
	require.Equal(t, Role("system"), RoleSystem)
	require.Equal(t, Role("tool"), RoleTool)
}
