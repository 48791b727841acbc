package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/contractai/chat-gateway/internal/entitlement"
	"github.com/contractai/chat-gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userTurn(content string) []models.ChatMessage {
	return []models.ChatMessage{{Role: models.RoleUser, Content: content}}
}

func TestRelayStreamsDeltas(t *testing.T) {
	h := newHarness(t, holderGate(1))
	h.backend.readers = append(h.backend.readers, newChunkReader(nil, `0:"Hello"`+"\n", `0:" world"`+"\n"))
	rec := &recorder{}

	d, err := h.orch.Relay(context.Background(), RelayRequest{
		Messages: userTurn("hi"), ModelID: "auditor", Address: owner,
	}, rec)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.Equal(t, "Hello world", joinDeltas(rec.deltas))
	require.Len(t, h.backend.reqs, 1)
	assert.Equal(t, userTurn("hi"), h.backend.reqs[0].Messages)
}

func TestRelayDeniedReportsToken(t *testing.T) {
	h := newHarness(t, holderGate(0))

	d, err := h.orch.Relay(context.Background(), RelayRequest{
		Messages: userTurn("hi"), ModelID: "developer", Address: owner,
	}, nil)
	require.ErrorIs(t, err, ErrEntitlementDenied)
	require.NotNil(t, d.TokenID)
	assert.Equal(t, int64(1), *d.TokenID)
	assert.Empty(t, h.backend.reqs)
}

func TestRelayValidation(t *testing.T) {
	h := newHarness(t, holderGate(1))
	cases := map[string]RelayRequest{
		"no model":     {Messages: userTurn("hi")},
		"no messages":  {ModelID: "basic"},
		"bad role":     {ModelID: "basic", Messages: []models.ChatMessage{{Role: "system", Content: "x"}}},
		"ends with ai": {ModelID: "basic", Messages: []models.ChatMessage{{Role: models.RoleAssistant, Content: "x"}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.orch.Relay(context.Background(), req, nil)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestRelayMissingAddress(t *testing.T) {
	h := newHarness(t, holderGate(1))
	_, err := h.orch.Relay(context.Background(), RelayRequest{Messages: userTurn("hi"), ModelID: "auditor"}, nil)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestRelayCheckFailedIsNotDenied(t *testing.T) {
	gate := checkerFunc(func(context.Context, string, string) entitlement.Decision {
		return entitlement.Decision{Outcome: entitlement.CheckFailed, Reason: entitlement.ReasonOracle, Err: errors.New("rpc down")}
	})
	h := newHarness(t, gate)
	_, err := h.orch.Relay(context.Background(), RelayRequest{Messages: userTurn("hi"), ModelID: "auditor", Address: owner}, nil)
	assert.ErrorIs(t, err, ErrEntitlementCheckFailed)
	assert.NotErrorIs(t, err, ErrEntitlementDenied)
}

func TestRelayTransportDrop(t *testing.T) {
	h := newHarness(t, holderGate(1))
	h.backend.readers = append(h.backend.readers, newChunkReader(errors.New("reset"), `0:"par"`+"\n"))
	rec := &recorder{}

	_, err := h.orch.Relay(context.Background(), RelayRequest{Messages: userTurn("hi"), ModelID: "basic"}, rec)
	assert.ErrorIs(t, err, ErrStreamTransport)
	assert.Equal(t, "par", joinDeltas(rec.deltas))
}
