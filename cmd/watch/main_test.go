package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
)

func TestRender_MarksCurrentTurn(t *testing.T) {
	ac := 15
	c := &combat.Combat{
		Name:         "Ford",
		State:        combat.StateActive,
		CurrentRound: 2,
		CurrentTurn:  1,
		Version:      7,
		Participants: []*combat.Participant{
			{ID: "a", Name: "Ogre", Initiative: 14, CurrentHP: 30, MaxHP: 59, Order: 0, Rotation: combat.InRotation},
			{ID: "b", Name: "Lark", Initiative: 9, CurrentHP: 0, MaxHP: 22, Order: 1, Rotation: combat.Removed},
			{ID: "c", Name: "Pim", Initiative: 4, CurrentHP: 11, MaxHP: 11, Order: 2, Rotation: combat.InRotation,
				ArmorClass: &ac, Conditions: combat.ConditionSet{"hidden": {}}},
		},
	}

	var buf bytes.Buffer
	render(&buf, c)
	out := buf.String()

	assert.Contains(t, out, "Ford  round 2  [active]  v7")
	assert.Contains(t, out, "> Pim")
	assert.Contains(t, out, "  Ogre")
	assert.Contains(t, out, "(out)")
	assert.Contains(t, out, "ac 15")
	assert.Contains(t, out, "[hidden]")
}

type recordingClient struct {
	calls []string
}

func (c *recordingClient) record(format string, args ...any) {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

func (c *recordingClient) NextTurn(_ context.Context, id string) (*combat.Combat, error) {
	c.record("next %s", id)
	return &combat.Combat{}, nil
}

func (c *recordingClient) PreviousTurn(_ context.Context, id string) (*combat.Combat, error) {
	c.record("prev %s", id)
	return &combat.Combat{}, nil
}

func (c *recordingClient) SortByInitiative(_ context.Context, id string) (*combat.Combat, error) {
	c.record("sort %s", id)
	return &combat.Combat{}, nil
}

func (c *recordingClient) ResetCombat(_ context.Context, id string) (*combat.Combat, error) {
	c.record("reset %s", id)
	return &combat.Combat{}, nil
}

func (c *recordingClient) EndCombat(_ context.Context, id string) (*combat.Combat, error) {
	c.record("end %s", id)
	return nil, fmt.Errorf("combat %s already ended", id)
}

func (c *recordingClient) SetRound(_ context.Context, id string, round int) (*combat.Combat, error) {
	c.record("round %s %d", id, round)
	return &combat.Combat{}, nil
}

func (c *recordingClient) ApplyHPDelta(_ context.Context, id string, delta int) (*combat.Participant, error) {
	c.record("hp %s %d", id, delta)
	return &combat.Participant{}, nil
}

func (c *recordingClient) RemoveParticipant(_ context.Context, id string) (int64, error) {
	c.record("remove %s", id)
	return 4, nil
}

func TestExecute_DispatchesCommands(t *testing.T) {
	client := &recordingClient{}
	ctx := context.Background()
	for _, line := range []string{"next", "prev", "sort", "reset", "round 3", "hp p-2 -7", "remove p-3"} {
		require.NoError(t, execute(ctx, client, "c-1", line), line)
	}
	assert.Equal(t, []string{
		"next c-1", "prev c-1", "sort c-1", "reset c-1", "round c-1 3", "hp p-2 -7", "remove p-3",
	}, client.calls)
}

func TestExecute_RejectsMalformedCommands(t *testing.T) {
	client := &recordingClient{}
	for _, line := range []string{"jump", "next now", "round two", "hp p-1", "hp p-1 lots"} {
		assert.Error(t, execute(context.Background(), client, "c-1", line), line)
	}
	assert.Empty(t, client.calls)
}

func TestConsole_ReportsErrorsAndContinues(t *testing.T) {
	client := &recordingClient{}
	var out bytes.Buffer
	console(context.Background(), strings.NewReader("end\n\nnext\n"), &out, client, "c-1")

	assert.Equal(t, []string{"end c-1", "next c-1"}, client.calls)
	assert.Contains(t, out.String(), "error: combat c-1 already ended")
}
