package gameserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/game/session"
	"github.com/cory-johannsen/skirmish/internal/pubsub/ws"
	"github.com/cory-johannsen/skirmish/internal/testutil"
)

type apiFixture struct {
	*fixture
	sessions *session.Manager
	server   *httptest.Server
	api      *testutil.APIClient
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newFixture(t)
	sessions := session.NewManager()
	events := ws.NewHandler(f.hub, sessions, ws.Config{}, zap.NewNop())
	server := httptest.NewServer(NewHTTPAPI(f.h, events, zap.NewNop()).Handler())
	t.Cleanup(server.Close)
	return &apiFixture{fixture: f, sessions: sessions, server: server, api: testutil.NewAPIClient(t, server.URL)}
}

func (a *apiFixture) createCombat(t *testing.T) combat.Combat {
	t.Helper()
	resp := a.api.Do(http.MethodPost, "/combats", gm, map[string]string{"name": "Crypt"})
	require.Equal(t, http.StatusCreated, resp.Status, string(resp.Body))
	var c combat.Combat
	resp.Decode(t, &c)
	return c
}

func (a *apiFixture) addParticipant(t *testing.T, combatID, name string, initiative, maxHP int) combat.Participant {
	t.Helper()
	resp := a.api.Do(http.MethodPost, "/combats/"+combatID+"/participants", gm, map[string]any{
		"name": name, "isNpc": true, "initiative": initiative, "maxHp": maxHP,
	})
	require.Equal(t, http.StatusCreated, resp.Status, string(resp.Body))
	var p combat.Participant
	resp.Decode(t, &p)
	return p
}

func errorKind(t *testing.T, resp testutil.Response) string {
	t.Helper()
	var body errorResponse
	resp.Decode(t, &body)
	return body.Kind
}

func TestHTTPAPI_CombatFlow(t *testing.T) {
	a := newAPIFixture(t)
	c := a.createCombat(t)
	assert.Equal(t, "Crypt", c.Name)
	assert.Equal(t, combat.StateActive, c.State)

	a.addParticipant(t, c.ID, "Slow", 5, 10)
	fast := a.addParticipant(t, c.ID, "Fast", 18, 12)

	resp := a.api.Do(http.MethodPost, "/combats/"+c.ID+"/sort", gm, nil)
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	var sorted combat.Combat
	resp.Decode(t, &sorted)
	require.Len(t, sorted.Participants, 2)
	assert.Equal(t, fast.ID, sorted.Participants[0].ID)

	resp = a.api.Do(http.MethodPost, "/combats/"+c.ID+"/next-turn", gm, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var turned combat.Combat
	resp.Decode(t, &turned)
	assert.Equal(t, 1, turned.CurrentTurn)
	assert.Greater(t, turned.Version, sorted.Version)

	resp = a.api.Do(http.MethodPost, "/participants/"+fast.ID+"/hp", gm, map[string]int{"delta": -5})
	require.Equal(t, http.StatusOK, resp.Status)
	var hurt combat.Participant
	resp.Decode(t, &hurt)
	assert.Equal(t, 7, hurt.CurrentHP)

	resp = a.api.Do(http.MethodPatch, "/participants/"+fast.ID, gm, map[string]any{
		"rotation": "removed", "conditions": []string{"prone"},
	})
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	var patched combat.Participant
	resp.Decode(t, &patched)
	assert.Equal(t, combat.Removed, patched.Rotation)
	assert.True(t, patched.Conditions.Has("prone"))

	resp = a.api.Do(http.MethodGet, "/combats/"+c.ID, player, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var seen combat.Combat
	resp.Decode(t, &seen)
	assert.Equal(t, patched.CombatVersion, seen.Version)

	resp = a.api.Do(http.MethodGet, "/combats/"+c.ID+"/participants", player, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var list []combat.Participant
	resp.Decode(t, &list)
	assert.Len(t, list, 2)

	resp = a.api.Do(http.MethodDelete, "/participants/"+fast.ID, gm, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var removed struct {
		Version int64 `json:"version"`
	}
	resp.Decode(t, &removed)
	assert.Greater(t, removed.Version, seen.Version)

	resp = a.api.Do(http.MethodPut, "/combats/"+c.ID+"/round", gm, map[string]int{"round": 4})
	require.Equal(t, http.StatusOK, resp.Status)
	var rounded combat.Combat
	resp.Decode(t, &rounded)
	assert.Equal(t, 4, rounded.CurrentRound)

	resp = a.api.Do(http.MethodPost, "/combats/"+c.ID+"/end", gm, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	resp = a.api.Do(http.MethodDelete, "/combats/"+c.ID, gm, nil)
	assert.Equal(t, http.StatusNoContent, resp.Status)
	resp = a.api.Do(http.MethodGet, "/combats/"+c.ID, gm, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestHTTPAPI_AddCharacter(t *testing.T) {
	a := newAPIFixture(t)
	c := a.createCombat(t)

	resp := a.api.Do(http.MethodPost, "/combats/"+c.ID+"/characters", gm, map[string]any{"characterId": "ch-aria", "initiative": 9})
	require.Equal(t, http.StatusCreated, resp.Status, string(resp.Body))
	var p combat.Participant
	resp.Decode(t, &p)
	assert.Equal(t, "Aria", p.Name)
	assert.Equal(t, 27, p.MaxHP)

	resp = a.api.Do(http.MethodPost, "/combats/"+c.ID+"/characters", gm, map[string]any{"initiative": 9})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestHTTPAPI_ErrorStatuses(t *testing.T) {
	a := newAPIFixture(t)
	c := a.createCombat(t)
	p := a.addParticipant(t, c.ID, "Orc", 7, 15)

	tests := []struct {
		name   string
		method string
		path   string
		actor  session.Actor
		body   any
		status int
		kind   string
	}{
		{"no identity", http.MethodGet, "/combats/" + c.ID, session.Actor{}, nil, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"player mutates", http.MethodPost, "/combats/" + c.ID + "/next-turn", player, nil, http.StatusForbidden, "UNAUTHORIZED"},
		{"player creates", http.MethodPost, "/combats", player, map[string]string{"name": "x"}, http.StatusForbidden, "UNAUTHORIZED"},
		{"unknown combat", http.MethodGet, "/combats/00000000-0000-0000-0000-000000000000", gm, nil, http.StatusNotFound, "NOT_FOUND"},
		{"unknown participant", http.MethodPost, "/participants/00000000-0000-0000-0000-000000000000/hp", gm, map[string]int{"delta": 1}, http.StatusNotFound, "NOT_FOUND"},
		{"blank name", http.MethodPost, "/combats", gm, map[string]string{"name": " "}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown field", http.MethodPatch, "/participants/" + p.ID, gm, map[string]any{"bogus": 1}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"negative max hp", http.MethodPatch, "/participants/" + p.ID, gm, map[string]any{"maxHp": -3}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"round below one", http.MethodPut, "/combats/" + c.ID + "/round", gm, map[string]int{"round": 0}, http.StatusBadRequest, "INVALID_ARGUMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.api.Do(tt.method, tt.path, tt.actor, tt.body)
			assert.Equal(t, tt.status, resp.Status, string(resp.Body))
			assert.Equal(t, tt.kind, errorKind(t, resp))
		})
	}
}

func TestHTTPAPI_EndedCombatConflicts(t *testing.T) {
	a := newAPIFixture(t)
	c := a.createCombat(t)
	resp := a.api.Do(http.MethodPost, "/combats/"+c.ID+"/end", gm, nil)
	require.Equal(t, http.StatusOK, resp.Status)

	resp = a.api.Do(http.MethodPost, "/combats/"+c.ID+"/next-turn", gm, nil)
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, "FAILED_PRECONDITION", errorKind(t, resp))
}

func TestHTTPAPI_Healthz(t *testing.T) {
	a := newAPIFixture(t)
	resp := a.api.Do(http.MethodGet, "/healthz", session.Actor{}, nil)
	assert.Equal(t, http.StatusNoContent, resp.Status)

	var down atomic.Bool
	api := NewHTTPAPI(a.h, nil, zap.NewNop()).WithReadiness(func(context.Context) error {
		if down.Load() {
			return errors.New("database unreachable")
		}
		return nil
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	client := testutil.NewAPIClient(t, srv.URL)

	assert.Equal(t, http.StatusNoContent, client.Do(http.MethodGet, "/healthz", session.Actor{}, nil).Status)
	down.Store(true)
	resp = client.Do(http.MethodGet, "/healthz", session.Actor{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "PERSISTENCE", errorKind(t, resp))
}
