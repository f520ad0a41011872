package apiclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/skirmish/internal/apiclient"
	"github.com/cory-johannsen/skirmish/internal/apperr"
	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/game/session"
)

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_RejectsNonHTTPScheme(t *testing.T) {
	_, err := apiclient.New("ftp://example.com", session.Player("p"))
	assert.Error(t, err)
	_, err = apiclient.New("http://example.com/", session.Player("p"))
	assert.NoError(t, err)
}

func TestGetCombat_SendsIdentityAndDecodes(t *testing.T) {
	var gotUser, gotRole, gotPath string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get(session.HeaderUserID)
		gotRole = r.Header.Get(session.HeaderRole)
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(combat.Combat{ID: "c-1", Name: "Ford", CurrentRound: 3, Version: 9})
	})

	client, err := apiclient.New(srv.URL+"/", session.GM("gm-7"))
	require.NoError(t, err)
	c, err := client.GetCombat(context.Background(), "c-1")
	require.NoError(t, err)

	assert.Equal(t, "gm-7", gotUser)
	assert.Equal(t, "gm", gotRole)
	assert.Equal(t, "/combats/c-1", gotPath)
	assert.Equal(t, "Ford", c.Name)
	assert.Equal(t, 3, c.CurrentRound)
	assert.Equal(t, int64(9), c.Version)
}

func TestGetCombat_ClassifiesErrors(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/combats/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"combat missing not found","kind":"NOT_FOUND"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	})
	client, err := apiclient.New(srv.URL, session.Player("p"))
	require.NoError(t, err)

	_, err = client.GetCombat(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorContains(t, err, "combat missing not found")

	_, err = client.GetCombat(context.Background(), "other")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnknown, apperr.KindOf(err))
	assert.ErrorContains(t, err, "502")
}

type recordingTracker struct {
	combats      []*combat.Combat
	participants []*combat.Participant
	removed      map[string]int64
}

func (r *recordingTracker) ApplyCombat(c *combat.Combat)           { r.combats = append(r.combats, c) }
func (r *recordingTracker) ApplyParticipant(p *combat.Participant) { r.participants = append(r.participants, p) }
func (r *recordingTracker) RemoveParticipant(id string, version int64) {
	if r.removed == nil {
		r.removed = map[string]int64{}
	}
	r.removed[id] = version
}

type request struct {
	Method string
	Path   string
	Body   map[string]any
}

// recordingServer answers every mutation and remembers what it was asked.
func recordingServer(t *testing.T) (*httptest.Server, func() []request) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []request
	)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		req := request{Method: r.Method, Path: r.URL.Path}
		if r.ContentLength > 0 {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req.Body))
		}
		mu.Lock()
		got = append(got, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/combats/c-1/next-turn" && r.Header.Get(session.HeaderRole) != "gm":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"game master required","kind":"UNAUTHORIZED"}`))
		case r.Method == http.MethodDelete:
			_, _ = w.Write([]byte(`{"version":12}`))
		case strings.HasPrefix(r.URL.Path, "/participants/"),
			r.URL.Path == "/combats/c-1/participants", r.URL.Path == "/combats/c-1/characters":
			_ = json.NewEncoder(w).Encode(combat.Participant{ID: "p-1", CombatID: "c-1", CurrentHP: 3, MaxHP: 7, CombatVersion: 11})
		default:
			_ = json.NewEncoder(w).Encode(combat.Combat{ID: "c-1", CurrentTurn: 1, CurrentRound: 2, Version: 10})
		}
	})
	return srv, func() []request {
		mu.Lock()
		defer mu.Unlock()
		return append([]request(nil), got...)
	}
}

func TestMutations_SendRequestsAndFeedTrackers(t *testing.T) {
	srv, got := recordingServer(t)
	client, err := apiclient.New(srv.URL, session.GM("gm-1"))
	require.NoError(t, err)
	tracker := &recordingTracker{}
	client.Track(tracker)
	ctx := context.Background()

	for _, call := range []func() (*combat.Combat, error){
		func() (*combat.Combat, error) { return client.NextTurn(ctx, "c-1") },
		func() (*combat.Combat, error) { return client.PreviousTurn(ctx, "c-1") },
		func() (*combat.Combat, error) { return client.SortByInitiative(ctx, "c-1") },
		func() (*combat.Combat, error) { return client.ResetCombat(ctx, "c-1") },
		func() (*combat.Combat, error) { return client.EndCombat(ctx, "c-1") },
		func() (*combat.Combat, error) { return client.SetRound(ctx, "c-1", 4) },
	} {
		c, err := call()
		require.NoError(t, err)
		assert.Equal(t, int64(10), c.Version)
	}

	hp := 9
	_, err = client.ApplyHPDelta(ctx, "p-1", -4)
	require.NoError(t, err)
	_, err = client.UpdateParticipant(ctx, "p-1", apiclient.Patch{CurrentHP: &hp})
	require.NoError(t, err)
	_, err = client.AddParticipant(ctx, "c-1", apiclient.Draft{Name: "Ogre", MaxHP: 30})
	require.NoError(t, err)
	_, err = client.AddCharacter(ctx, "c-1", "ch-7", 14)
	require.NoError(t, err)
	version, err := client.RemoveParticipant(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), version)

	assert.Equal(t, []request{
		{Method: http.MethodPost, Path: "/combats/c-1/next-turn"},
		{Method: http.MethodPost, Path: "/combats/c-1/previous-turn"},
		{Method: http.MethodPost, Path: "/combats/c-1/sort"},
		{Method: http.MethodPost, Path: "/combats/c-1/reset"},
		{Method: http.MethodPost, Path: "/combats/c-1/end"},
		{Method: http.MethodPut, Path: "/combats/c-1/round", Body: map[string]any{"round": float64(4)}},
		{Method: http.MethodPost, Path: "/participants/p-1/hp", Body: map[string]any{"delta": float64(-4)}},
		{Method: http.MethodPatch, Path: "/participants/p-1", Body: map[string]any{"currentHp": float64(9)}},
		{Method: http.MethodPost, Path: "/combats/c-1/participants", Body: map[string]any{
			"name": "Ogre", "isNpc": false, "initiative": float64(0), "maxHp": float64(30),
		}},
		{Method: http.MethodPost, Path: "/combats/c-1/characters", Body: map[string]any{
			"characterId": "ch-7", "initiative": float64(14),
		}},
		{Method: http.MethodDelete, Path: "/participants/p-1"},
	}, got())

	assert.Len(t, tracker.combats, 6)
	require.Len(t, tracker.participants, 4)
	assert.Equal(t, int64(11), tracker.participants[0].CombatVersion)
	assert.Equal(t, map[string]int64{"p-1": 12}, tracker.removed)
}

func TestMutations_FailuresSkipTrackers(t *testing.T) {
	srv, _ := recordingServer(t)
	client, err := apiclient.New(srv.URL, session.Player("p"))
	require.NoError(t, err)
	tracker := &recordingTracker{}
	client.Track(tracker)

	_, err = client.NextTurn(context.Background(), "c-1")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Empty(t, tracker.combats)
}
