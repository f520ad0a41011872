// Package apiclient is a Go client for the combat HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cory-johannsen/skirmish/internal/apperr"
	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/game/session"
)

// Tracker receives the result of every mutation the client makes, so a local
// snapshot reflects the change before its broadcast echo arrives.
// *reconcile.Reconciler satisfies it.
type Tracker interface {
	ApplyCombat(c *combat.Combat)
	ApplyParticipant(p *combat.Participant)
	RemoveParticipant(id string, version int64)
}

// Client issues combat requests on behalf of one actor.
// It satisfies reconcile.Fetcher.
type Client struct {
	base  string
	actor session.Actor
	http  *http.Client

	mu       sync.RWMutex
	trackers []Tracker
}

// New creates a Client for the API rooted at baseURL.
//
// Precondition: baseURL must be an absolute http or https URL.
func New(baseURL string, actor session.Actor) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return &Client{
		base:  strings.TrimRight(u.String(), "/"),
		actor: actor,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Track registers t to receive the result of every successful mutation.
// Trackers for other combats ignore results that are not theirs.
func (c *Client) Track(t Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackers = append(c.trackers, t)
}

func (c *Client) each(fn func(Tracker)) {
	c.mu.RLock()
	trackers := append([]Tracker(nil), c.trackers...)
	c.mu.RUnlock()
	for _, t := range trackers {
		fn(t)
	}
}

// GetCombat returns the authoritative snapshot of one combat.
//
// Postcondition: Non-2xx responses are returned as *apperr.Error with the server's kind.
func (c *Client) GetCombat(ctx context.Context, id string) (*combat.Combat, error) {
	var out combat.Combat
	if err := c.do(ctx, http.MethodGet, "/combats/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("fetching combat %s: %w", id, err)
	}
	return &out, nil
}

// NextTurn advances the combat's rotation.
func (c *Client) NextTurn(ctx context.Context, combatID string) (*combat.Combat, error) {
	return c.combatAction(ctx, http.MethodPost, combatID, "next-turn", nil)
}

// PreviousTurn steps the combat's rotation back.
func (c *Client) PreviousTurn(ctx context.Context, combatID string) (*combat.Combat, error) {
	return c.combatAction(ctx, http.MethodPost, combatID, "previous-turn", nil)
}

// SortByInitiative reorders participants by initiative.
func (c *Client) SortByInitiative(ctx context.Context, combatID string) (*combat.Combat, error) {
	return c.combatAction(ctx, http.MethodPost, combatID, "sort", nil)
}

// ResetCombat restores every participant and rewinds to round 1.
func (c *Client) ResetCombat(ctx context.Context, combatID string) (*combat.Combat, error) {
	return c.combatAction(ctx, http.MethodPost, combatID, "reset", nil)
}

// EndCombat marks the combat ended.
func (c *Client) EndCombat(ctx context.Context, combatID string) (*combat.Combat, error) {
	return c.combatAction(ctx, http.MethodPost, combatID, "end", nil)
}

// SetRound sets the combat's round counter.
func (c *Client) SetRound(ctx context.Context, combatID string, round int) (*combat.Combat, error) {
	return c.combatAction(ctx, http.MethodPut, combatID, "round", map[string]int{"round": round})
}

func (c *Client) combatAction(ctx context.Context, method, combatID, action string, body any) (*combat.Combat, error) {
	var out combat.Combat
	path := "/combats/" + url.PathEscape(combatID) + "/" + action
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, fmt.Errorf("%s combat %s: %w", action, combatID, err)
	}
	c.each(func(t Tracker) { t.ApplyCombat(&out) })
	return &out, nil
}

// Draft is the body of an add-participant request. Nil fields take server defaults.
type Draft struct {
	Name       string               `json:"name"`
	IsNPC      bool                 `json:"isNpc"`
	Initiative int                  `json:"initiative"`
	MaxHP      int                  `json:"maxHp"`
	CurrentHP  *int                 `json:"currentHp,omitempty"`
	ArmorClass *int                 `json:"armorClass,omitempty"`
	Conditions *combat.ConditionSet `json:"conditions,omitempty"`
	Notes      string               `json:"notes,omitempty"`
}

// Patch is the body of an update-participant request. Nil fields are left unchanged.
type Patch struct {
	Name            *string               `json:"name,omitempty"`
	Initiative      *int                  `json:"initiative,omitempty"`
	CurrentHP       *int                  `json:"currentHp,omitempty"`
	MaxHP           *int                  `json:"maxHp,omitempty"`
	ArmorClass      *int                  `json:"armorClass,omitempty"`
	ClearArmorClass bool                  `json:"clearArmorClass,omitempty"`
	Rotation        *combat.RotationState `json:"rotation,omitempty"`
	Conditions      *combat.ConditionSet  `json:"conditions,omitempty"`
	Notes           *string               `json:"notes,omitempty"`
	Order           *int                  `json:"order,omitempty"`
}

// AddParticipant adds a participant to the combat.
func (c *Client) AddParticipant(ctx context.Context, combatID string, d Draft) (*combat.Participant, error) {
	return c.participantAction(ctx, http.MethodPost, "/combats/"+url.PathEscape(combatID)+"/participants", d)
}

// AddCharacter imports an external character into the combat.
func (c *Client) AddCharacter(ctx context.Context, combatID, characterID string, initiative int) (*combat.Participant, error) {
	body := struct {
		CharacterID string `json:"characterId"`
		Initiative  int    `json:"initiative"`
	}{characterID, initiative}
	return c.participantAction(ctx, http.MethodPost, "/combats/"+url.PathEscape(combatID)+"/characters", body)
}

// UpdateParticipant applies a partial update.
func (c *Client) UpdateParticipant(ctx context.Context, participantID string, p Patch) (*combat.Participant, error) {
	return c.participantAction(ctx, http.MethodPatch, "/participants/"+url.PathEscape(participantID), p)
}

// ApplyHPDelta moves a participant's HP by delta.
func (c *Client) ApplyHPDelta(ctx context.Context, participantID string, delta int) (*combat.Participant, error) {
	return c.participantAction(ctx, http.MethodPost, "/participants/"+url.PathEscape(participantID)+"/hp", map[string]int{"delta": delta})
}

func (c *Client) participantAction(ctx context.Context, method, path string, body any) (*combat.Participant, error) {
	var out combat.Participant
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	c.each(func(t Tracker) { t.ApplyParticipant(&out) })
	return &out, nil
}

// RemoveParticipant deletes a participant and returns the combat's new version.
func (c *Client) RemoveParticipant(ctx context.Context, participantID string) (int64, error) {
	var out struct {
		Version int64 `json:"version"`
	}
	if err := c.do(ctx, http.MethodDelete, "/participants/"+url.PathEscape(participantID), nil, &out); err != nil {
		return 0, fmt.Errorf("removing participant %s: %w", participantID, err)
	}
	c.each(func(t Tracker) { t.RemoveParticipant(participantID, out.Version) })
	return out.Version, nil
}

// do sends one JSON request and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.actor.SetHeader(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Kind == "" {
		return apperr.Newf(apperr.KindUnknown, "unexpected status %d", resp.StatusCode)
	}
	return apperr.New(apperr.Kind(e.Kind), e.Error)
}
