package gameserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/apperr"
	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/game/session"
)

const maxRequestBody = 1 << 20

// HTTPAPI exposes CombatHandler as JSON over HTTP. The acting user is asserted
// by the authenticating proxy through the X-User-ID and X-Role headers.
type HTTPAPI struct {
	combats *CombatHandler
	events  http.Handler
	ready   func(context.Context) error
	logger  *zap.Logger
}

// NewHTTPAPI creates an HTTPAPI. events serves the websocket subscription endpoint.
//
// Precondition: combats and logger must be non-nil; events may be nil to disable subscriptions.
func NewHTTPAPI(combats *CombatHandler, events http.Handler, logger *zap.Logger) *HTTPAPI {
	return &HTTPAPI{combats: combats, events: events, logger: logger}
}

// Handler returns the routed, traced and access-logged handler.
func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /combats", a.withActor(a.createCombat))
	mux.HandleFunc("GET /combats/{id}", a.withActor(a.getCombat))
	mux.HandleFunc("DELETE /combats/{id}", a.withActor(a.deleteCombat))
	mux.HandleFunc("GET /combats/{id}/participants", a.withActor(a.listParticipants))
	mux.HandleFunc("POST /combats/{id}/participants", a.withActor(a.addParticipant))
	mux.HandleFunc("POST /combats/{id}/characters", a.withActor(a.addCharacter))
	mux.HandleFunc("POST /combats/{id}/next-turn", a.withActor(a.nextTurn))
	mux.HandleFunc("POST /combats/{id}/previous-turn", a.withActor(a.previousTurn))
	mux.HandleFunc("POST /combats/{id}/sort", a.withActor(a.sortByInitiative))
	mux.HandleFunc("POST /combats/{id}/reset", a.withActor(a.resetCombat))
	mux.HandleFunc("POST /combats/{id}/end", a.withActor(a.endCombat))
	mux.HandleFunc("PUT /combats/{id}/round", a.withActor(a.setRound))
	mux.HandleFunc("PATCH /participants/{id}", a.withActor(a.updateParticipant))
	mux.HandleFunc("POST /participants/{id}/hp", a.withActor(a.applyHPDelta))
	mux.HandleFunc("DELETE /participants/{id}", a.withActor(a.removeParticipant))
	if a.events != nil {
		mux.Handle("GET /combats/{id}/events", a.events)
	}
	mux.HandleFunc("GET /healthz", a.healthz)

	return otelhttp.NewHandler(a.accessLog(mux), "skirmish.http")
}

// WithReadiness makes /healthz report 503 while check fails.
func (a *HTTPAPI) WithReadiness(check func(context.Context) error) *HTTPAPI {
	a.ready = check
	return a
}

func (a *HTTPAPI) healthz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			a.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, string(apperr.KindPersistence), err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *HTTPAPI) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		a.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", m.Code),
			zap.Duration("duration", m.Duration),
			zap.Int64("bytes", m.Written),
		)
	})
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actor session.Actor)

// withActor resolves the caller from the proxy headers. A request without an
// identity never reaches the handler.
func (a *HTTPAPI) withActor(h actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := session.FromHeader(r.Header)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		h(w, r.WithContext(session.WithActor(r.Context(), actor)), actor)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// statusFor maps an error kind onto its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindFailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *HTTPAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		a.logger.Error("combat request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, string(kind), err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, "decoding request body", err)
	}
	return nil
}

type createCombatRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *HTTPAPI) createCombat(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	var req createCombatRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	c, err := a.combats.CreateCombat(r.Context(), actor, req.Name, req.Description)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *HTTPAPI) getCombat(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	c, err := a.combats.GetCombat(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *HTTPAPI) deleteCombat(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	if err := a.combats.DeleteCombat(r.Context(), actor, r.PathValue("id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *HTTPAPI) listParticipants(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	ps, err := a.combats.ListParticipants(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

type addParticipantRequest struct {
	Name       string              `json:"name"`
	IsNPC      bool                `json:"isNpc"`
	Initiative int                 `json:"initiative"`
	MaxHP      int                 `json:"maxHp"`
	CurrentHP  *int                `json:"currentHp"`
	ArmorClass *int                `json:"armorClass"`
	Conditions combat.ConditionSet `json:"conditions"`
	Notes      string              `json:"notes"`
}

func (a *HTTPAPI) addParticipant(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	var req addParticipantRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.combats.AddParticipant(r.Context(), actor, r.PathValue("id"), combat.Draft{
		Name:       req.Name,
		IsNPC:      req.IsNPC,
		Initiative: req.Initiative,
		MaxHP:      req.MaxHP,
		CurrentHP:  req.CurrentHP,
		ArmorClass: req.ArmorClass,
		Conditions: req.Conditions,
		Notes:      req.Notes,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type addCharacterRequest struct {
	CharacterID string `json:"characterId"`
	Initiative  int    `json:"initiative"`
}

func (a *HTTPAPI) addCharacter(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	var req addCharacterRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.CharacterID == "" {
		a.fail(w, r, apperr.New(apperr.KindInvalidArgument, "characterId is required"))
		return
	}
	p, err := a.combats.AddCharacter(r.Context(), actor, r.PathValue("id"), req.CharacterID, req.Initiative)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type updateParticipantRequest struct {
	Name            *string               `json:"name"`
	Initiative      *int                  `json:"initiative"`
	CurrentHP       *int                  `json:"currentHp"`
	MaxHP           *int                  `json:"maxHp"`
	ArmorClass      *int                  `json:"armorClass"`
	ClearArmorClass bool                  `json:"clearArmorClass"`
	Rotation        *combat.RotationState `json:"rotation"`
	Conditions      *combat.ConditionSet  `json:"conditions"`
	Notes           *string               `json:"notes"`
	Order           *int                  `json:"order"`
}

func (req updateParticipantRequest) patch() combat.Patch {
	p := combat.Patch{
		Name:            req.Name,
		Initiative:      req.Initiative,
		CurrentHP:       req.CurrentHP,
		MaxHP:           req.MaxHP,
		ArmorClass:      req.ArmorClass,
		ClearArmorClass: req.ClearArmorClass,
		Rotation:        req.Rotation,
		Notes:           req.Notes,
		Order:           req.Order,
	}
	if req.Conditions != nil {
		p.Conditions = *req.Conditions
	}
	return p
}

func (a *HTTPAPI) updateParticipant(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	var req updateParticipantRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.combats.UpdateParticipant(r.Context(), actor, r.PathValue("id"), req.patch())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type hpDeltaRequest struct {
	Delta int `json:"delta"`
}

func (a *HTTPAPI) applyHPDelta(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	var req hpDeltaRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.combats.ApplyHPDelta(r.Context(), actor, r.PathValue("id"), req.Delta)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type versionResponse struct {
	Version int64 `json:"version"`
}

func (a *HTTPAPI) removeParticipant(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	version, err := a.combats.RemoveParticipant(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{Version: version})
}

type setRoundRequest struct {
	Round int `json:"round"`
}

func (a *HTTPAPI) setRound(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	var req setRoundRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	c, err := a.combats.SetRound(r.Context(), actor, r.PathValue("id"), req.Round)
	a.writeCombat(w, r, c, err)
}

func (a *HTTPAPI) nextTurn(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	c, err := a.combats.NextTurn(r.Context(), actor, r.PathValue("id"))
	a.writeCombat(w, r, c, err)
}

func (a *HTTPAPI) previousTurn(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	c, err := a.combats.PreviousTurn(r.Context(), actor, r.PathValue("id"))
	a.writeCombat(w, r, c, err)
}

func (a *HTTPAPI) sortByInitiative(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	c, err := a.combats.SortByInitiative(r.Context(), actor, r.PathValue("id"))
	a.writeCombat(w, r, c, err)
}

func (a *HTTPAPI) resetCombat(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	c, err := a.combats.ResetCombat(r.Context(), actor, r.PathValue("id"))
	a.writeCombat(w, r, c, err)
}

func (a *HTTPAPI) endCombat(w http.ResponseWriter, r *http.Request, actor session.Actor) {
	c, err := a.combats.EndCombat(r.Context(), actor, r.PathValue("id"))
	a.writeCombat(w, r, c, err)
}

func (a *HTTPAPI) writeCombat(w http.ResponseWriter, r *http.Request, c *combat.Combat, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
