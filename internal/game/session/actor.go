// Package session provides the caller capability passed into combat operations
// and per-combat presence tracking for connected clients.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Role is the caller's privilege level within an encounter.
type Role string

const (
	// RoleGM may mutate combats.
	RoleGM Role = "gm"
	// RolePlayer may only read and subscribe.
	RolePlayer Role = "player"
)

// ParseRole converts a role label into a Role.
//
// Postcondition: Returns an error for any label other than "gm" or "player".
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleGM:
		return RoleGM, nil
	case RolePlayer:
		return RolePlayer, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Actor is the explicit capability of whoever issues an operation.
// It is produced by the external authentication layer and never looked up implicitly.
type Actor struct {
	UserID string
	Role   Role
}

// GM returns an Actor holding the game master capability.
func GM(userID string) Actor { return Actor{UserID: userID, Role: RoleGM} }

// Player returns a read-only Actor.
func Player(userID string) Actor { return Actor{UserID: userID, Role: RolePlayer} }

// CanMutate reports whether the actor may change combat state.
func (a Actor) CanMutate() bool { return a.Role == RoleGM && a.UserID != "" }

type actorKey struct{}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the Actor stored by WithActor.
//
// Postcondition: Returns (actor, true) if present, or (zero Actor, false) otherwise.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Headers set by the authenticating proxy in front of the server.
const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-Role"
)

// ErrNoActor is returned when a request carries no identity.
var ErrNoActor = errors.New("request carries no actor")

// FromHeader reads the Actor asserted by the authenticating proxy.
//
// Postcondition: Returns ErrNoActor when the user id is missing, or an error for an unknown role.
func FromHeader(h http.Header) (Actor, error) {
	userID := strings.TrimSpace(h.Get(HeaderUserID))
	if userID == "" {
		return Actor{}, ErrNoActor
	}
	role, err := ParseRole(h.Get(HeaderRole))
	if err != nil {
		return Actor{}, err
	}
	return Actor{UserID: userID, Role: role}, nil
}

// SetHeader writes a into h in the form FromHeader reads.
func (a Actor) SetHeader(h http.Header) {
	h.Set(HeaderUserID, a.UserID)
	h.Set(HeaderRole, string(a.Role))
}
