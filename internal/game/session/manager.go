package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Client is one connected subscriber watching a combat.
type Client struct {
	// ID uniquely identifies the connection.
	ID string
	// Actor is the capability the client connected with.
	Actor Actor
	// CombatID is the combat the client is subscribed to.
	CombatID string
	// ConnectedAt is when the client joined.
	ConnectedAt time.Time
}

// Manager tracks connected clients and which combat each one watches.
// All methods are safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	clients    map[string]*Client         // client id → client
	combatSets map[string]map[string]bool // combat id → set of client ids
}

// NewManager creates an empty session Manager.
func NewManager() *Manager {
	return &Manager{
		clients:    make(map[string]*Client),
		combatSets: make(map[string]map[string]bool),
	}
}

// Join registers a client watching combatID.
//
// Precondition: id and combatID must be non-empty.
// Postcondition: Returns the created Client, or an error if id is already registered.
func (m *Manager) Join(id string, actor Actor, combatID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[id]; exists {
		return nil, fmt.Errorf("client %q already connected", id)
	}
	c := &Client{ID: id, Actor: actor, CombatID: combatID, ConnectedAt: time.Now()}
	m.clients[id] = c
	if m.combatSets[combatID] == nil {
		m.combatSets[combatID] = make(map[string]bool)
	}
	m.combatSets[combatID][id] = true
	return c, nil
}

// Leave removes a client and cleans up combat membership.
//
// Postcondition: The client is removed from all tracking. Returns an error if not found.
func (m *Manager) Leave(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.clients[id]
	if !exists {
		return fmt.Errorf("client %q not found", id)
	}
	if set, ok := m.combatSets[c.CombatID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.combatSets, c.CombatID)
		}
	}
	delete(m.clients, id)
	return nil
}

// ClientsInCombat returns the clients watching combatID, oldest first.
//
// Postcondition: Returns a slice (may be empty).
func (m *Manager) ClientsInCombat(combatID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.combatSets[combatID]
	out := make([]*Client, 0, len(ids))
	for id := range ids {
		if c, ok := m.clients[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// GetClient returns the client with the given id.
//
// Postcondition: Returns (client, true) if found, or (nil, false) otherwise.
func (m *Manager) GetClient(id string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// ClientCount returns the total number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
