// Package registry tracks classified participant connections.
//
// A connection id is in at most one role collection at a time. Node ids are
// kept in registration order, which drives partner selection.
package registry

import (
	"slices"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUnassigned Role = "unassigned"
	RoleNode       Role = "node"
	RoleAdmin      Role = "admin"
)

// Broadcast group names. Membership follows the role.
const (
	GroupNodes  = "nodes"
	GroupAdmins = "admins"
)

// ParseRole maps a wire value to a Role.
func ParseRole(value string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleNode:
		return RoleNode, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return RoleUnassigned, false
	}
}

// Group returns the broadcast group a role belongs to, or "".
func (role Role) Group() string {
	switch role {
	case RoleNode:
		return GroupNodes
	case RoleAdmin:
		return GroupAdmins
	default:
		return ""
	}
}

// Connection is the metadata held for a registered id.
type Connection struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Particles    []string  `json:"particles,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mutex   sync.RWMutex
	entries map[string]*Connection
	nodes   []string
	admins  []string
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*Connection),
		now:     time.Now,
	}
}

// Register classifies id. Registering again with the same role is a no-op;
// a different role replaces the previous one and moves the id to the end of
// the new role's ordering. Node payload is reset on a role change.
func (registry *Registry) Register(id string, role Role) {
	id = strings.TrimSpace(id)
	if id == "" || role.Group() == "" {
		return
	}
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if existing, ok := registry.entries[id]; ok {
		if existing.Role == role {
			return
		}
		registry.removeLocked(id, existing.Role)
	}
	registry.entries[id] = &Connection{
		ID:           id,
		Role:         role,
		RegisteredAt: registry.now().UTC(),
	}
	switch role {
	case RoleNode:
		registry.nodes = append(registry.nodes, id)
	case RoleAdmin:
		registry.admins = append(registry.admins, id)
	}
}

// Unregister removes id from every role collection. Absent ids are ignored.
func (registry *Registry) Unregister(id string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	existing, ok := registry.entries[id]
	if !ok {
		return
	}
	registry.removeLocked(id, existing.Role)
	delete(registry.entries, id)
}

// ListNodeIDs returns node ids in registration order.
func (registry *Registry) ListNodeIDs() []string {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	return slices.Clone(registry.nodes)
}

func (registry *Registry) CountNodes() int {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	return len(registry.nodes)
}

func (registry *Registry) CountAdmins() int {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	return len(registry.admins)
}

// Role returns the classification of id; unknown ids are unassigned.
func (registry *Registry) Role(id string) Role {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	if existing, ok := registry.entries[id]; ok {
		return existing.Role
	}
	return RoleUnassigned
}

func (registry *Registry) InGroup(id, group string) bool {
	if group == "" {
		return false
	}
	return registry.Role(id).Group() == group
}

// AddParticle appends a particle id to a registered node. It reports false
// when id is not currently a node.
func (registry *Registry) AddParticle(id, particle string) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	existing, ok := registry.entries[id]
	if !ok || existing.Role != RoleNode {
		return false
	}
	existing.Particles = append(existing.Particles, particle)
	return true
}

// Nodes returns a copy of every node entry in registration order.
func (registry *Registry) Nodes() []Connection {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	nodes := make([]Connection, 0, len(registry.nodes))
	for _, id := range registry.nodes {
		entry := *registry.entries[id]
		entry.Particles = slices.Clone(entry.Particles)
		nodes = append(nodes, entry)
	}
	return nodes
}

func (registry *Registry) removeLocked(id string, role Role) {
	switch role {
	case RoleNode:
		registry.nodes = removeID(registry.nodes, id)
	case RoleAdmin:
		registry.admins = removeID(registry.admins, id)
	}
}

func removeID(ids []string, id string) []string {
	index := slices.Index(ids, id)
	if index < 0 {
		return ids
	}
	return slices.Delete(ids, index, index+1)
}
