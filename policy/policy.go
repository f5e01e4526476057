// Package policy provides the capability checks applied at the engine and
// registry API boundaries. Capabilities replace on-chain role constants with
// an explicit permission enum resolved through an injected policy object.
package policy

import (
	"errors"
	"strings"
	"sync"
)

// Capability identifies a privileged operation class.
type Capability uint8

const (
	// CapManageAssets covers asset configuration and tier table updates.
	CapManageAssets Capability = iota + 1
	// CapManageOracles covers oracle source management and breaker resets.
	CapManageOracles
	// CapManageParams covers rate, fee and threshold parameter updates.
	CapManageParams
	// CapPause covers halting and resuming engine flows.
	CapPause
	// CapUpgrade covers state schema export and import.
	CapUpgrade
)

// String renders the capability for logs and error payloads.
func (c Capability) String() string {
	switch c {
	case CapManageAssets:
		return "manage-assets"
	case CapManageOracles:
		return "manage-oracles"
	case CapManageParams:
		return "manage-params"
	case CapPause:
		return "pause"
	case CapUpgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// ErrNotAuthorized is returned when an actor lacks the required capability.
var ErrNotAuthorized = errors.New("policy: actor not authorized")

// Policy answers whether an actor may exercise a capability.
type Policy interface {
	Allow(actor string, cap Capability) bool
}

// Require resolves a capability check into an error suitable for callers.
func Require(p Policy, actor string, cap Capability) error {
	if p == nil || !p.Allow(actor, cap) {
		return ErrNotAuthorized
	}
	return nil
}

// RoleTable is a mutable actor-to-capability grant table.
type RoleTable struct {
	mu     sync.RWMutex
	grants map[string]map[Capability]struct{}
}

// NewRoleTable constructs an empty grant table.
func NewRoleTable() *RoleTable {
	return &RoleTable{grants: make(map[string]map[Capability]struct{})}
}

// Grant adds a capability for the actor. Blank actors are ignored.
func (t *RoleTable) Grant(actor string, caps ...Capability) {
	actor = strings.TrimSpace(actor)
	if t == nil || actor == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.grants[actor]
	if !ok {
		set = make(map[Capability]struct{})
		t.grants[actor] = set
	}
	for _, c := range caps {
		set[c] = struct{}{}
	}
}

// Revoke removes a capability from the actor.
func (t *RoleTable) Revoke(actor string, cap Capability) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.grants[strings.TrimSpace(actor)]; ok {
		delete(set, cap)
	}
}

// Allow implements Policy.
func (t *RoleTable) Allow(actor string, cap Capability) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.grants[strings.TrimSpace(actor)]
	if !ok {
		return false
	}
	_, ok = set[cap]
	return ok
}

// AllowAll grants every capability to every actor. Intended for tests and
// single-operator deployments.
type AllowAll struct{}

// Allow implements Policy.
func (AllowAll) Allow(string, Capability) bool { return true }
