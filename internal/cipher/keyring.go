package cipher

import (
	"fmt"
	"sync"
)

// #region keyring

// Keyring holds the in-memory key generations of every unlocked scope
// (one scope per profile). Multiple generations per scope may coexist; at
// most one is active for sealing.
type Keyring struct {
	mu      sync.Mutex
	keys    map[string]*KeyMaterial
	byScope map[string][]string
	active  map[string]string
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		keys:    make(map[string]*KeyMaterial),
		byScope: make(map[string][]string),
		active:  make(map[string]string),
	}
}

// #endregion keyring

// #region add
// Add registers km under scope. When active is true it becomes the sealing
// key for the scope. If km.KeyID is already loaded the loaded copy is kept
// and km is zeroed.
func (r *Keyring) Add(scope string, km *KeyMaterial, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.keys[km.KeyID]; ok {
		if prev != km {
			km.Zero()
		}
	} else {
		r.byScope[scope] = append(r.byScope[scope], km.KeyID)
		r.keys[km.KeyID] = km
	}
	if active {
		r.active[scope] = km.KeyID
	}
}

// #endregion add

// #region lookup
// Active returns the sealing key of scope.
func (r *Keyring) Active(scope string) (*KeyMaterial, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[scope]
	if !ok {
		return nil, fmt.Errorf("scope %s: %w", scope, ErrKeyNotFound)
	}
	km := r.keys[id]
	if km.Retired() {
		return nil, fmt.Errorf("scope %s key %s: %w", scope, id, ErrKeyRetired)
	}
	return km, nil
}

// Get returns the generation with keyID, retired or not.
func (r *Keyring) Get(keyID string) (*KeyMaterial, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	km, ok := r.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}
	return km, nil
}

// Unlocked reports whether scope has any loaded generation.
func (r *Keyring) Unlocked(scope string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byScope[scope]) > 0
}

// #endregion lookup

// #region lifecycle
// Retire closes keyID for new Seal calls. Records sealed under it stay
// readable until the scope is discarded.
func (r *Keyring) Retire(keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	km, ok := r.keys[keyID]
	if !ok {
		return fmt.Errorf("retire %s: %w", keyID, ErrKeyNotFound)
	}
	km.Retire()
	return nil
}

// Discard zeroes and forgets every generation of scope. Returns how many
// generations were dropped.
func (r *Keyring) Discard(scope string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byScope[scope]
	for _, id := range ids {
		if km, ok := r.keys[id]; ok {
			km.Zero()
			delete(r.keys, id)
		}
	}
	delete(r.byScope, scope)
	delete(r.active, scope)
	return len(ids)
}

// Close zeroes every loaded key.
func (r *Keyring) Close() {
	r.mu.Lock()
	scopes := make([]string, 0, len(r.byScope))
	for s := range r.byScope {
		scopes = append(scopes, s)
	}
	r.mu.Unlock()
	for _, s := range scopes {
		r.Discard(s)
	}
}

// #endregion lifecycle
