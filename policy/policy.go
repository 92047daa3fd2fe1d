// Package policy tracks contacts whose conversations are temporary:
// messages are delivered to live views but never persisted.
package policy

import (
	"sort"
	"sync"
)

// ContactPolicy is an in-memory set of temporary-contact JIDs. The caller
// owns durability; seed it from configuration and flush Contacts back on
// shutdown.
type ContactPolicy struct {
	mu       sync.RWMutex
	contacts map[string]struct{}
}

// NewContactPolicy builds a policy seeded with the given JIDs.
func NewContactPolicy(jids []string) *ContactPolicy {
	contacts := make(map[string]struct{}, len(jids))
	for _, jid := range jids {
		if jid == "" {
			continue
		}
		contacts[jid] = struct{}{}
	}
	return &ContactPolicy{contacts: contacts}
}

// IsTemporary reports whether messages for jid must be suppressed from persistence.
func (p *ContactPolicy) IsTemporary(jid string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.contacts[jid]
	return ok
}

// Add marks jid as a temporary contact.
func (p *ContactPolicy) Add(jid string) {
	if jid == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contacts[jid] = struct{}{}
}

// Remove clears the temporary flag for jid.
func (p *ContactPolicy) Remove(jid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.contacts, jid)
}

// Contacts returns a sorted snapshot of the set for persistence.
func (p *ContactPolicy) Contacts() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.contacts))
	for jid := range p.contacts {
		out = append(out, jid)
	}
	sort.Strings(out)
	return out
}
