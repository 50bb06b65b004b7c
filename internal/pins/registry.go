// Package pins tracks which messages of a conversation are pinned. Pins live
// apart from message bodies; the only coupling is that deleting a message
// retracts its pin, which the synchronizer enforces.
package pins

import (
	"sort"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/model"
)

// Registry holds at most one PinnedEntry per message id. It is not safe for
// concurrent use.
type Registry struct {
	entries map[string]model.PinnedEntry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]model.PinnedEntry)}
}

// Pin adds an entry. Pinning an already pinned message leaves the existing
// entry untouched and reports added=false.
func (r *Registry) Pin(e model.PinnedEntry) (added bool, err error) {
	if e.MessageID == "" {
		return false, apperr.Validation("pin requires a message id")
	}
	if _, ok := r.entries[e.MessageID]; ok {
		return false, nil
	}
	r.entries[e.MessageID] = e
	return true, nil
}

// Unpin removes the entry for messageID and returns it.
func (r *Registry) Unpin(messageID string) (model.PinnedEntry, error) {
	e, ok := r.entries[messageID]
	if !ok {
		return model.PinnedEntry{}, apperr.ErrPinNotFound
	}
	delete(r.entries, messageID)
	return e, nil
}

// Retract removes the entry for a deleted message, if any.
func (r *Registry) Retract(messageID string) (model.PinnedEntry, bool) {
	e, ok := r.entries[messageID]
	if ok {
		delete(r.entries, messageID)
	}
	return e, ok
}

// IsPinned reports whether messageID has an entry.
func (r *Registry) IsPinned(messageID string) bool {
	_, ok := r.entries[messageID]
	return ok
}

// Len returns the number of pins.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Reset replaces all entries, collapsing duplicates by message id.
func (r *Registry) Reset(entries []model.PinnedEntry) {
	r.entries = make(map[string]model.PinnedEntry, len(entries))
	for _, e := range entries {
		if e.MessageID == "" {
			continue
		}
		if _, ok := r.entries[e.MessageID]; !ok {
			r.entries[e.MessageID] = e
		}
	}
}

// List returns the pins ordered by pin time, oldest first.
func (r *Registry) List() []model.PinnedEntry {
	out := make([]model.PinnedEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PinnedAt.Equal(out[j].PinnedAt) {
			return out[i].PinnedAt.Before(out[j].PinnedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}
