package doctor

import "strings"

// Store exposes doctor catalog lookups for handlers and the turn orchestrator.
type Store interface {
	List() []Doctor
	FindByID(id string) (Doctor, bool)
	FindByName(name string) (Doctor, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Doctor
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied doctors.
func NewMemoryStore(items []Doctor) *MemoryStore {
	return &MemoryStore{items: append([]Doctor(nil), items...)}
}

// List returns the catalog.
func (s *MemoryStore) List() []Doctor {
	return append([]Doctor(nil), s.items...)
}

// FindByID looks up a doctor by identifier.
func (s *MemoryStore) FindByID(id string) (Doctor, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Doctor{}, false
}

// FindByName matches display names case-insensitively.
func (s *MemoryStore) FindByName(name string) (Doctor, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Doctor{}, false
	}
	for _, item := range s.items {
		if strings.EqualFold(item.Name, name) {
			return item, true
		}
	}
	return Doctor{}, false
}
